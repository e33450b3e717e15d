package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// APIKeyHeader carries the deployment API key.
const APIKeyHeader = "X-API-Key"

// RejectionCounter is told about every request CombinedAuth turns away.
type RejectionCounter interface {
	AuthRejected(reason string)
}

type tokenInfoKey struct{}

// WithTokenInfo attaches verified token info to ctx.
func WithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey{}, info)
}

// TokenInfoFromContext returns the verified token info, or nil when the
// request was let through by API key or with auth disabled.
func TokenInfoFromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info
}

// CombinedAuth protects a route. With no API key configured every request
// passes. Otherwise the request needs a matching X-API-Key header or a valid
// bearer token.
func CombinedAuth(h *Handler, apiKey string, log *zap.Logger, rejections RejectionCounter) func(http.Handler) http.Handler {
	log = log.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if key := r.Header.Get(APIKeyHeader); key != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				reject(w, log, rejections, "missing_credentials", "API key or bearer token required")
				return
			}
			info, err := h.VerifyToken(tokenString)
			if err != nil {
				reason := "invalid_token"
				if errors.Is(err, ErrExpiredToken) {
					reason = "expired_token"
				}
				log.Debug("bearer token rejected", zap.Error(err))
				reject(w, log, rejections, reason, "Invalid token. Please login again.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTokenInfo(r.Context(), info)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func reject(w http.ResponseWriter, log *zap.Logger, rejections RejectionCounter, reason, detail string) {
	if rejections != nil {
		rejections.AuthRejected(reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(map[string]string{"detail": detail}); err != nil {
		log.Warn("failed to write auth rejection", zap.Error(err))
	}
}
