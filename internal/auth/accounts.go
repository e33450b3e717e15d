package auth

import (
	"fmt"
	"strings"
)

// AccountTable maps usernames to stored credentials. A credential is either
// a plain password or "{bcrypt}" followed by a bcrypt hash.
type AccountTable map[string]string

// ParseAccounts reads the AUTH_ACCOUNTS format "user:pass,user2:pass2".
// An empty string yields an empty table, which disables login.
func ParseAccounts(s string) (AccountTable, error) {
	table := AccountTable{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		username, password, ok := strings.Cut(entry, ":")
		if !ok || username == "" {
			return nil, fmt.Errorf("malformed AUTH_ACCOUNTS entry %q, expected user:password", entry)
		}
		table[username] = password
	}
	return table, nil
}
