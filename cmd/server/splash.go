package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"gwi.com/rag-gateway/internal/api"
	"gwi.com/rag-gateway/internal/binding"
	"gwi.com/rag-gateway/internal/config"
)

func printSplash(w io.Writer, cfg *config.Config, b *binding.Resolved, authConfigured bool) {
	title := color.New(color.FgHiCyan, color.Bold)
	section := color.New(color.FgHiGreen, color.Bold)
	key := color.New(color.FgWhite)
	value := color.New(color.FgYellow)

	line := func(name string, v any) {
		fmt.Fprintf(w, "    %s %s\n", key.Sprintf("%-22s", name+":"), value.Sprint(v))
	}

	fmt.Fprintln(w)
	title.Fprintf(w, "  LightRAG Server v%s/%s\n", api.CoreVersion, api.APIVersion)
	fmt.Fprintln(w)

	section.Fprintln(w, "  Server")
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	line("Address", fmt.Sprintf("%s://%s", scheme, cfg.Addr()))
	line("Workers", cfg.Workers)
	line("Working directory", cfg.WorkingDir)
	line("Input directory", cfg.InputDir)
	line("Log file", cfg.LogFilePath())
	line("Auto scan at startup", cfg.AutoScanAtStartup)

	section.Fprintln(w, "  LLM")
	line("Binding", b.LLM.Tag())
	line("Host", cfg.LLMBindingHost)
	line("Model", b.LLM.Model)
	line("Max tokens", cfg.MaxTokens)
	line("Timeout", fmt.Sprintf("%ds", cfg.Timeout))

	section.Fprintln(w, "  Embedding")
	line("Binding", b.Embedding.Tag())
	line("Host", cfg.EmbeddingBindingHost)
	line("Model", b.Embedding.Model)
	line("Dimension", b.Embedding.Dimension)
	line("Max token size", b.Embedding.MaxTokenSize)

	section.Fprintln(w, "  Storage")
	line("KV", cfg.KVStorage)
	line("Vector", cfg.VectorStorage)
	line("Graph", cfg.GraphStorage)
	line("Doc status", cfg.DocStatusStorage)
	line("Namespace store", cfg.NamespaceStore)

	section.Fprintln(w, "  Security")
	auth := "disabled (guest access)"
	if authConfigured {
		auth = "enabled"
	}
	line("Accounts", auth)
	apiKey := "not set"
	if cfg.APIKey != "" {
		apiKey = "set"
	}
	line("API key", apiKey)
	fmt.Fprintln(w)
}
