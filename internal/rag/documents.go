package rag

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

var supportedExtensions = []string{
	".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm", ".xml",
	".yaml", ".yml", ".log", ".conf", ".ini", ".properties", ".sql", ".tex",
}

// DocumentManager finds indexable files under the input directory.
type DocumentManager struct {
	inputDir   string
	extensions map[string]struct{}
}

// NewDocumentManager creates inputDir if it does not exist.
func NewDocumentManager(inputDir string) (*DocumentManager, error) {
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input directory %s: %w", inputDir, err)
	}
	exts := make(map[string]struct{}, len(supportedExtensions))
	for _, e := range supportedExtensions {
		exts[e] = struct{}{}
	}
	return &DocumentManager{inputDir: inputDir, extensions: exts}, nil
}

func (m *DocumentManager) InputDir() string { return m.inputDir }

func (m *DocumentManager) IsSupported(path string) bool {
	_, ok := m.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ScanDirectory returns every supported file under the input directory in a
// stable order. Hidden files and directories are skipped.
func (m *DocumentManager) ScanDirectory() ([]string, error) {
	var files []string
	err := filepath.WalkDir(m.inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != m.inputDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && m.IsSupported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", m.inputDir, err)
	}
	sort.Strings(files)
	return files, nil
}

// readText loads a document and rejects content that is not UTF-8 text.
func readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", path)
	}
	return string(raw), nil
}

// chunkText splits content into windows of size runes that overlap by
// overlap runes. Windows end on whitespace where one is close enough.
func chunkText(content string, size, overlap int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if size <= 0 {
		return []string{content}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(content)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start:end]); cut > size/2 {
			end = start + cut
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case ' ', '\n', '\t', '\r':
			return i
		}
	}
	return -1
}
