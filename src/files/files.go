// Package files implements C7 (File Handler): per-session sandboxed
// list/read/write with a classical path-traversal guard, grounded on the
// teacher's path-resolution discipline in its lib/path.go, generalized
// from a single-root "format a
// path" helper into the full listFiles/readFile/writeFile surface spec.md
// §4.7 asks for.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxReadBytes is the per-file read cap from spec.md §4.7: 5 MiB.
const MaxReadBytes = 5 * 1024 * 1024

// ErrTooLarge is returned by ReadFile when the target exceeds MaxReadBytes.
var ErrTooLarge = fmt.Errorf("files: file too large")

// ErrOutsideSandbox is returned whenever a resolved path would escape its
// sandbox root.
var ErrOutsideSandbox = fmt.Errorf("files: path escapes sandbox")

// Entry is one listFiles result.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "file" | "directory"
	Size int64  `json:"size"`
}

// Content is a readFile result.
type Content struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

// Handler resolves every call against a per-session sandbox root.
type Handler struct {
	baseDir string // <base>/sessions/
}

// NewHandler creates a Handler whose sandboxes live under <baseDir>/sessions/<id>/.
func NewHandler(baseDir string) *Handler {
	return &Handler{baseDir: filepath.Join(baseDir, "sessions")}
}

// Root returns the sandbox root for a given session id.
func (h *Handler) Root(id string) string {
	return filepath.Join(h.baseDir, id)
}

// resolve joins rel onto the session's sandbox root and rejects any
// result whose absolute form doesn't lie under that root — the classical
// ".." traversal guard spec.md §4.7 requires.
func (h *Handler) resolve(id, rel string) (string, error) {
	root := h.Root(id)
	full := filepath.Clean(filepath.Join(root, rel))

	relCheck, err := filepath.Rel(root, full)
	if err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", ErrOutsideSandbox
	}
	return full, nil
}

// ListFiles lists rel (a directory relative to the session's sandbox),
// skipping dotfiles, directories first then alphabetical within each
// kind.
func (h *Handler) ListFiles(id, rel string) ([]Entry, error) {
	dir, err := h.resolve(id, rel)
	if err != nil {
		return nil, err
	}

	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("files: list %s: %w", rel, err)
	}

	var dirs, regular []Entry
	for _, item := range items {
		if strings.HasPrefix(item.Name(), ".") {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		entry := Entry{Name: item.Name(), Size: info.Size()}
		if item.IsDir() {
			entry.Type = "directory"
			dirs = append(dirs, entry)
		} else {
			entry.Type = "file"
			regular = append(regular, entry)
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(regular, func(i, j int) bool { return regular[i].Name < regular[j].Name })

	return append(dirs, regular...), nil
}

// ReadFile returns rel's content and guessed language, rejecting files
// over MaxReadBytes.
func (h *Handler) ReadFile(id, rel string) (Content, error) {
	full, err := h.resolve(id, rel)
	if err != nil {
		return Content{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return Content{}, fmt.Errorf("files: stat %s: %w", rel, err)
	}
	if info.Size() > MaxReadBytes {
		return Content{}, ErrTooLarge
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		return Content{}, fmt.Errorf("files: read %s: %w", rel, err)
	}

	return Content{Content: string(raw), Language: languageFor(full)}, nil
}

// WriteFile creates rel's parent directories as needed and writes content,
// overwriting any existing file.
func (h *Handler) WriteFile(id, rel, content string) error {
	full, err := h.resolve(id, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("files: create parent dirs for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("files: write %s: %w", rel, err)
	}
	return nil
}

// languageTable maps a lowercase extension to an editor language tag.
// Not exhaustive — spec.md §4.7 asks only for a fixed table with a
// plaintext default.
var languageTable = map[string]string{
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".md":   "markdown",
	".py":   "python",
	".rs":   "rust",
	".go":   "go",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sh":   "shell",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".java": "java",
	".rb":   "ruby",
	".html": "html",
	".css":  "css",
	".sql":  "sql",
}

func languageFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := languageTable[ext]; ok {
		return lang
	}
	return "plaintext"
}
