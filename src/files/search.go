// C12 Fuzzy File Search: a SPEC_FULL.md addition (not in the distilled
// spec) layered on top of the sandbox in files.go. Scores every path
// under a session's sandbox against a query using fzf's own matching
// algorithm (github.com/junegunn/fzf/src/algo), the same library the
// fzf CLI uses internally, rather than hand-rolling a scorer.
package files

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// MaxSearchResults bounds how many matches SearchFiles returns.
const MaxSearchResults = 50

// slab sizing mirrors fzf's own defaults for its internal scratch buffers.
const (
	slab16Size = 100 * 1024
	slab32Size = 2048
)

// SearchResult is one fuzzy match, ordered by Score desc then Path asc.
type SearchResult struct {
	Path  string `json:"path"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	Score int    `json:"score"`
}

// SearchFiles fuzzy-matches query against every non-dotfile path under
// the session's sandbox, skipping dotfile directories entirely the same
// way ListFiles does. An empty query yields no results.
func (h *Handler) SearchFiles(id, query string) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	root := h.Root(id)
	pattern := []rune(query)
	slab := util.MakeSlab(slab16Size, slab32Size)

	var results []SearchResult
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		chars := util.ToChars([]byte(rel))
		res, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
		if res.Score <= 0 {
			return nil
		}

		info, infoErr := d.Info()
		var size int64
		if infoErr == nil {
			size = info.Size()
		}
		results = append(results, SearchResult{
			Path:  filepath.ToSlash(rel),
			Type:  "file",
			Size:  size,
			Score: res.Score,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > MaxSearchResults {
		results = results[:MaxSearchResults]
	}
	return results, nil
}
