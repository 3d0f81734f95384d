package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func testSignature() *object.Signature {
	return &object.Signature{Name: "ccr-test", Email: "test@example.invalid", When: time.Now()}
}

func TestCurrentBranch_NotARepoIsNotOK(t *testing.T) {
	dir := t.TempDir()
	_, _, ok := CurrentBranch(dir)
	if ok {
		t.Fatal("expected ok=false for a directory with no repository")
	}
}

func TestCurrentBranch_EmptyDirIsNotOK(t *testing.T) {
	_, _, ok := CurrentBranch("")
	if ok {
		t.Fatal("expected ok=false for an empty directory")
	}
}

func TestCurrentBranch_FindsRepoInParent(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fname := filepath.Join(root, "README.md")
	if err := os.WriteFile(fname, []byte("hello"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: testSignature(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	branch, dirty, ok := CurrentBranch(sub)
	if !ok {
		t.Fatal("expected to find the repository from a nested subdirectory")
	}
	if branch == "" {
		t.Fatal("expected a non-empty branch name")
	}
	if dirty {
		t.Fatal("expected a clean worktree right after commit")
	}
}

func TestCurrentBranch_DirtyWorktree(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fname := filepath.Join(root, "a.txt")
	os.WriteFile(fname, []byte("v1"), 0o644)
	wt.Add("a.txt")
	wt.Commit("c1", &git.CommitOptions{Author: testSignature()})

	os.WriteFile(fname, []byte("v2, dirty now"), 0o644)

	_, dirty, ok := CurrentBranch(root)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !dirty {
		t.Fatal("expected dirty=true after modifying a tracked file")
	}
}
