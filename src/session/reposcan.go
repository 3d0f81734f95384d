package session

import (
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// maxRepoSearchDepth bounds how far CurrentBranch walks up from dir
// looking for a .git — PTY sessions commonly start in a subdirectory of
// a repository, not its root.
const maxRepoSearchDepth = 8

// CurrentBranch is C11 (Repo Context): a read-only, best-effort reduction
// of the teacher's GitManager.Status to exactly the two fields spec.md's
// SESSION_LIST decoration needs. No repository found, or a HEAD that
// cannot be resolved (such as an unborn branch), yields ok=false rather
// than an error. A detached HEAD is reported as branch "HEAD". If the
// worktree status cannot be read, the branch is still returned with
// ok=true and dirty=false. This is decoration, never a hard dependency of
// session lifecycle (SPEC_FULL.md §4.11).
func CurrentBranch(dir string) (branch string, dirty bool, ok bool) {
	if dir == "" {
		return "", false, false
	}

	repo, err := openRepositoryUpward(dir)
	if err != nil {
		return "", false, false
	}

	head, err := repo.Head()
	if err != nil {
		return "", false, false
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return head.Name().Short(), false, true
	}
	status, err := worktree.Status()
	if err != nil {
		return head.Name().Short(), false, true
	}

	return head.Name().Short(), !status.IsClean(), true
}

func openRepositoryUpward(dir string) (*git.Repository, error) {
	current := filepath.Clean(dir)
	for i := 0; i < maxRepoSearchDepth; i++ {
		repo, err := git.PlainOpen(current)
		if err == nil {
			return repo, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return nil, git.ErrRepositoryNotExists
}
