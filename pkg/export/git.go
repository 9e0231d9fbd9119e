package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/inconshreveable/log15"
)

// DefaultMessage is the message of the export commits.
const DefaultMessage = "Decompiled source refresh"

// GitSink exports files into a git repository, committing the changes.
type GitSink struct {
	Name  string
	Email string
	// Message defaults to DefaultMessage.
	Message string
	// SignKey signs the commits when set.
	SignKey *openpgp.Entity
	Log     log15.Logger
}

// compile-time check that the GitSink actually implements the Sink
// interface.
var _ Sink = new(GitSink)

// Export implements Sink. The repository is created if needed. The
// symbolic links at the top of the tree are removed before writing, files
// are only written when their content changed, and a commit is created
// only when the worktree isn't clean.
func (s *GitSink) Export(ctx context.Context, root string, files []File) (Result, error) {
	var res Result
	log := s.logger().New("root", root)

	err := os.MkdirAll(root, 0755)
	if err != nil {
		return res, wrap(err, "creating %q", root)
	}

	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		log.Debug("initializing repository")
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return res, wrap(err, "opening repository %q", root)
	}

	res.Removed, err = removeLinks(root)
	if err != nil {
		return res, err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		path, err := safeJoin(root, f.Path)
		if err != nil {
			return res, err
		}

		err = os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return res, wrap(err, "creating directory for %q", f.Path)
		}

		if len(f.Link) != 0 {
			_ = os.Remove(path)
			err = os.Symlink(f.Link, path)
			if err != nil {
				return res, wrap(err, "linking %q", f.Path)
			}
			res.Links++
			continue
		}

		current, err := os.ReadFile(path)
		if err == nil && bytes.Equal(current, f.Content) {
			res.Unchanged++
			continue
		}

		err = os.WriteFile(path, f.Content, 0644)
		if err != nil {
			return res, wrap(err, "writing %q", f.Path)
		}
		res.Written++
	}

	wt, err := repo.Worktree()
	if err != nil {
		return res, wrap(err, "opening worktree")
	}

	err = wt.AddWithOptions(&git.AddOptions{All: true})
	if err != nil {
		return res, wrap(err, "staging changes")
	}

	status, err := wt.Status()
	if err != nil {
		return res, wrap(err, "reading status")
	}
	if status.IsClean() {
		log.Debug("nothing to commit", "unchanged", res.Unchanged)
		return res, nil
	}

	msg := s.Message
	if len(msg) == 0 {
		msg = DefaultMessage
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.Name,
			Email: s.Email,
			When:  time.Now(),
		},
		SignKey: s.SignKey,
	})
	if err != nil {
		return res, wrap(err, "committing")
	}
	res.Commit = hash.String()

	log.Info("committed export", "commit", res.Commit, "written", res.Written, "links", res.Links)
	return res, nil
}

// removeLinks removes the symbolic links directly under dir.
func removeLinks(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, wrap(err, "listing %q", dir)
	}

	var removed int
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		err = os.Remove(filepath.Join(dir, e.Name()))
		if err != nil {
			return removed, wrap(err, "removing link %q", e.Name())
		}
		removed++
	}
	return removed, nil
}

// safeJoin joins the relative path to root, refusing to escape it.
func safeJoin(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".git" || strings.HasPrefix(clean, ".git"+string(filepath.Separator)) {
		return "", errors.New("invalid export path " + rel)
	}
	return filepath.Join(root, clean), nil
}

func (s *GitSink) logger() log15.Logger {
	if s.Log == nil {
		return discard
	}
	return s.Log
}

var discard = func() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}()
