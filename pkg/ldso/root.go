package ldso

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxLinks is the number of symbolic links followed while resolving a single
// path, the same limit as the one used by the kernel for path lookups.
const maxLinks = 100

// ErrSymlinkLoop is returned when resolving a path requires following more
// than maxLinks symbolic links.
var ErrSymlinkLoop = errors.New(`too many levels of symbolic links`)

// Root is a directory of the host treated as the root directory for every
// lookup. Paths seen by the dynamic linker (guest paths) are converted to
// paths of the host by prefixing them with the root. The empty Root is the
// host root directory.
type Root string

// NewRoot returns the canonical Root for the given directory.
func NewRoot(dir string) (Root, error) {
	if len(dir) == 0 || dir == "/" {
		return Root(""), nil
	}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", wrap(err, "resolving sysroot %q", dir)
	}

	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return "", wrap(err, "resolving sysroot %q", dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", wrap(err, "reading sysroot %q", dir)
	}
	if !info.IsDir() {
		return "", wrap(errors.New(`not a directory`), "reading sysroot %q", dir)
	}

	if dir == "/" {
		return Root(""), nil
	}
	return Root(dir), nil
}

// Host returns the host path of the given guest path. Relative paths are
// considered relative to the root.
func (r Root) Host(guest string) string {
	guest = path.Clean("/" + guest)
	if len(r) == 0 {
		return filepath.FromSlash(guest)
	}
	return filepath.Join(string(r), filepath.FromSlash(guest))
}

// Guest returns the guest path of the given host path, and false if the path
// is outside of the root.
func (r Root) Guest(host string) (string, bool) {
	if len(r) == 0 {
		if !filepath.IsAbs(host) {
			return "", false
		}
		return filepath.ToSlash(filepath.Clean(host)), true
	}

	rel, err := filepath.Rel(string(r), host)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path.Clean("/" + filepath.ToSlash(rel)), true
}

// Resolve returns the canonical host path of the given guest path, following
// symbolic links as if the root was the root directory: absolute link
// targets are re-rooted, and ".." never escapes the root.
func (r Root) Resolve(guest string) (string, error) {
	resolved := "/"
	pending := strings.Split(guest, "/")
	links := 0

	for len(pending) != 0 {
		name := pending[0]
		pending = pending[1:]

		switch name {
		case "", ".":
			continue
		case "..":
			resolved = path.Dir(resolved)
			continue
		}

		next := path.Join(resolved, name)
		info, err := os.Lstat(r.Host(next))
		if err != nil {
			return "", err
		}

		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		links++
		if links > maxLinks {
			return "", &os.PathError{Op: "resolve", Path: guest, Err: ErrSymlinkLoop}
		}

		target, err := os.Readlink(r.Host(next))
		if err != nil {
			return "", err
		}
		target = filepath.ToSlash(target)
		if path.IsAbs(target) {
			resolved = "/"
		}
		pending = append(strings.Split(target, "/"), pending...)
	}

	return r.Host(resolved), nil
}
