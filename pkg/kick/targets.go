package kick

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"

	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// ResolveTargets expands the target patterns under the root, and returns
// the canonical host paths of the matching regular files, following the
// symbolic links as if the root was the root directory. Patterns are
// relative to the root when there is one, and to the current directory
// otherwise. Missing targets fail with ErrNoInput unless ignoreMissing is
// set, in which case they are logged and skipped.
func ResolveTargets(root ldso.Root, patterns []string, ignoreMissing bool, log log15.Logger) ([]string, error) {
	var targets []string
	seen := make(map[string]bool)
	for _, target := range patterns {
		pattern, err := hostPattern(root, target)
		if err != nil {
			return nil, err
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, wrap(err, "expanding target %q", target)
		}
		if len(matches) == 0 {
			matches = []string{pattern}
		}

		for _, match := range matches {
			path, err := resolveTarget(root, match)
			if err != nil {
				if ignoreMissing {
					log.Warn("target does not exist, skipping", "target", match, "err", err)
					continue
				}
				return nil, fmt.Errorf("target %q: %w (%s)", match, ErrNoInput, err)
			}

			if seen[path] {
				continue
			}
			seen[path] = true
			targets = append(targets, path)
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("resolving targets: %w", ErrNoInput)
	}
	return targets, nil
}

func hostPattern(root ldso.Root, target string) (string, error) {
	if len(root) != 0 {
		return root.Host(target), nil
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", wrap(err, "resolving target %q", target)
	}
	return abs, nil
}

// resolveTarget resolves the host path within the root, and ensures it's a
// regular file.
func resolveTarget(root ldso.Root, host string) (string, error) {
	guest, ok := root.Guest(host)
	if !ok {
		return "", errors.New("outside of the sysroot")
	}

	path, err := root.Resolve(guest)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", errors.New("not a regular file")
	}
	return path, nil
}
