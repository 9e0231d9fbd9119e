package ldso

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ReadConf returns the directories listed in the ld.so.conf file at the given
// guest path, in file order and without duplicates. `include` directives are
// expanded recursively; their patterns are relative to the directory of the
// including file. A file included more than once is only read the first
// time.
func ReadConf(root Root, guest string) ([]string, error) {
	r := confReader{
		root: root,
		seen: make(map[string]struct{}),
		met:  make(map[string]struct{}),
	}
	err := r.read(guest)
	if err != nil {
		return nil, err
	}
	return r.dirs, nil
}

type confReader struct {
	root Root
	seen map[string]struct{}
	met  map[string]struct{}
	dirs []string
}

func (r *confReader) read(guest string) error {
	guest = path.Clean("/" + guest)
	if _, ok := r.seen[guest]; ok {
		return nil
	}
	r.seen[guest] = struct{}{}

	file, err := os.Open(r.root.Host(guest))
	if err != nil {
		return wrap(err, "opening %q", guest)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "include":
			for _, pattern := range fields[1:] {
				err := r.include(path.Dir(guest), pattern)
				if err != nil {
					return wrap(err, "reading %q", guest)
				}
			}
			continue
		case "hwcap":
			// Ignored by ldconfig since glibc 2.37.
			continue
		}

		for _, dir := range strings.FieldsFunc(line, isConfSeparator) {
			dir = path.Clean(dir)
			if _, ok := r.met[dir]; ok {
				continue
			}
			r.met[dir] = struct{}{}
			r.dirs = append(r.dirs, dir)
		}
	}
	return scanner.Err()
}

// include reads every file matching the pattern, in lexical order. Patterns
// matching nothing aren't errors.
func (r *confReader) include(dir, pattern string) error {
	if !path.IsAbs(pattern) {
		pattern = path.Join(dir, pattern)
	}

	matches, err := filepath.Glob(r.root.Host(pattern))
	if err != nil {
		return wrap(err, "expanding %q", pattern)
	}

	for _, m := range matches {
		guest, ok := r.root.Guest(m)
		if !ok {
			continue
		}
		err := r.read(guest)
		if err != nil {
			return err
		}
	}
	return nil
}

// isConfSeparator reports whether the rune separates directories on a line
// of ld.so.conf.
func isConfSeparator(c rune) bool {
	switch c {
	case ' ', '\t', ',', ':':
		return true
	default:
		return false
	}
}
