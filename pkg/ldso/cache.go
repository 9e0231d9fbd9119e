package ldso

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path"
	"strings"
)

const (
	oldCacheMagic = "ld.so-1.7.0"
	newCacheMagic = "glibc-ld.so.cache1.1"

	oldHeaderSize = 16
	oldEntrySize  = 12
	newHeaderSize = 48
	newEntrySize  = 24

	// Mask of the ldconfig flags designating the architecture of the entry.
	flagRequiredMask = 0xff00
)

// Classes of the architecture flags set by ldconfig, see the FLAG_*
// constants of glibc's ldconfig.h.
var cacheFlagClasses = map[uint32]elf.Class{
	0x0100: elf.ELFCLASS64, // sparc64
	0x0200: elf.ELFCLASS64, // ia64
	0x0300: elf.ELFCLASS64, // x86-64
	0x0400: elf.ELFCLASS64, // s390x
	0x0500: elf.ELFCLASS64, // ppc64
	0x0600: elf.ELFCLASS32, // mips64 n32
	0x0700: elf.ELFCLASS64, // mips64 n64
	0x0800: elf.ELFCLASS32, // x32
	0x0900: elf.ELFCLASS32, // arm hard float
	0x0a00: elf.ELFCLASS64, // aarch64
	0x0b00: elf.ELFCLASS32, // arm soft float
	0x0c00: elf.ELFCLASS32, // mips nan2008
	0x0d00: elf.ELFCLASS32, // mips64 n32 nan2008
	0x0e00: elf.ELFCLASS64, // mips64 n64 nan2008
	0x0f00: elf.ELFCLASS64, // riscv soft float
	0x1000: elf.ELFCLASS64, // riscv double float
	0x1100: elf.ELFCLASS64, // loongarch soft float
	0x1200: elf.ELFCLASS64, // loongarch double float
}

// Entry is a library known to the cache.
type Entry struct {
	Soname string `json:"soname" yaml:"soname"`
	// Guest path of the library.
	Path string `json:"path" yaml:"path"`
	// Class of the library, ELFCLASSNONE if the cache doesn't tell.
	Class elf.Class `json:"class" yaml:"class"`
}

// Cache is the equivalent of the dynamic linker cache: an index of sonames
// to library paths, plus the directories listed in ld.so.conf. It is
// read-only once created and safe for concurrent use. A nil Cache is empty.
type Cache struct {
	entries []Entry
	index   map[string][]int
	dirs    []string
}

// NewCache returns a cache with the given entries, looked up in order, and
// configured directories.
func NewCache(entries []Entry, dirs []string) *Cache {
	c := &Cache{
		entries: entries,
		index:   make(map[string][]int, len(entries)),
		dirs:    dirs,
	}
	for i, e := range entries {
		c.index[e.Soname] = append(c.index[e.Soname], i)
	}
	return c
}

// LoadCache reads the cache file and the ld.so.conf file at the given guest
// paths in the root. Missing files are considered empty; an empty path skips
// the corresponding file.
func LoadCache(root Root, cachePath, confPath string) (*Cache, error) {
	var entries []Entry
	if len(cachePath) != 0 {
		raw, err := os.ReadFile(root.Host(cachePath))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, wrap(err, "reading cache")
		}
		if err == nil {
			entries, err = ParseCache(raw)
			if err != nil {
				return nil, wrap(err, "parsing cache %q", cachePath)
			}
		}
	}

	var dirs []string
	if len(confPath) != 0 {
		var err error
		dirs, err = ReadConf(root, confPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	return NewCache(entries, dirs), nil
}

// Lookup returns the guest paths of the entries for the given soname, in
// cache order. Entries of a known class different from the given one are
// ignored.
func (c *Cache) Lookup(soname string, class elf.Class) []string {
	if c == nil {
		return nil
	}

	var paths []string
	for _, i := range c.index[soname] {
		e := c.entries[i]
		if class != elf.ELFCLASSNONE && e.Class != elf.ELFCLASSNONE && e.Class != class {
			continue
		}
		paths = append(paths, e.Path)
	}
	return paths
}

// Dirs returns the directories configured in ld.so.conf, in file order.
func (c *Cache) Dirs() []string {
	if c == nil {
		return nil
	}
	return c.dirs
}

// Entries returns the entries of the cache, in cache order.
func (c *Cache) Entries() []Entry {
	if c == nil {
		return nil
	}
	return c.entries
}

// Len returns the number of entries in the cache.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// ParseCache parses a library cache, either in one of the binary formats of
// ld.so.cache, or as a text listing like the output of `ldconfig -p` or a list
// of absolute paths.
func ParseCache(raw []byte) ([]Entry, error) {
	switch {
	case bytes.HasPrefix(raw, []byte(oldCacheMagic)):
		return parseOldCache(raw)
	case bytes.HasPrefix(raw, []byte(newCacheMagic)):
		return parseNewCache(raw, 0)
	case bytes.IndexByte(raw, 0) >= 0:
		return nil, errors.New(`unknown binary cache format`)
	default:
		return parseTextCache(raw)
	}
}

// parseOldCache parses the format used by glibc before 2.32, eventually
// followed by a cache in the new format, which is preferred as it carries
// more information.
func parseOldCache(raw []byte) ([]Entry, error) {
	if len(raw) < oldHeaderSize {
		return nil, errors.New(`truncated header`)
	}

	order, n, ok := cacheOrder(raw[12:16], len(raw)-oldHeaderSize, oldEntrySize)
	if !ok {
		return nil, errors.New(`invalid number of entries`)
	}

	end := oldHeaderSize + n*oldEntrySize
	if off := align(end, 8); off < len(raw) && bytes.HasPrefix(raw[off:], []byte(newCacheMagic)) {
		return parseNewCache(raw, off)
	}

	// Offsets are relative to the string table, following the entries.
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e := raw[oldHeaderSize+i*oldEntrySize:]
		flags := order.Uint32(e[0:])
		key, err := cacheString(raw, end, order.Uint32(e[4:]))
		if err != nil {
			return nil, wrap(err, "reading entry %d", i)
		}
		value, err := cacheString(raw, end, order.Uint32(e[8:]))
		if err != nil {
			return nil, wrap(err, "reading entry %d", i)
		}
		entries = append(entries, Entry{Soname: key, Path: value, Class: flagClass(flags)})
	}
	return fixClasses(entries), nil
}

// parseNewCache parses the format used by glibc since 2.32, starting at the
// given offset. String offsets are relative to the beginning of the header.
func parseNewCache(raw []byte, start int) ([]Entry, error) {
	raw = raw[start:]
	if len(raw) < newHeaderSize {
		return nil, errors.New(`truncated header`)
	}

	var order binary.ByteOrder
	switch raw[28] {
	case 2:
		order = binary.LittleEndian
	case 3:
		order = binary.BigEndian
	}

	var (
		n  int
		ok bool
	)
	if order != nil {
		n = int(order.Uint32(raw[20:24]))
		ok = n <= (len(raw)-newHeaderSize)/newEntrySize
	} else {
		order, n, ok = cacheOrder(raw[20:24], len(raw)-newHeaderSize, newEntrySize)
	}
	if !ok {
		return nil, errors.New(`invalid number of entries`)
	}

	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e := raw[newHeaderSize+i*newEntrySize:]
		flags := order.Uint32(e[0:])
		key, err := cacheString(raw, 0, order.Uint32(e[4:]))
		if err != nil {
			return nil, wrap(err, "reading entry %d", i)
		}
		value, err := cacheString(raw, 0, order.Uint32(e[8:]))
		if err != nil {
			return nil, wrap(err, "reading entry %d", i)
		}
		entries = append(entries, Entry{Soname: key, Path: value, Class: flagClass(flags)})
	}
	return fixClasses(entries), nil
}

// cacheOrder guesses the byte order of a cache from its number of entries,
// which must fit in the remaining size.
func cacheOrder(count []byte, size, entrySize int) (binary.ByteOrder, int, bool) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		n := int(order.Uint32(count))
		if n >= 0 && n <= size/entrySize {
			return order, n, true
		}
	}
	return nil, 0, false
}

// cacheString returns the NUL-terminated string at base+off.
func cacheString(raw []byte, base int, off uint32) (string, error) {
	start := base + int(off)
	if start < 0 || start >= len(raw) {
		return "", errors.New(`string offset out of range`)
	}
	end := bytes.IndexByte(raw[start:], 0)
	if end < 0 {
		return "", errors.New(`unterminated string`)
	}
	return string(raw[start : start+end]), nil
}

// flagClass returns the class of a cache entry from its flags.
// ELFCLASSNONE is returned for entries without architecture flag, which are
// fixed by fixClasses.
func flagClass(flags uint32) elf.Class {
	return cacheFlagClasses[flags&flagRequiredMask]
}

// fixClasses sets the class of the entries without architecture flag. Those
// are the libraries of the primary 32-bit architecture when the cache also
// contains 64-bit libraries, and of unknown class otherwise.
func fixClasses(entries []Entry) []Entry {
	has64 := false
	for _, e := range entries {
		if e.Class == elf.ELFCLASS64 {
			has64 = true
			break
		}
	}
	if !has64 {
		return entries
	}

	for i := range entries {
		if entries[i].Class == elf.ELFCLASSNONE {
			entries[i].Class = elf.ELFCLASS32
		}
	}
	return entries
}

// parseTextCache parses either the output of `ldconfig -p`:
//
//	libc.so.6 (libc6,x86-64) => /lib/x86_64-linux-gnu/libc.so.6
//
// or a list of absolute paths, one per line, whose soname is the base name.
// Empty lines, comments and the summary line of ldconfig are ignored.
func parseTextCache(raw []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if len(text) == 0 || text[0] == '#' {
			continue
		}

		if strings.HasPrefix(text, "/") {
			p := path.Clean(text)
			entries = append(entries, Entry{Soname: path.Base(p), Path: p})
			continue
		}

		i := strings.LastIndex(text, " => ")
		if i < 0 {
			// Likely the "N libs found in cache" summary line.
			if strings.Contains(text, " found in cache") {
				continue
			}
			return nil, wrap(errors.New(`missing " => " separator`), "parsing line %d", line)
		}

		left, p := strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+4:])
		if !strings.HasPrefix(p, "/") {
			return nil, wrap(errors.New(`library path isn't absolute`), "parsing line %d", line)
		}

		soname, flags := left, ""
		if j := strings.IndexByte(left, '('); j >= 0 {
			soname = strings.TrimSpace(left[:j])
			flags = strings.TrimSuffix(left[j+1:], ")")
		}
		if len(soname) == 0 {
			return nil, wrap(errors.New(`empty soname`), "parsing line %d", line)
		}

		entries = append(entries, Entry{Soname: soname, Path: path.Clean(p), Class: textFlagClass(flags)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fixClasses(entries), nil
}

// textFlagClass returns the class of an entry from the flags printed by
// `ldconfig -p`, like "libc6,x86-64" or "libc6,AArch64, OS ABI: Linux 3.7.0".
func textFlagClass(flags string) elf.Class {
	for _, f := range strings.Split(flags, ",") {
		f = strings.TrimSpace(f)
		switch {
		case strings.HasPrefix(f, "hwcap:"), strings.HasPrefix(f, "OS ABI:"):
			continue
		case f == "x32", f == "hard-float", f == "soft-float", f == "N32", strings.HasPrefix(f, "N32 "):
			return elf.ELFCLASS32
		case strings.Contains(f, "64"):
			return elf.ELFCLASS64
		}
	}
	return elf.ELFCLASSNONE
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
