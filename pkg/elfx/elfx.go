// Package elfx reads the metadata of ELF binaries the dynamic linker cares
// about: class, byte order, interpreter and the dynamic section entries
// naming dependencies and search paths.
package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// maxDynamicSize bounds the size of the dynamic segment and string table we
// are willing to load in memory. Real binaries are several orders of
// magnitude below.
const maxDynamicSize = 64 << 20

// Binary is the dependency-related metadata of an ELF file. It is immutable
// once read.
type Binary struct {
	// Absolute path of the file.
	Path string
	// Header fields.
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type
	// Path of the program interpreter (PT_INTERP), if any.
	Interpreter string
	// DT_SONAME, if any.
	Soname string
	// DT_NEEDED entries, in declaration order.
	Needed []string
	// DT_RPATH and DT_RUNPATH entries, split and in declaration order. They
	// aren't expanded, see Expand.
	RPath   []string
	RunPath []string
}

// Static reports whether the binary has no dependency to resolve.
func (b *Binary) Static() bool {
	return len(b.Needed) == 0
}

// Read parses the ELF file at path.
//
// A missing dynamic segment isn't an error: the binary is considered static
// and has no dependencies. Errors are either *NotFoundError, *FormatError or
// *UnsupportedClassError.
func Read(path string) (*Binary, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, &NotFoundError{Path: path, Err: err}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &NotFoundError{Path: path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, &NotFoundError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &NotFoundError{Path: path, Err: ErrNotRegular}
	}

	return read(path, file)
}

// ReadHeader only parses the file header of the ELF file at path. It is
// cheaper than Read and is enough to check whether a candidate library is
// compatible with a binary.
func ReadHeader(path string) (elf.FileHeader, error) {
	file, err := os.Open(path)
	if err != nil {
		return elf.FileHeader{}, &NotFoundError{Path: path, Err: err}
	}
	defer file.Close()

	f, err := open(path, file)
	if err != nil {
		return elf.FileHeader{}, err
	}
	return f.FileHeader, nil
}

// open checks the identification bytes before handing the file to the
// standard library, so invalid magic numbers and unknown classes can be told
// apart.
func open(path string, r io.ReaderAt) (*elf.File, error) {
	var ident [elf.EI_NIDENT]byte
	_, err := r.ReadAt(ident[:], 0)
	if err != nil {
		return nil, &FormatError{Path: path, Err: wrap(err, "reading identification")}
	}

	if string(ident[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return nil, &FormatError{Path: path, Err: errors.New(`bad magic number`)}
	}

	switch class := elf.Class(ident[elf.EI_CLASS]); class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return nil, &UnsupportedClassError{Path: path, Class: class}
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	return f, nil
}

func read(path string, r io.ReaderAt) (*Binary, error) {
	f, err := open(path, r)
	if err != nil {
		return nil, err
	}

	b := &Binary{
		Path:    path,
		Class:   f.Class,
		Data:    f.Data,
		Machine: f.Machine,
		Type:    f.Type,
	}

	var dynamic *elf.Prog
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			raw, err := io.ReadAll(io.LimitReader(prog.Open(), maxDynamicSize))
			if err != nil {
				return nil, &FormatError{Path: path, Err: wrap(err, "reading interpreter")}
			}
			b.Interpreter = string(bytes.TrimRight(raw, "\x00"))
		case elf.PT_DYNAMIC:
			if dynamic == nil {
				dynamic = prog
			}
		}
	}

	// Static binaries don't have any dynamic segment, which means nothing
	// to resolve.
	if dynamic == nil {
		return b, nil
	}

	entries, err := readDynamic(f, dynamic)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}

	err = entries.fill(f, b)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}

	return b, nil
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

type dynamic []dynEntry

// readDynamic decodes the entries of the PT_DYNAMIC segment up to the
// DT_NULL terminator.
func readDynamic(f *elf.File, prog *elf.Prog) (dynamic, error) {
	if prog.Filesz > maxDynamicSize {
		return nil, errors.New(`dynamic segment too large`)
	}

	raw := make([]byte, prog.Filesz)
	_, err := prog.ReadAt(raw, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, wrap(err, "reading dynamic segment")
	}

	var order binary.ByteOrder = f.ByteOrder
	size := 16
	if f.Class == elf.ELFCLASS32 {
		size = 8
	}

	var entries dynamic
	for off := 0; off+size <= len(raw); off += size {
		var e dynEntry
		if size == 16 {
			e.tag = elf.DynTag(int64(order.Uint64(raw[off:])))
			e.val = order.Uint64(raw[off+8:])
		} else {
			e.tag = elf.DynTag(int32(order.Uint32(raw[off:])))
			e.val = uint64(order.Uint32(raw[off+4:]))
		}
		if e.tag == elf.DT_NULL {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// value returns the first value for the given tag.
func (d dynamic) value(tag elf.DynTag) (uint64, bool) {
	for _, e := range d {
		if e.tag == tag {
			return e.val, true
		}
	}
	return 0, false
}

// strtab returns the dynamic string table, located by mapping the DT_STRTAB
// address through the loadable segments.
func (d dynamic) strtab(f *elf.File) ([]byte, error) {
	addr, ok := d.value(elf.DT_STRTAB)
	if !ok {
		return nil, errors.New(`missing DT_STRTAB entry`)
	}
	size, sized := d.value(elf.DT_STRSZ)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || addr >= prog.Vaddr+prog.Filesz {
			continue
		}

		off := addr - prog.Vaddr
		if !sized || off+size > prog.Filesz {
			size = prog.Filesz - off
		}
		if size > maxDynamicSize {
			return nil, errors.New(`string table too large`)
		}

		raw := make([]byte, size)
		_, err := prog.ReadAt(raw, int64(off))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, wrap(err, "reading string table")
		}
		return raw, nil
	}

	return nil, errors.New(`string table outside of loadable segments`)
}

// fill sets the string-valued fields of b from the dynamic entries.
func (d dynamic) fill(f *elf.File, b *Binary) error {
	var strtab []byte
	str := func(off uint64) (string, error) {
		if strtab == nil {
			var err error
			strtab, err = d.strtab(f)
			if err != nil {
				return "", err
			}
		}
		if off >= uint64(len(strtab)) {
			return "", errors.New(`string table index out of range`)
		}
		s := strtab[off:]
		if i := bytes.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		return string(s), nil
	}

	for _, e := range d {
		switch e.tag {
		case elf.DT_NEEDED, elf.DT_SONAME, elf.DT_RPATH, elf.DT_RUNPATH:
		default:
			continue
		}

		s, err := str(e.val)
		if err != nil {
			return wrap(err, "reading %s", e.tag)
		}

		switch e.tag {
		case elf.DT_NEEDED:
			b.Needed = append(b.Needed, s)
		case elf.DT_SONAME:
			b.Soname = s
		case elf.DT_RPATH:
			b.RPath = append(b.RPath, SplitPath(s)...)
		case elf.DT_RUNPATH:
			b.RunPath = append(b.RunPath, SplitPath(s)...)
		}
	}
	return nil
}

// SplitPath splits a search path as found in DT_RPATH and DT_RUNPATH. Both
// colons and semicolons separate entries; an empty entry designates the
// current directory, like the dynamic linker does.
func SplitPath(s string) []string {
	if len(s) == 0 {
		return nil
	}

	var dirs []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ':' && s[i] != ';' {
			continue
		}
		dir := s[start:i]
		if len(dir) == 0 {
			dir = `.`
		}
		dirs = append(dirs, dir)
		start = i + 1
	}
	return dirs
}
