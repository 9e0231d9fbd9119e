package testingx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// ELF describes a minimal ELF file to synthesize. The zero value is a 64-bit
// little-endian x86-64 shared object with an empty dynamic segment.
type ELF struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type

	Interp  string
	Soname  string
	Needed  []string
	RPath   string
	RunPath string

	// Static omits the PT_DYNAMIC segment altogether.
	Static bool
}

// WriteELF synthesizes the binary described by spec at path, creating the
// parent directories as needed. Relative paths are prefixed by testdata/ like
// the other helpers. It returns the path of the written file.
func WriteELF(t *testing.T, path string, spec ELF) string {
	t.Helper()
	if !filepath.IsAbs(path) {
		path = filepath.Join(`testdata`, path)
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		t.Fatalf(`creating directory for %q: %s`, path, err)
	}
	err = os.WriteFile(path, spec.Bytes(), 0755)
	if err != nil {
		t.Fatalf(`writing ELF file %q: %s`, path, err)
	}
	return path
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// Bytes returns the raw content of the synthesized binary. The file is laid
// out as a single PT_LOAD segment mapped at address 0, so virtual addresses
// and file offsets are the same.
func (e ELF) Bytes() []byte {
	if e.Class == elf.ELFCLASSNONE {
		e.Class = elf.ELFCLASS64
	}
	if e.Data == elf.ELFDATANONE {
		e.Data = elf.ELFDATA2LSB
	}
	if e.Machine == elf.EM_NONE {
		e.Machine = elf.EM_X86_64
		if e.Class == elf.ELFCLASS32 {
			e.Machine = elf.EM_386
		}
	}
	if e.Type == elf.ET_NONE {
		e.Type = elf.ET_DYN
	}

	var order binary.ByteOrder = binary.LittleEndian
	if e.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	is64 := e.Class == elf.ELFCLASS64
	ehsize, phentsize, shentsize, dynsize := 52, 32, 40, 8
	if is64 {
		ehsize, phentsize, shentsize, dynsize = 64, 56, 64, 16
	}

	// Dynamic string table and entries.
	strtab := []byte{0}
	str := func(s string) uint64 {
		off := len(strtab)
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return uint64(off)
	}
	var dyns []dynEntry
	for _, n := range e.Needed {
		dyns = append(dyns, dynEntry{elf.DT_NEEDED, str(n)})
	}
	if e.Soname != "" {
		dyns = append(dyns, dynEntry{elf.DT_SONAME, str(e.Soname)})
	}
	if e.RPath != "" {
		dyns = append(dyns, dynEntry{elf.DT_RPATH, str(e.RPath)})
	}
	if e.RunPath != "" {
		dyns = append(dyns, dynEntry{elf.DT_RUNPATH, str(e.RunPath)})
	}

	nprogs := 1
	if e.Interp != "" {
		nprogs++
	}
	if !e.Static {
		nprogs++
	}

	off := ehsize + nprogs*phentsize
	interpOff := off
	if e.Interp != "" {
		off += len(e.Interp) + 1
	}
	strOff := off
	if !e.Static {
		off += len(strtab)
	}
	off = align(off, 8)
	dynOff := off
	if !e.Static {
		dyns = append(dyns,
			dynEntry{elf.DT_STRTAB, uint64(strOff)},
			dynEntry{elf.DT_STRSZ, uint64(len(strtab))},
			dynEntry{elf.DT_NULL, 0},
		)
		off += len(dyns) * dynsize
	}
	shstrtab := []byte("\x00.shstrtab\x00")
	shstrOff := off
	off += len(shstrtab)
	off = align(off, 8)
	shOff := off
	size := off + 2*shentsize

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(e.Class)
	ident[elf.EI_DATA] = byte(e.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	type prog struct {
		typ    elf.ProgType
		flags  elf.ProgFlag
		off    int
		filesz int
	}
	progs := []prog{{elf.PT_LOAD, elf.PF_R | elf.PF_X, 0, size}}
	if e.Interp != "" {
		progs = append(progs, prog{elf.PT_INTERP, elf.PF_R, interpOff, len(e.Interp) + 1})
	}
	if !e.Static {
		progs = append(progs, prog{elf.PT_DYNAMIC, elf.PF_R | elf.PF_W, dynOff, len(dyns) * dynsize})
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	w := func(v interface{}) {
		// Writing to a bytes.Buffer never fails.
		_ = binary.Write(buf, order, v)
	}
	pad := func(to int) {
		for buf.Len() < to {
			buf.WriteByte(0)
		}
	}

	if is64 {
		w(elf.Header64{
			Ident:     ident,
			Type:      uint16(e.Type),
			Machine:   uint16(e.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Phoff:     uint64(ehsize),
			Shoff:     uint64(shOff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phentsize),
			Phnum:     uint16(len(progs)),
			Shentsize: uint16(shentsize),
			Shnum:     2,
			Shstrndx:  1,
		})
		for _, p := range progs {
			w(elf.Prog64{
				Type:   uint32(p.typ),
				Flags:  uint32(p.flags),
				Off:    uint64(p.off),
				Vaddr:  uint64(p.off),
				Paddr:  uint64(p.off),
				Filesz: uint64(p.filesz),
				Memsz:  uint64(p.filesz),
				Align:  8,
			})
		}
	} else {
		w(elf.Header32{
			Ident:     ident,
			Type:      uint16(e.Type),
			Machine:   uint16(e.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Phoff:     uint32(ehsize),
			Shoff:     uint32(shOff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phentsize),
			Phnum:     uint16(len(progs)),
			Shentsize: uint16(shentsize),
			Shnum:     2,
			Shstrndx:  1,
		})
		for _, p := range progs {
			w(elf.Prog32{
				Type:   uint32(p.typ),
				Flags:  uint32(p.flags),
				Off:    uint32(p.off),
				Vaddr:  uint32(p.off),
				Paddr:  uint32(p.off),
				Filesz: uint32(p.filesz),
				Memsz:  uint32(p.filesz),
				Align:  4,
			})
		}
	}

	if e.Interp != "" {
		buf.WriteString(e.Interp)
		buf.WriteByte(0)
	}
	if !e.Static {
		buf.Write(strtab)
		pad(dynOff)
		for _, d := range dyns {
			if is64 {
				w(elf.Dyn64{Tag: int64(d.tag), Val: d.val})
			} else {
				w(elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
			}
		}
	}
	pad(shstrOff)
	buf.Write(shstrtab)
	pad(shOff)

	// Section 0 is the mandatory null section, section 1 the section name
	// string table.
	if is64 {
		w(elf.Section64{})
		w(elf.Section64{
			Name:      1,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint64(shstrOff),
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		})
	} else {
		w(elf.Section32{})
		w(elf.Section32{
			Name:      1,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint32(shstrOff),
			Size:      uint32(len(shstrtab)),
			Addralign: 1,
		})
	}

	return buf.Bytes()
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
