package ldso

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"
)

// ParseLibraryPath parses a list of directories in PATH-like format, like the
// dynamic linker does for LD_LIBRARY_PATH. Both colons and semicolons
// separate entries, an empty entry is considered as `.`, and duplicates are
// removed.
//
// NOTE The expansion of the $ORIGIN, $PLATFORM and $LIB variables isn't
// performed here, as it can only be done in the context of a file. This is
// done by the resolver.
func ParseLibraryPath(path string) []string {
	if len(path) == 0 {
		return nil
	}

	// The POSIX standard doesn't define an escape char for PATH-like
	// environment vars, and the glibc implements it with
	// `subp = __strchrnul (p, ':');`. v0v.
	dirs := strings.Split(strings.ReplaceAll(path, ";", ":"), ":")

	res := make([]string, 0, len(dirs))
	met := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		if len(d) == 0 {
			d = `.`
		}
		if _, ok := met[d]; ok {
			continue
		}
		met[d] = struct{}{}
		res = append(res, d)
	}
	return res
}

// DefaultDirs returns the compiled-in directories searched last by the
// dynamic linker for binaries of the given class and machine: the multiarch
// directories first, then the class-specific directories, then /lib and
// /usr/lib.
func DefaultDirs(class elf.Class, machine elf.Machine, data elf.Data) []string {
	var dirs []string
	if triplet := Triplet(class, machine, data); len(triplet) != 0 {
		dirs = append(dirs, "/lib/"+triplet, "/usr/lib/"+triplet)
	}

	switch class {
	case elf.ELFCLASS64:
		dirs = append(dirs, "/lib64", "/usr/lib64")
	case elf.ELFCLASS32:
		dirs = append(dirs, "/lib32", "/usr/lib32")
	}

	return append(dirs, "/lib", "/usr/lib")
}

// LibDir returns the value of $LIB for binaries of the given format under
// the root: lib/<triplet> when the root has that multiarch directory, as
// Debian-like loaders do, otherwise lib64 for 64-bit binaries and lib.
func LibDir(root Root, class elf.Class, machine elf.Machine, data elf.Data) string {
	if triplet := Triplet(class, machine, data); len(triplet) != 0 {
		info, err := os.Stat(root.Host("/lib/" + triplet))
		if err == nil && info.IsDir() {
			return "lib/" + triplet
		}
	}
	if class == elf.ELFCLASS64 {
		return "lib64"
	}
	return "lib"
}

// Triplet returns the multiarch tuple used by Debian-like distributions for
// the given binary format, or an empty string if unknown.
func Triplet(class elf.Class, machine elf.Machine, data elf.Data) string {
	is64 := class == elf.ELFCLASS64
	le := data != elf.ELFDATA2MSB

	switch machine {
	case elf.EM_X86_64:
		if is64 {
			return "x86_64-linux-gnu"
		}
		return "x86_64-linux-gnux32"
	case elf.EM_386:
		return "i386-linux-gnu"
	case elf.EM_AARCH64:
		if le {
			return "aarch64-linux-gnu"
		}
		return "aarch64_be-linux-gnu"
	case elf.EM_ARM:
		return "arm-linux-gnueabihf"
	case elf.EM_PPC64:
		if le {
			return "powerpc64le-linux-gnu"
		}
		return "powerpc64-linux-gnu"
	case elf.EM_PPC:
		return "powerpc-linux-gnu"
	case elf.EM_S390:
		return "s390x-linux-gnu"
	case elf.EM_RISCV:
		if is64 {
			return "riscv64-linux-gnu"
		}
		return ""
	case elf.EM_MIPS:
		switch {
		case is64 && le:
			return "mips64el-linux-gnuabi64"
		case is64:
			return "mips64-linux-gnuabi64"
		case le:
			return "mipsel-linux-gnu"
		default:
			return "mips-linux-gnu"
		}
	default:
		return ""
	}
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
