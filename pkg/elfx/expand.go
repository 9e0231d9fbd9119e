package elfx

import (
	"bytes"
	"debug/elf"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/wreckinglabs/dragonkick/pkg/auxv"
)

// Expand a rpath specification for tokens like $ORIGIN, $LIB, $PLATFORM,
// using the directory of the binary as origin. Versions with curly braces
// (${ORIGIN}) are also handled.
//
// NOTE This intentionally doesn't use a more elaborate function like os.Expand
// or github.com/mvdan/sh because both of those have much more features than
// necessary, and variable expansion is a very sensible subject.
func (b *Binary) Expand(path string) string {
	return b.ExpandFrom(path, filepath.Dir(b.Path))
}

// ExpandFrom is like Expand, but substitutes $ORIGIN with the given
// directory. This is used when the binary lives under a sysroot, where the
// origin seen by the loader isn't the path on the host.
func (b *Binary) ExpandFrom(path, origin string) string {
	return b.ExpandWith(path, origin, b.Lib())
}

// ExpandWith is like ExpandFrom, but also substitutes $LIB with the given
// value.
func (b *Binary) ExpandWith(path, origin, lib string) string {
	return expand(path, func(name string) (value string, ok bool) {
		switch name {
		case "ORIGIN":
			return origin, true

		case "LIB":
			return lib, true

		case "PLATFORM":
			return b.Platform(), true

		default:
			return "", false
		}
	})
}

// Lib returns the value the loader would use for $LIB on a distribution
// without multiarch directories.
//
// BUG Debian-like loaders are built with $LIB set to lib/<triplet>, which
// depends on the system rather than the binary. Use ExpandWith with the value
// of the target system when it is known.
func (b *Binary) Lib() string {
	if b.Class == elf.ELFCLASS64 {
		return "lib64"
	}
	return "lib"
}

// Platform returns the value the loader would use for $PLATFORM. The
// platform string is given by the kernel to the program in the auxilliary
// vector (see getauxval(3)), so it is only exact when the binary targets the
// host machine; otherwise this is a best guess based on the machine.
func (b *Binary) Platform() string {
	if b.Machine == hostMachine() {
		if p, ok := hostPlatform(); ok {
			return p
		}
	}

	switch b.Machine {
	case elf.EM_X86_64:
		if b.Class == elf.ELFCLASS64 {
			return "x86_64"
		}
		return "i686"
	case elf.EM_386:
		return "i686"
	case elf.EM_AARCH64:
		return "aarch64"
	case elf.EM_ARM:
		return "v7l"
	case elf.EM_PPC64:
		return "power8"
	case elf.EM_S390:
		return "z900"
	default:
		return "unhandled_arch"
	}
}

var platform struct {
	once  sync.Once
	value string
	ok    bool
}

// hostPlatform returns the AT_PLATFORM of the running process, read once.
func hostPlatform() (string, bool) {
	platform.once.Do(func() {
		if runtime.GOOS != "linux" {
			return
		}
		p, err := auxv.Platform()
		platform.value, platform.ok = p, err == nil && len(p) != 0
	})
	return platform.value, platform.ok
}

// hostMachine returns the ELF machine of the running process.
func hostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "386":
		return elf.EM_386
	case "arm64":
		return elf.EM_AARCH64
	case "arm":
		return elf.EM_ARM
	case "ppc64", "ppc64le":
		return elf.EM_PPC64
	case "riscv64":
		return elf.EM_RISCV
	case "s390x":
		return elf.EM_S390
	default:
		return elf.EM_NONE
	}
}

// expand a string by using a translation function for tokens like $NAME or
// ${NAME}. The functor takes the name of the token and returns the replacement
// string and a boolean indicating if the token should be replaced or not.
func expand(s string, f func(string) (string, bool)) string {
	var buf bytes.Buffer

	// Read byte by byte. As $, { and } are all ASCII, this is enough.
	for i := 0; i < len(s); i++ {
		// Put all non-token chars into the buffer.
		if s[i] != '$' {
			buf.WriteByte(s[i])
			continue
		}

		// If the $ was the last char, put it into the buffer and
		// exits.
		j := i + 1
		if j >= len(s) {
			buf.WriteByte(s[i])
			break
		}

		// Ignore an eventual opening brace.
		braced := s[j] == '{'
		if braced {
			j += 1
		}

		// Continue while we find allowed characters (alphanum and
		// underscores).
		for ; j < len(s) && isAlphaNum(s[j]); j++ {
		}

		// Extract the name of the token, ignoring opening brace.
		name := s[i+1 : j]
		if braced {
			name = name[1:]
		}

		// Translate the token and either add the translation or the
		// token into the buffer.
		value, ok := f(name)
		if ok {
			buf.WriteString(value)
		} else {
			buf.WriteString(s[i:j])
		}

		// If we didn't start with a brace, the current char must be
		// added to the buffer. Unknown braced tokens are kept whole.
		if j < len(s) && (!braced || s[j] != '}' || !ok) {
			buf.WriteByte(s[j])
		}

		// Update the pointer and continue.
		i = j
		continue
	}

	return buf.String()
}

// isAlphaNum reports whether the byte is an ASCII letter, number, or underscore
func isAlphaNum(c uint8) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}
