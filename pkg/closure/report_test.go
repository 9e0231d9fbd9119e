package closure

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wreckinglabs/dragonkick"
	"github.com/wreckinglabs/dragonkick/pkg/testingx"
)

func TestClosure_Report(t *testing.T) {
	f := newFixture(t, map[string]testingx.ELF{
		"/bin/app":         {Needed: []string{"liba.so", "libmissing.so"}},
		"/usr/lib/liba.so": {Needed: []string{"libmissing.so"}},
	})
	testingx.WriteFile(t, f.root.Host("/usr/lib/libbroken.so"), []byte("garbage"))

	c, err := f.builder().BuildFiles(context.Background(), f.hosts("/bin/app"))
	if err != nil {
		t.Fatalf(`Builder.BuildFiles: unexpected error: %s`, err)
	}
	c.Skipped = append(c.Skipped, Skipped{Path: f.root.Host("/usr/lib/libbroken.so"), Err: errors.New("invalid")})

	got := c.Report(f.root)

	size := testingx.ELF{Needed: []string{"libmissing.so"}}.Bytes()
	want := dragonkick.Report{
		Sysroot: string(f.root),
		Targets: []string{"/bin/app"},
		Libraries: []dragonkick.Library{{
			Path:      "/usr/lib/liba.so",
			Soname:    "liba.so",
			Requester: "/bin/app",
			Source:    "default",
			Size:      int64(len(size)),
		}},
		Unresolved: []dragonkick.Unresolved{{
			Soname:     "libmissing.so",
			Requesters: []string{"/bin/app", "/usr/lib/liba.so"},
		}},
		Skipped:  []dragonkick.Skipped{{Path: "/usr/lib/libbroken.so", Error: "invalid"}},
		Resolved: 1,
		Parsed:   1,
		Levels:   2,
		Metadata: map[string]string{},
	}

	opts := cmpopts.IgnoreFields(dragonkick.Report{}, "UID", "Date", "Hostname", "Duration", "Size")
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf(`Closure.Report: unexpected result (-want +got):\n%s`, diff)
	}

	app := testingx.ELF{Needed: []string{"liba.so", "libmissing.so"}}.Bytes()
	if wantSize := int64(len(app) + len(size)); got.Size != wantSize {
		t.Errorf(`Closure.Report: wanted size %d, got %d`, wantSize, got.Size)
	}
	if len(got.UID) == 0 {
		t.Errorf(`Closure.Report: wanted an UID`)
	}
}

func TestHumanSize(t *testing.T) {
	for input, want := range map[int64]string{
		512:     "512 B",
		2048:    "2.0 KB",
		3 << 20: "3.0 MB",
	} {
		if got := HumanSize(input); got != want {
			t.Errorf(`HumanSize(%d): wanted %q, got %q`, input, want, got)
		}
	}
}
