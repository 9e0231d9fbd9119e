package ghidra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kballard/go-shellquote"

	"github.com/wreckinglabs/dragonkick/pkg/project"
	"github.com/wreckinglabs/dragonkick/pkg/testingx"
)

// newInstall creates a fake installation directory.
func newInstall(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testingx.WriteFile(t, filepath.Join(dir, "Ghidra", "application.properties"), []byte(strings.Join([]string{
		"application.name=Ghidra",
		"application.version=11.0.3",
		"application.release.name=PUBLIC",
	}, "\n")))
	return dir
}

// logCommand returns a command appending its rendered arguments to the
// file at path, failing when one of them contains "bad".
func logCommand(path string, args string) string {
	script := `printf '%s\n' "$*" >> "$0"; case "$*" in *bad*) echo "import failed" >&2; exit 1;; esac`
	return fmt.Sprintf(`sh -c %s %s %s`, shellquote.Join(script), shellquote.Join(path), args)
}

func TestHeadless_Import(t *testing.T) {
	install := newInstall(t)
	calls := filepath.Join(t.TempDir(), "calls")

	h, err := NewHeadless(install, Commands{
		Import: logCommand(calls, `{{ quote .Project.Name .Path }}{{ if .Analyze }} analyze{{ end }}`),
	})
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}

	layout := project.New(filepath.Join(t.TempDir(), "out"), "demo")
	p, err := h.CreateOrOpen(context.Background(), layout)
	if err != nil {
		t.Fatalf(`CreateOrOpen: unexpected error: %s`, err)
	}
	want := Project{Location: layout.ProjectDir(), Name: "demo", File: layout.ProjectFile()}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf(`CreateOrOpen: unexpected project (-want +got):\n%s`, diff)
	}

	testingx.WriteFile(t, layout.ProjectFile(), nil)
	reopened, err := h.CreateOrOpen(context.Background(), layout)
	if err != nil {
		t.Fatalf(`CreateOrOpen: unexpected error: %s`, err)
	}
	if !reopened.Existed {
		t.Errorf(`CreateOrOpen: wanted the existing project to be reported`)
	}
	os.Remove(layout.ProjectFile())

	res := h.Import(context.Background(), p, []string{"/lib/liba.so", "/lib/libbad.so", "/lib/my lib.so"}, true)
	if diff := cmp.Diff([]string{"liba.so", "my lib.so"}, res.Programs); diff != "" {
		t.Errorf(`Import: unexpected programs (-want +got):\n%s`, diff)
	}
	if len(res.Failures) != 1 || res.Failures[0].Path != "/lib/libbad.so" {
		t.Fatalf(`Import: wanted a single failure for libbad.so, got %v`, res.Failures)
	}
	if !strings.Contains(res.Err().Error(), "import failed") {
		t.Errorf(`Import: wanted the command output in the error, got %q`, res.Err())
	}

	got := strings.Split(strings.TrimSpace(string(testingx.ReadFile(t, calls))), "\n")
	wantCalls := []string{
		"demo /lib/liba.so analyze",
		"demo /lib/libbad.so analyze",
		"demo /lib/my lib.so analyze",
	}
	if diff := cmp.Diff(wantCalls, got); diff != "" {
		t.Errorf(`Import: unexpected commands (-want +got):\n%s`, diff)
	}
}

func TestHeadless_Analyze(t *testing.T) {
	h, err := NewHeadless(newInstall(t), Commands{
		Analyze: `sh -c {{ quote "test \"$0\" != bad" }} {{ quote .Program }}`,
	})
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}

	res := h.Analyze(context.Background(), Project{Name: "demo"}, []string{"app", "bad", "lib"})
	if diff := cmp.Diff([]string{"app", "lib"}, res.Analyzed); diff != "" {
		t.Errorf(`Analyze: unexpected programs (-want +got):\n%s`, diff)
	}
	if len(res.Failures) != 1 || res.Failures[0].Path != "bad" {
		t.Errorf(`Analyze: wanted a single failure for bad, got %v`, res.Failures)
	}
	if res.Err() == nil {
		t.Errorf(`Analyze: expected error, got nil`)
	}
}

func TestHeadless_DecompileAll(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "functions.jsonl")
	testingx.WriteFile(t, fixture, []byte(strings.Join([]string{
		`{"name":"main","entry":"00101000","signature":"int main(void)","code":"int main(void) {}","thunk":false}`,
		`{"name":"puts","entry":"00100500","thunk":true}`,
		`{"name":"broken","entry":"00102000","thunk":false,"error":"timeout"}`,
	}, "\n")))

	h, err := NewHeadless(newInstall(t), Commands{
		Decompile: fmt.Sprintf(`sh -c %s %s {{ quote .Output }} {{ quote .ScriptDir }} {{ quote .Script }}`,
			shellquote.Join(`test -f "$2/$3" && cp "$0" "$1"`), shellquote.Join(fixture)),
	})
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}
	h.ScriptDir = filepath.Join(t.TempDir(), "scripts")

	got, err := h.DecompileAll(context.Background(), Project{Name: "demo"}, "app")
	if err != nil {
		t.Fatalf(`DecompileAll: unexpected error: %s`, err)
	}

	want := []Function{
		{Name: "main", Entry: "00101000", Signature: "int main(void)", Code: "int main(void) {}"},
		{Name: "puts", Entry: "00100500", Thunk: true},
		{Name: "broken", Entry: "00102000", Error: "timeout"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf(`DecompileAll: unexpected functions (-want +got):\n%s`, diff)
	}

	for i, decompiled := range []bool{true, false, false} {
		if got[i].Decompiled() != decompiled {
			t.Errorf(`Function.Decompiled(%s): wanted %v`, got[i].Name, decompiled)
		}
	}

	script := testingx.ReadFile(t, filepath.Join(h.ScriptDir, ScriptName))
	if !strings.Contains(string(script), "getScriptArgs()") {
		t.Errorf(`DecompileAll: unexpected script content`)
	}
}

func TestHeadless_Errors(t *testing.T) {
	_, err := NewHeadless(filepath.Join(t.TempDir(), "missing"), DefaultCommands)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf(`NewHeadless: wanted ErrUnavailable, got %v`, err)
	}

	_, err = NewHeadless(newInstall(t), Commands{Import: `{{ .Path `})
	if err == nil {
		t.Errorf(`NewHeadless: expected error for an invalid template, got nil`)
	}

	// The default commands point to a missing analyzer.
	h, err := NewHeadless(newInstall(t), DefaultCommands)
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}
	res := h.Import(context.Background(), Project{Location: t.TempDir(), Name: "demo"}, []string{"/bin/true"}, false)
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0].Err, ErrUnavailable) {
		t.Errorf(`Import: wanted ErrUnavailable, got %v`, res.Failures)
	}

	h, err = NewHeadless(newInstall(t), Commands{Decompile: `false`, Start: `sh -c 'exit 3'`})
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}
	h.ScriptDir = t.TempDir()
	_, err = h.DecompileAll(context.Background(), Project{Name: "demo"}, "app")
	if err == nil {
		t.Errorf(`DecompileAll: expected error, got nil`)
	}
	err = h.Start(context.Background(), Project{Name: "demo"})
	if err == nil {
		t.Errorf(`Start: expected error, got nil`)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h, _ = NewHeadless(newInstall(t), Commands{Analyze: `true`})
	res2 := h.Analyze(ctx, Project{Name: "demo"}, []string{"app"})
	if len(res2.Failures) != 1 {
		t.Errorf(`Analyze: wanted a failure on a canceled context, got %v`, res2)
	}
}

func TestHeadless_Version(t *testing.T) {
	h, err := NewHeadless(newInstall(t), DefaultCommands)
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}

	got, err := h.Version()
	if err != nil {
		t.Fatalf(`Version: unexpected error: %s`, err)
	}
	if got != "11.0.3" {
		t.Errorf(`Version: wanted %q, got %q`, "11.0.3", got)
	}

	dir := t.TempDir()
	h, _ = NewHeadless(dir, DefaultCommands)
	_, err = h.Version()
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf(`Version: wanted ErrUnavailable, got %v`, err)
	}

	err = os.MkdirAll(filepath.Join(dir, "Ghidra"), 0755)
	if err != nil {
		t.Fatalf(`os.MkdirAll: %s`, err)
	}
	testingx.WriteFile(t, filepath.Join(dir, "Ghidra", "application.properties"), []byte("application.name=Ghidra\n"))
	_, err = h.Version()
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf(`Version: wanted a missing version error, got %v`, err)
	}
}

func TestDefaultCommands(t *testing.T) {
	h, err := NewHeadless(newInstall(t), DefaultCommands)
	if err != nil {
		t.Fatalf(`NewHeadless: unexpected error: %s`, err)
	}

	p := Project{Location: "/work/my project/demo", Name: "demo", File: "/work/my project/demo/demo.gpr"}
	for n, c := range map[string]struct {
		render func() ([]string, error)
		want   []string
	}{
		"import": {
			render: func() ([]string, error) {
				return h.command(h.importCmd, commandData{Project: p, Path: "/lib/liba.so"})
			},
			want: []string{"support/analyzeHeadless", p.Location, "demo", "-import", "/lib/liba.so", "-overwrite", "-noanalysis"},
		},
		"analyze": {
			render: func() ([]string, error) {
				return h.command(h.analyzeCmd, commandData{Project: p, Program: "liba.so"})
			},
			want: []string{"support/analyzeHeadless", p.Location, "demo", "-process", "liba.so"},
		},
		"start": {
			render: func() ([]string, error) {
				return h.command(h.startCmd, commandData{Project: p})
			},
			want: []string{"ghidraRun", p.File},
		},
	} {
		t.Run(n, func(t *testing.T) {
			got, err := c.render()
			if err != nil {
				t.Fatalf(`command: unexpected error: %s`, err)
			}
			got[0] = strings.TrimPrefix(got[0], h.InstallDir+"/")
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf(`unexpected command (-want +got):\n%s`, diff)
			}
		})
	}
}
