package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/go-cmp/cmp"

	"github.com/wreckinglabs/dragonkick/pkg/ghidra"
	"github.com/wreckinglabs/dragonkick/pkg/testingx"
)

func TestFunctionFiles(t *testing.T) {
	for n, c := range map[string]struct {
		input []ghidra.Function
		want  []File
	}{
		"empty": {},
		"decompiled": {
			input: []ghidra.Function{
				{Name: "main", Entry: "00101000", Signature: "int main(void)", Code: "int main(void) {}"},
			},
			want: []File{
				{Path: "00101000.c", Content: []byte("int main(void) {}")},
				{Path: "00101000::main.c", Link: "00101000.c"},
			},
		},
		"thunks and failures": {
			input: []ghidra.Function{
				{Name: "puts", Entry: "00100500", Thunk: true},
				{Name: "broken", Entry: "00102000", Error: "timeout"},
				{Name: "helper", Entry: "00101100", Signature: "void helper(void)", Code: "void helper(void) {}"},
			},
			want: []File{
				{Path: "00101100.c", Content: []byte("void helper(void) {}")},
				{Path: "00101100::helper.c", Link: "00101100.c"},
			},
		},
	} {
		t.Run(n, func(t *testing.T) {
			got := FunctionFiles(c.input)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf(`FunctionFiles: unexpected result (-want +got):\n%s`, diff)
			}
		})
	}
}

func TestGitSink_Export(t *testing.T) {
	root := filepath.Join(t.TempDir(), "src", "app")
	sink := &GitSink{Name: "dragonkick", Email: "dragonkick@localhost"}

	files := FunctionFiles([]ghidra.Function{
		{Name: "main", Entry: "00101000", Signature: "int main(void)", Code: "int main(void) {}"},
		{Name: "helper", Entry: "00101100", Signature: "void helper(void)", Code: "void helper(void) {}"},
	})

	first, err := sink.Export(context.Background(), root, files)
	if err != nil {
		t.Fatalf(`GitSink.Export: unexpected error: %s`, err)
	}
	if first.Written != 2 || first.Links != 2 || len(first.Commit) == 0 {
		t.Errorf(`GitSink.Export: unexpected first result %+v`, first)
	}

	link, err := os.Readlink(filepath.Join(root, "00101000::main.c"))
	if err != nil || link != "00101000.c" {
		t.Errorf(`GitSink.Export: wanted a link to 00101000.c, got %q (%v)`, link, err)
	}

	// A stale link from a function that disappeared.
	testingx.Symlink(t, "00109999.c", filepath.Join(root, "00109999::gone.c"))

	second, err := sink.Export(context.Background(), root, files)
	if err != nil {
		t.Fatalf(`GitSink.Export: unexpected error: %s`, err)
	}
	want := Result{Unchanged: 2, Links: 2, Removed: 3}
	if diff := cmp.Diff(want, second); diff != "" {
		t.Errorf(`GitSink.Export: unexpected second result (-want +got):\n%s`, diff)
	}
	if _, err := os.Lstat(filepath.Join(root, "00109999::gone.c")); !os.IsNotExist(err) {
		t.Errorf(`GitSink.Export: expected the stale link to be removed, got %v`, err)
	}

	files[0].Content = []byte("int main(void) { return 0; }")
	third, err := sink.Export(context.Background(), root, files)
	if err != nil {
		t.Fatalf(`GitSink.Export: unexpected error: %s`, err)
	}
	if third.Written != 1 || third.Unchanged != 1 || len(third.Commit) == 0 {
		t.Errorf(`GitSink.Export: unexpected third result %+v`, third)
	}

	repo, err := git.PlainOpen(root)
	if err != nil {
		t.Fatalf(`git.PlainOpen: %s`, err)
	}
	commits, err := repo.Log(&git.LogOptions{})
	if err != nil {
		t.Fatalf(`Repository.Log: %s`, err)
	}
	var messages []string
	for {
		c, err := commits.Next()
		if err != nil {
			break
		}
		messages = append(messages, c.Message)
		if c.Author.Name != "dragonkick" {
			t.Errorf(`commit %s: unexpected author %q`, c.Hash, c.Author.Name)
		}
	}
	if diff := cmp.Diff([]string{DefaultMessage, DefaultMessage}, messages); diff != "" {
		t.Errorf(`unexpected history (-want +got):\n%s`, diff)
	}
}

func TestGitSink_Export_InvalidPath(t *testing.T) {
	sink := &GitSink{Name: "dragonkick", Email: "dragonkick@localhost"}
	for _, path := range []string{"../escape.c", "/abs.c", ".git/config", "."} {
		_, err := sink.Export(context.Background(), t.TempDir(), []File{{Path: path, Content: []byte("x")}})
		if err == nil {
			t.Errorf(`GitSink.Export(%q): expected error, got nil`, path)
		}
	}
}

func TestGitSink_Export_Signed(t *testing.T) {
	entity, err := openpgp.NewEntity("dragonkick", "", "dragonkick@localhost", nil)
	if err != nil {
		t.Fatalf(`openpgp.NewEntity: %s`, err)
	}

	private := armored(t, openpgp.PrivateKeyType, func(buf *bytes.Buffer) error {
		w, err := armor.Encode(buf, openpgp.PrivateKeyType, nil)
		if err != nil {
			return err
		}
		err = entity.SerializePrivate(w, nil)
		if err != nil {
			return err
		}
		return w.Close()
	})
	public := armored(t, openpgp.PublicKeyType, func(buf *bytes.Buffer) error {
		w, err := armor.Encode(buf, openpgp.PublicKeyType, nil)
		if err != nil {
			return err
		}
		err = entity.Serialize(w)
		if err != nil {
			return err
		}
		return w.Close()
	})

	keyPath := filepath.Join(t.TempDir(), "key.asc")
	testingx.WriteFile(t, keyPath, private)

	key, err := ReadSignKey(keyPath, nil)
	if err != nil {
		t.Fatalf(`ReadSignKey: unexpected error: %s`, err)
	}

	root := t.TempDir()
	sink := &GitSink{Name: "dragonkick", Email: "dragonkick@localhost", Message: "signed export", SignKey: key}
	res, err := sink.Export(context.Background(), root, []File{{Path: "00101000.c", Content: []byte("int main;")}})
	if err != nil {
		t.Fatalf(`GitSink.Export: unexpected error: %s`, err)
	}

	repo, err := git.PlainOpen(root)
	if err != nil {
		t.Fatalf(`git.PlainOpen: %s`, err)
	}
	commit, err := repo.CommitObject(plumbing.NewHash(res.Commit))
	if err != nil {
		t.Fatalf(`Repository.CommitObject: %s`, err)
	}
	if commit.Message != "signed export" {
		t.Errorf(`unexpected commit message %q`, commit.Message)
	}
	_, err = commit.Verify(string(public))
	if err != nil {
		t.Errorf(`Commit.Verify: unexpected error: %s`, err)
	}

	_, err = ReadSignKey(filepath.Join(t.TempDir(), "missing.asc"), nil)
	if err == nil {
		t.Errorf(`ReadSignKey: expected error for a missing key, got nil`)
	}

	publicPath := filepath.Join(t.TempDir(), "public.asc")
	testingx.WriteFile(t, publicPath, public)
	_, err = ReadSignKey(publicPath, nil)
	if err == nil {
		t.Errorf(`ReadSignKey: expected error for a public key, got nil`)
	}
}

func armored(t *testing.T, kind string, write func(*bytes.Buffer) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := write(&buf)
	if err != nil {
		t.Fatalf(`armoring %s: %s`, kind, err)
	}
	return buf.Bytes()
}
