package ldso

import (
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wreckinglabs/dragonkick/pkg/testingx"
)

func TestReadConf(t *testing.T) {
	type testcase struct {
		files map[string]string
		want  []string
	}

	for n, c := range map[string]testcase{
		"simple": {
			files: map[string]string{
				"/etc/ld.so.conf": "# libraries\n/usr/local/lib\n\n/opt/lib # trailing\n",
			},
			want: []string{"/usr/local/lib", "/opt/lib"},
		},
		"separators": {
			files: map[string]string{
				"/etc/ld.so.conf": "/a:/b,/c\t/d /e\n",
			},
			want: []string{"/a", "/b", "/c", "/d", "/e"},
		},
		"include": {
			files: map[string]string{
				"/etc/ld.so.conf":                   "/first\ninclude /etc/ld.so.conf.d/*.conf\n/last\n",
				"/etc/ld.so.conf.d/b.conf":          "/b\n",
				"/etc/ld.so.conf.d/a.conf":          "/a\n",
				"/etc/ld.so.conf.d/ignored.disable": "/ignored\n",
			},
			want: []string{"/first", "/a", "/b", "/last"},
		},
		"relative include": {
			files: map[string]string{
				"/etc/ld.so.conf":          "include conf.d/*.conf\n",
				"/etc/conf.d/x86_64.conf":  "/lib/x86_64-linux-gnu\n",
				"/etc/conf.d/libc.conf":    "/usr/local/lib\n",
				"/etc/conf.d/nothing.conf": "# nothing\n",
			},
			want: []string{"/usr/local/lib", "/lib/x86_64-linux-gnu"},
		},
		"include cycle": {
			files: map[string]string{
				"/etc/ld.so.conf":   "/a\ninclude /etc/other.conf\n",
				"/etc/other.conf":   "/b\ninclude /etc/ld.so.conf\n",
				"/etc/unused.conf":  "/unused\n",
				"/etc/unused2.conf": "/unused2\n",
			},
			want: []string{"/a", "/b"},
		},
		"duplicates": {
			files: map[string]string{
				"/etc/ld.so.conf": "/a\n/b/\n/a\n/b\n",
			},
			want: []string{"/a", "/b"},
		},
		"hwcap": {
			files: map[string]string{
				"/etc/ld.so.conf": "hwcap 1 nosegneg\n/a\n",
			},
			want: []string{"/a"},
		},
		"missing include": {
			files: map[string]string{
				"/etc/ld.so.conf": "include /etc/missing/*.conf\n/a\n",
			},
			want: []string{"/a"},
		},
	} {
		t.Run(n, func(t *testing.T) {
			root := newTestRoot(t)
			for p, content := range c.files {
				testingx.WriteFile(t, root.Host(p), []byte(content))
			}

			got, err := ReadConf(root, "/etc/ld.so.conf")
			if err != nil {
				t.Fatalf(`ReadConf: unexpected error: %s`, err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf(`ReadConf: unexpected result (-want +got):\n%s`, diff)
			}
		})
	}
}

func TestReadConf_Missing(t *testing.T) {
	root := newTestRoot(t)
	_, err := ReadConf(root, "/etc/ld.so.conf")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf(`ReadConf: wanted a not-exist error, got %v`, err)
	}
}
