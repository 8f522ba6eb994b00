package tenant

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeFiles creates each file (and its parent directories) under root.
func writeFiles(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", f, err)
		}
		if err := os.WriteFile(path, []byte("// "+f+"\n"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", f, err)
		}
	}
}

func TestResolvePriority(t *testing.T) {
	tests := []struct {
		name     string
		files    []string
		app      string
		expected string
	}{
		{
			name:     "single file extension order",
			files:    []string{"hello.jsx", "hello.js", "hello.tsx", "hello.ts", "hello.wasm"},
			app:      "hello",
			expected: "hello.ts",
		},
		{
			name:     "tsx beats js",
			files:    []string{"hello.jsx", "hello.js", "hello.tsx"},
			app:      "hello",
			expected: "hello.tsx",
		},
		{
			name:     "js beats jsx",
			files:    []string{"hello.jsx", "hello.js"},
			app:      "hello",
			expected: "hello.js",
		},
		{
			name:     "jsx beats wasm",
			files:    []string{"hello.wasm", "hello.jsx"},
			app:      "hello",
			expected: "hello.jsx",
		},
		{
			name:     "single file beats directory package",
			files:    []string{"hello.jsx", "hello/mod.ts", "hello/hello.ts"},
			app:      "hello",
			expected: "hello.jsx",
		},
		{
			name:     "mod beats named file",
			files:    []string{"hello/mod.jsx", "hello/hello.ts", "hello/index.html"},
			app:      "hello",
			expected: "hello/mod.jsx",
		},
		{
			name:     "mod extension order",
			files:    []string{"hello/mod.js", "hello/mod.tsx"},
			app:      "hello",
			expected: "hello/mod.tsx",
		},
		{
			name:     "named file beats index.html",
			files:    []string{"hello/hello.js", "hello/index.html"},
			app:      "hello",
			expected: "hello/hello.js",
		},
		{
			name:     "named file extension order",
			files:    []string{"hello/hello.jsx", "hello/hello.ts"},
			app:      "hello",
			expected: "hello/hello.ts",
		},
		{
			name:     "static bundle",
			files:    []string{"site/index.html", "site/style.css"},
			app:      "site",
			expected: "site/index.html",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, tt.files...)

			// Resolution must not depend on call count or file system ordering.
			for i := 0; i < 3; i++ {
				got, err := Resolve(root, tt.app)
				if err != nil {
					t.Fatalf("Resolve returned error: %v", err)
				}
				want := filepath.Join(root, tt.expected)
				if got != want {
					t.Fatalf("Expected %s, got %s", want, got)
				}
			}
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"other.ts",
		"hello.txt",
		"hello/readme.md",
		"hello/main.ts",
	)

	for _, app := range []string{"hello", "missing", "", ".", "..", "../etc", "a/b", `a\b`} {
		t.Run(app, func(t *testing.T) {
			_, err := Resolve(root, app)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for %q, got %v", app, err)
			}
		})
	}
}

func TestResolveSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "hello.ts"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFiles(t, root, "hello/mod.js")

	got, err := Resolve(root, "hello")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if want := filepath.Join(root, "hello", "mod.js"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestResolveFileShadowingDirectory(t *testing.T) {
	// root/hello is a plain file, so root/hello/mod.ts cannot exist.
	root := t.TempDir()
	writeFiles(t, root, "hello")

	if _, err := Resolve(root, "hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestIsStatic(t *testing.T) {
	if !IsStatic("/srv/site/index.html") {
		t.Error("Expected index.html to be static")
	}
	if IsStatic("/srv/site/mod.ts") {
		t.Error("Expected mod.ts not to be static")
	}
}
