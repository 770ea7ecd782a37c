package convoy

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func modDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"pack.zip":   "zipbytes",
		"other.ZIP":  "morebytes",
		"notes.txt":  "ignored",
		"secret.key": "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.zip"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDirModProviderListsOnlyZips(t *testing.T) {
	provider := DirModProvider{Dir: modDir(t)}
	mods, err := provider.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("listed %d mods, want pack.zip and other.ZIP", len(mods))
	}
	for _, mod := range mods {
		if mod.Size == 0 {
			t.Fatalf("mod %s has zero size", mod.Name)
		}
	}
}

func TestDirModProviderOpen(t *testing.T) {
	provider := DirModProvider{Dir: modDir(t)}

	file, size, err := provider.Open("pack.zip")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if int64(len(data)) != size || string(data) != "zipbytes" {
		t.Fatalf("read %q (size %d)", data, size)
	}
}

func TestDirModProviderRejectsEscapes(t *testing.T) {
	provider := DirModProvider{Dir: modDir(t)}
	for _, name := range []string{
		"../pack.zip",
		"sub/pack.zip",
		"secret.key",
		"notes.txt",
	} {
		if _, _, err := provider.Open(name); err == nil {
			t.Fatalf("open(%q) succeeded", name)
		}
	}
}

func TestNoMods(t *testing.T) {
	mods, err := NoMods{}.List()
	if err != nil || mods != nil {
		t.Fatalf("empty provider listed %v, %v", mods, err)
	}
	if _, _, err := (NoMods{}).Open("pack.zip"); err == nil {
		t.Fatal("empty provider opened a mod")
	}
}
