package convoy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"convoy/internal/proto"
)

// ModProvider supplies the asset manifest advertised in the handshake and
// the raw file handles behind it. The router only consumes the manifest to
// decide which transfer jobs to start when a client requests mods.
type ModProvider interface {
	// List returns the (name, size) manifest.
	List() ([]proto.ModEntry, error)
	// Open returns a handle and size for one named mod.
	Open(name string) (io.ReadCloser, int64, error)
}

// DirModProvider serves every .zip file in one directory.
type DirModProvider struct {
	Dir string
}

// List walks the directory for zip archives. An unreadable directory is a
// resource failure for the caller to log; it never takes the server down.
func (p DirModProvider) List() ([]proto.ModEntry, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("read mods dir %s: %w", p.Dir, err)
	}
	var mods []proto.ModEntry
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mods = append(mods, proto.ModEntry{Name: entry.Name(), Size: uint32(info.Size())})
	}
	return mods, nil
}

// Open rejects path traversal and only serves files List would report.
func (p DirModProvider) Open(name string) (io.ReadCloser, int64, error) {
	base := filepath.Base(name)
	if base != name || !strings.EqualFold(filepath.Ext(base), ".zip") {
		return nil, 0, fmt.Errorf("invalid mod name %q", name)
	}
	file, err := os.Open(filepath.Join(p.Dir, base))
	if err != nil {
		return nil, 0, fmt.Errorf("open mod %s: %w", base, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat mod %s: %w", base, err)
	}
	return file, info.Size(), nil
}

// NoMods is the provider used when no mods directory is configured.
type NoMods struct{}

func (NoMods) List() ([]proto.ModEntry, error) { return nil, nil }

func (NoMods) Open(name string) (io.ReadCloser, int64, error) {
	return nil, 0, fmt.Errorf("no mods configured, requested %q", name)
}
