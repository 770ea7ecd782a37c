package convoy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"convoy/internal/proto"
)

// File transfers ride the ordered channel as a sequence of file-part
// commands. Each part carries the name, the chunk bytes, the chunk index,
// the declared total size, and the byte offset of the chunk, so the
// receiving end can write parts at their own positions and finish once
// every byte is accounted for.

const fileChunkSize = 32 << 10

// transferRate paces outbound chunks so one big mod download cannot
// monopolize a session's ordered queue.
var transferRate = rate.Limit(64)

type orderedSender interface {
	SendOrdered(ctx context.Context, cmd proto.Command) error
}

// transferFile splits r (declared size bytes, announced under name) into
// fixed-size chunks and queues each as an ordered file-part command.
func transferFile(ctx context.Context, out orderedSender, name string, r io.Reader, size int64) error {
	limiter := rate.NewLimiter(transferRate, 8)
	buf := make([]byte, fileChunkSize)
	var chunk, offset uint32
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			part := proto.FilePart{
				Name:     name,
				Data:     append([]byte(nil), buf[:n]...),
				Chunk:    chunk,
				FileSize: uint32(size),
				Offset:   offset,
			}
			if err := out.SendOrdered(ctx, part); err != nil {
				return fmt.Errorf("send chunk %d of %s: %w", chunk, name, err)
			}
			chunk++
			offset += uint32(n)
		}
		if err == io.EOF {
			if int64(offset) != size {
				return fmt.Errorf("transfer %s: read %d bytes, declared %d", name, offset, size)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
	}
}

var (
	// ErrTransferRestarted reports chunk 0 arriving for a file that is
	// already mid-transfer.
	ErrTransferRestarted = errors.New("file transfer restarted mid-flight")

	errTransferUnknown = errors.New("file part for unknown transfer")
)

type pendingFile struct {
	file     *os.File
	size     uint32
	received uint32
	chunks   map[uint32]bool // explicit received set, not sentinel emptiness
}

// FileReceiver reconstructs transferred files on the receiving side of the
// protocol. One receiver serves one session; Close discards anything still
// incomplete so a torn-down session never leaves partial artifacts.
type FileReceiver struct {
	dir     string
	pending map[string]*pendingFile
}

// NewFileReceiver stores completed files under dir.
func NewFileReceiver(dir string) *FileReceiver {
	return &FileReceiver{dir: dir, pending: make(map[string]*pendingFile)}
}

// Apply consumes one file-part command. The first chunk of a name opens
// the file, preallocates the full length, and registers the transfer;
// later chunks are written at their reported offset. The transfer
// finalizes once every declared byte has arrived. Completed names may
// start over and replace the file on disk; chunk 0 for a name still in
// flight is an error, so two concurrent transfers can never interleave
// into one file.
func (fr *FileReceiver) Apply(part proto.FilePart) error {
	name := filepath.Base(part.Name)
	pending := fr.pending[name]

	if part.Chunk == 0 {
		if pending != nil {
			return fmt.Errorf("%w: %s", ErrTransferRestarted, name)
		}
		path := filepath.Join(fr.dir, name)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		if err := file.Truncate(int64(part.FileSize)); err != nil {
			file.Close()
			os.Remove(path)
			return fmt.Errorf("preallocate %s: %w", name, err)
		}
		pending = &pendingFile{file: file, size: part.FileSize, chunks: make(map[uint32]bool)}
		fr.pending[name] = pending
	} else if pending == nil {
		return fmt.Errorf("%w: %s chunk %d", errTransferUnknown, name, part.Chunk)
	}

	if pending.chunks[part.Chunk] {
		return nil // duplicate delivery, already written
	}
	if _, err := pending.file.WriteAt(part.Data, int64(part.Offset)); err != nil {
		fr.abort(name)
		return fmt.Errorf("write %s at %d: %w", name, part.Offset, err)
	}
	pending.chunks[part.Chunk] = true
	pending.received += uint32(len(part.Data))

	if pending.received >= pending.size {
		delete(fr.pending, name)
		if err := pending.file.Sync(); err != nil {
			pending.file.Close()
			return fmt.Errorf("finalize %s: %w", name, err)
		}
		return pending.file.Close()
	}
	return nil
}

// Pending reports whether a transfer for name is still incomplete.
func (fr *FileReceiver) Pending(name string) bool {
	_, ok := fr.pending[filepath.Base(name)]
	return ok
}

func (fr *FileReceiver) abort(name string) {
	pending := fr.pending[name]
	if pending == nil {
		return
	}
	pending.file.Close()
	os.Remove(filepath.Join(fr.dir, name))
	delete(fr.pending, name)
}

// Close deletes every incomplete transfer. Runs on session teardown.
func (fr *FileReceiver) Close() {
	for name := range fr.pending {
		fr.abort(name)
	}
}
