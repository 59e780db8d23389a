package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Filesystem is the on-disk Store: exactly one file named "snapshot" in
// dir/snapshots, plus zero or more "partial.<seconds>.<micros>" files
// belonging to writers that haven't called Save yet. Grounded on
// liblogcabin's SnapshotFile.cc naming scheme and its
// discardPartialSnapshots startup sweep.
type Filesystem struct {
	mu  sync.Mutex
	dir string // the snapshots/ subdirectory
}

const snapshotFileName = "snapshot"

// OpenFilesystem creates (if needed) storageDir/snapshots and sweeps any
// partial files left behind by a crash.
func OpenFilesystem(storageDir string) (*Filesystem, error) {
	dir := filepath.Join(storageDir, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	fs := &Filesystem{dir: dir}
	if err := fs.sweepPartial(); err != nil {
		return nil, err
	}
	return fs, nil
}

// sweepPartial removes any partial.* files, mirroring
// discardPartialSnapshots in the original implementation.
func (fs *Filesystem) sweepPartial() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("snapshot: list %s: %w", fs.dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "partial.") {
			if err := os.Remove(filepath.Join(fs.dir, e.Name())); err != nil {
				return fmt.Errorf("snapshot: remove partial file %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func (fs *Filesystem) HasSnapshot() bool {
	_, err := os.Stat(filepath.Join(fs.dir, snapshotFileName))
	return err == nil
}

func partialName() string {
	now := time.Now()
	return fmt.Sprintf("partial.%d.%d", now.Unix(), now.Nanosecond()/1000)
}

type fsWriter struct {
	fs       *Filesystem
	header   Header
	path     string
	file     *os.File
	comp     *snappy.Writer
	written  atomic.Uint64
	saved    bool
	discarded bool
}

func (fs *Filesystem) NewWriter(header Header) (Writer, error) {
	name := partialName()
	path := filepath.Join(fs.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	raw, err := msgpack.Marshal(&header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: encode header: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return nil, err
	}
	return &fsWriter{
		fs:     fs,
		header: header,
		path:   path,
		file:   f,
		comp:   snappy.NewBufferedWriter(f),
	}, nil
}

func (w *fsWriter) Write(p []byte) (int, error) {
	n, err := w.comp.Write(p)
	w.written.Add(uint64(n))
	return n, err
}

func (w *fsWriter) BytesWritten() uint64 { return w.written.Load() }

func (w *fsWriter) Save() (uint64, error) {
	if w.saved {
		return w.written.Load(), nil
	}
	if err := w.comp.Close(); err != nil {
		return 0, fmt.Errorf("snapshot: flush compressed stream: %w", err)
	}
	size, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("snapshot: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return 0, err
	}
	finalPath := filepath.Join(w.fs.dir, snapshotFileName)
	if err := os.Rename(w.path, finalPath); err != nil {
		return 0, fmt.Errorf("snapshot: install: %w", err)
	}
	if dirFile, err := os.Open(w.fs.dir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}
	w.saved = true
	return uint64(size), nil
}

func (w *fsWriter) Discard() error {
	if w.saved || w.discarded {
		return nil
	}
	w.discarded = true
	w.comp.Close()
	w.file.Close()
	return os.Remove(w.path)
}

type fsReader struct {
	header Header
	file   *os.File
	comp   *snappy.Reader
}

func (fs *Filesystem) OpenReader() (Reader, error) {
	path := filepath.Join(fs.dir, snapshotFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: read header length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	raw := make([]byte, length)
	if _, err := io.ReadFull(f, raw); err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: read header: %w", err)
	}
	var header Header
	if err := msgpack.Unmarshal(raw, &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: decode header: %w", err)
	}
	return &fsReader{header: header, file: f, comp: snappy.NewReader(f)}, nil
}

func (r *fsReader) Header() Header { return r.header }

func (r *fsReader) Read(p []byte) (int, error) { return r.comp.Read(p) }

func (r *fsReader) Close() error { return r.file.Close() }
