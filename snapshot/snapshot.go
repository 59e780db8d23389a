// Package snapshot implements the snapshot store described in spec §2/§4.5
// and grounded on liblogcabin's Storage/SnapshotFile.{h,cc}: a writer that
// produces a single snapshot file (header plus opaque state bytes) and a
// reader that streams it back. Partial/in-progress snapshots are named
// distinctively and reclaimed on startup (discardPartialSnapshots in the
// original).
package snapshot

import (
	"io"

	"github.com/jgalecki/raft/model"
)

// Header is the fixed metadata every snapshot carries ahead of the opaque
// state bytes (spec §2).
type Header struct {
	LastIncludedIndex         uint64
	LastIncludedTerm          uint64
	LastIncludedConfiguration model.Configuration
}

// Reader streams a previously saved snapshot's bytes back to the caller.
// Grounded on LibLogCabin::Storage::Snapshot::Reader.
type Reader interface {
	Header() Header
	io.ReadCloser
}

// Writer accumulates opaque state bytes for a snapshot in progress. The
// caller (the host, via Engine.BeginSnapshot) owns it until Save or Discard
// is called. The engine may keep reading the installed snapshot through a
// Reader while a Writer for the next one is open: a Reader keeps the data
// it opened even after a later Save replaces the installed snapshot.
//
// Grounded on LibLogCabin::Storage::Snapshot::Writer/DefaultWriter.
type Writer interface {
	io.Writer
	// BytesWritten reports cumulative bytes written so far; a caller can
	// poll it from another goroutine to watch progress (the original's
	// SharedMMap<atomic<uint64>> watchdog counter, reimagined for a
	// single-process engine as a plain atomic read).
	BytesWritten() uint64
	// Save finalizes the file atomically and returns its total size.
	Save() (uint64, error)
	// Discard throws away the in-progress file. Safe to call after Save
	// has already succeeded (a no-op in that case).
	Discard() error
}

// Store is the capability interface the engine uses, independent of
// backend (spec §9, "Dynamic dispatch"): a maker of readers and writers.
type Store interface {
	// NewWriter begins a new snapshot write, replacing whatever is
	// currently installed once Save is called.
	NewWriter(header Header) (Writer, error)
	// OpenReader opens the currently installed snapshot, or ErrNoSnapshot
	// if none has ever been saved.
	OpenReader() (Reader, error)
	// HasSnapshot reports whether a snapshot has ever been installed.
	HasSnapshot() bool
}

// ErrNoSnapshot is returned by OpenReader when no snapshot has been saved
// yet.
var ErrNoSnapshot = errNoSnapshot{}

type errNoSnapshot struct{}

func (errNoSnapshot) Error() string { return "snapshot: no snapshot installed" }

// Module selects the snapshot backend, mirroring storage.Module.
type Module string

const (
	ModuleMemory     Module = "Memory"
	ModuleFilesystem Module = "Filesystem"
)

// Open constructs the selected backend. For Filesystem, dir is the same
// storage directory the Log backend uses; Open creates a snapshots/
// subdirectory inside it and sweeps any partial files left by a crash.
func Open(module Module, dir string) (Store, error) {
	switch module {
	case ModuleFilesystem:
		return OpenFilesystem(dir)
	case ModuleMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, errUnknownModule(module)
	}
}

type errUnknownModule string

func (e errUnknownModule) Error() string { return "snapshot: unknown module " + string(e) }
