// Package storage implements the durable log described in spec §3/§6: an
// append-only sequence of (term, type, payload) entries indexed from 1,
// plus the durable currentTerm/votedFor cell and the snapshot-prefix
// bookkeeping fields. Two backends are provided, chosen at construction
// (spec §9, "Dynamic dispatch"): Memory for tests and `use-temporary-storage`,
// Filesystem for production.
package storage

import (
	"errors"

	"github.com/jgalecki/raft/model"
)

// ErrNotFound is returned by Entry when the requested index is not present
// — either it has never been appended, or it has been truncated away by a
// prefix truncation (snapshot) or a suffix truncation (conflict repair).
var ErrNotFound = errors.New("storage: entry not found")

// ErrIndexMismatch is returned by Append when the caller's index
// arithmetic doesn't line up with the log's current bounds; it indicates
// an engine bug, not a transient condition.
var ErrIndexMismatch = errors.New("storage: index out of sequence")

// Metadata is the small durable cell that must survive a restart before any
// RPC reply that depends on it (spec §3, "Persistent state").
type Metadata struct {
	CurrentTerm                    uint64
	VotedFor                       model.ServerId // 0 means "none"
	LastSnapshotIndex               uint64
	LastSnapshotTerm                uint64
	LastSnapshotConfigurationIndex  uint64
	LastSnapshotConfiguration       model.Configuration
	ClusterUUID                     string
}

// Log is the durable log capability interface (spec §9: "append/read-by-
// index/truncate-prefix/truncate-suffix/sync" surface). Implementations
// must make Append and SetTermAndVote durable (fsync'd, for the Filesystem
// backend) before returning nil error: the engine relies on that for I3/I4.
type Log interface {
	// FirstIndex is the lowest index still retained (lastSnapshotIndex+1,
	// or 1 if no snapshot has ever been installed).
	FirstIndex() uint64
	// LastIndex is the highest index ever appended and not since
	// truncated. If no entries follow the snapshot it is
	// LastSnapshotIndex (0 for a log that never had a snapshot).
	LastIndex() uint64
	// Entry returns the entry at index, or ErrNotFound.
	Entry(index uint64) (model.Entry, error)
	// TermAt returns the term of the entry at index, consulting the
	// snapshot's LastSnapshotTerm when index == LastSnapshotIndex.
	TermAt(index uint64) (uint64, error)
	// Append durably appends entries, which must be contiguous and start
	// at LastIndex()+1.
	Append(entries []model.Entry) error
	// TruncateSuffix durably discards every entry with index >= from.
	TruncateSuffix(from uint64) error
	// TruncatePrefix durably discards every entry with index <= through,
	// recording it as covered by a snapshot. through may exceed
	// LastIndex(), in which case every retained entry is discarded.
	TruncatePrefix(through uint64, term uint64, configIndex uint64, config model.Configuration) error

	// Metadata returns the current persisted metadata cell.
	Metadata() Metadata
	// SetCurrentTerm durably persists a new currentTerm and clears
	// votedFor (the caller is adopting a higher term).
	SetCurrentTerm(term uint64) error
	// SetTermAndVote durably persists currentTerm and votedFor together,
	// as required before any granted-vote reply (I3).
	SetTermAndVote(term uint64, votedFor model.ServerId) error
	// SetClusterUUID persists the cluster identity the first time it
	// becomes known. A no-op if already set to the same value.
	SetClusterUUID(uuid string) error

	// Close releases any held resources (file handles, locks).
	Close() error
}

// Module names the storage backend selected by configuration (spec §6,
// `storageModule`).
type Module string

const (
	ModuleMemory     Module = "Memory"
	ModuleFilesystem Module = "Filesystem"
)

// Options configures either backend.
type Options struct {
	Module Module
	// Path is required for Filesystem; ignored for Memory.
	Path string
}

// Open constructs the selected backend.
func Open(opts Options) (Log, error) {
	switch opts.Module {
	case ModuleFilesystem:
		return OpenFilesystem(opts.Path)
	case ModuleMemory, "":
		return NewMemory(), nil
	default:
		return nil, errors.New("storage: unknown module " + string(opts.Module))
	}
}
