package raft

import (
	"fmt"
	"log/slog"

	"github.com/jgalecki/raft/model"
	"github.com/jgalecki/raft/snapshot"
)

// Replicate implements spec §4.7: the leader appends a DATA entry and
// returns once that index has committed, or with a non-Success result if
// it cannot.
func (e *Engine) Replicate(payload []byte) (Result, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminating {
		return Shutdown, 0
	}
	if e.role != Leader {
		return NotLeader, 0
	}
	index := e.lastLogIndexLocked() + 1
	entry := model.Entry{
		Index:       index,
		Term:        e.currentTerm,
		Type:        model.EntryData,
		Payload:     payload,
		ClusterTime: uint64(e.clock.Now().UnixNano()),
	}
	if err := e.appendLocalLocked([]model.Entry{entry}); err != nil {
		e.logger.Error("replicate: append failed", slog.Any("error", err))
		return Retry, 0
	}
	term := e.currentTerm

	deadline := e.clock.Now().Add(2 * e.cfg.ElectionTimeout)
	ok := e.waitLocked(deadline, func() bool {
		return e.commitIndex >= index || e.role != Leader || e.currentTerm != term
	})
	if e.terminating {
		return Shutdown, 0
	}
	if !ok {
		return Timeout, 0
	}
	if e.role != Leader || e.currentTerm != term {
		return NotLeader, 0
	}
	if e.commitIndex < index {
		return Timeout, 0
	}
	return Success, index
}

// SubscribeToCommittedEntries registers the host's single callback for
// newly committed entries (spec §4.7). Replaces any previous subscriber.
func (e *Engine) SubscribeToCommittedEntries(fn func([]model.Entry)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriber = fn
}

// SubscribeToSnapshotRestore registers the host's callback for the
// "restore from snapshot" signal delivered when InstallSnapshot jumps
// commitIndex forward without individual entry delivery (spec §4.5).
func (e *Engine) SubscribeToSnapshotRestore(fn func(lastIncludedIndex uint64)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.restoreSubscriber = fn
}

// GetLastCommitIndex implements spec §4.7: returns the commit index only
// while this server is confident of leadership.
func (e *Engine) GetLastCommitIndex() (Result, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating {
		return Shutdown, 0
	}
	if !e.hasLeaderQuorumLocked() {
		if e.role == Leader {
			return Retry, 0
		}
		return NotLeader, 0
	}
	return Success, e.commitIndex
}

// BootstrapConfiguration implements spec §4.7: on an empty log, write
// term=1 and a simple configuration naming just this server so the first
// cluster can start.
func (e *Engine) BootstrapConfiguration() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminating {
		return ErrShutdown
	}
	if e.bootstrapped || e.log.LastIndex() != 0 {
		return fmt.Errorf("raft: bootstrapConfiguration requires an empty log")
	}
	e.currentTerm = 1
	if err := e.log.SetCurrentTerm(1); err != nil {
		return fmt.Errorf("raft: bootstrap: %w", err)
	}
	cfg := model.Configuration{Old: []model.Server{{Id: e.id, Addresses: e.addresses}}}
	payload, err := encodeConfiguration(cfg)
	if err != nil {
		return err
	}
	entry := model.Entry{Index: 1, Term: 1, Type: model.EntryConfiguration, Payload: payload}
	if err := e.log.Append([]model.Entry{entry}); err != nil {
		return fmt.Errorf("raft: bootstrap: %w", err)
	}
	e.activeConfig = cfg
	e.activeIndex = 1
	e.bootstrapped = true
	e.becomeFollowerLocked(1)
	return nil
}

// BeginSnapshot implements the leader- (or follower-) side half of spec
// §4.5: hand the host a writer for the log prefix up to lastIncludedIndex.
// Its header carries the active configuration if that was appended at or
// before lastIncludedIndex, and the latest committed simple configuration
// otherwise.
func (e *Engine) BeginSnapshot(lastIncludedIndex uint64) (snapshot.Writer, error) {
	e.mu.Lock()
	if e.terminating {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	if lastIncludedIndex > e.lastApplied {
		e.mu.Unlock()
		return nil, fmt.Errorf("raft: beginSnapshot(%d) exceeds lastApplied(%d)", lastIncludedIndex, e.lastApplied)
	}
	term, err := e.termAtLocked(lastIncludedIndex)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("raft: beginSnapshot: %w", err)
	}
	cfg := e.stableConfig
	if e.activeIndex <= lastIncludedIndex {
		cfg = e.activeConfig
	}
	e.mu.Unlock()

	header := snapshot.Header{
		LastIncludedIndex:         lastIncludedIndex,
		LastIncludedTerm:          term,
		LastIncludedConfiguration: cfg,
	}
	return e.snapshots.NewWriter(header)
}

// SnapshotDone implements the completion half of spec §4.5: atomically
// install the snapshot the host just wrote and truncate the log prefix it
// covers.
func (e *Engine) SnapshotDone(index uint64, w snapshot.Writer) error {
	bytesWritten, err := w.Save()
	if err != nil {
		return fmt.Errorf("raft: snapshotDone: save: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	meta := e.log.Metadata()
	if index <= meta.LastSnapshotIndex {
		return nil // superseded by a newer snapshot (e.g. via InstallSnapshot)
	}
	term, err := e.termAtLocked(index)
	if err != nil {
		return fmt.Errorf("raft: snapshotDone: %w", err)
	}
	cfg := e.stableConfig
	cfgIndex := e.stableIndex
	if e.activeIndex <= index && e.activeIndex > cfgIndex {
		cfg = e.activeConfig
		cfgIndex = e.activeIndex
	}
	if err := e.log.TruncatePrefix(index, term, cfgIndex, cfg); err != nil {
		return fmt.Errorf("raft: snapshotDone: truncatePrefix: %w", err)
	}
	e.logger.Info("snapshot installed", slog.Uint64("lastIncludedIndex", index), slog.Int64("bytes", int64(bytesWritten)))
	return nil
}

// DiscardSnapshot is a convenience for a host that decided not to finish a
// snapshot it began via BeginSnapshot, e.g. because building its state
// bytes failed partway through.
func DiscardSnapshot(w snapshot.Writer) {
	w.Discard()
}

// ServerInfo answers the client GetServerInfo RPC (spec §6): this server's
// own id and address list, used by clients to detect reconnection to a
// different peer.
func (e *Engine) ServerInfo() (model.ServerId, string) {
	return e.id, e.addresses
}

// LeaderHint returns the non-authoritative current leader hint (spec
// GLOSSARY, "Leader hint") for callers building a NOT_LEADER response.
func (e *Engine) LeaderHint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderHint
}
