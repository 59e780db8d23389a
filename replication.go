package raft

import (
	"context"
	"log/slog"
	"time"

	"github.com/jgalecki/raft/clock"
	"github.com/jgalecki/raft/model"
)

// HandleAppendEntries answers an incoming AppendEntries RPC per spec §4.3.
func (e *Engine) HandleAppendEntries(req *model.AppendEntriesRequest) *model.AppendEntriesResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminating {
		return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendTermStale}
	}
	if req.Term < e.currentTerm {
		return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendTermStale, LastLogIndex: e.lastLogIndexLocked()}
	}
	if req.RecipientId != 0 && req.RecipientId != e.id {
		e.logger.Warn("AppendEntries addressed to a different server", slog.Uint64("recipient", uint64(req.RecipientId)))
		return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: e.lastLogIndexLocked()}
	}
	e.maybeAdoptTermLocked(req.Term)
	if e.role != Follower {
		e.becomeFollowerLocked(req.Term)
	}
	e.leaderHint = e.leaderAddressHintLocked(req.ServerId)
	e.resetElectionTimerLocked()

	meta := e.log.Metadata()
	lastIndex := e.lastLogIndexLocked()

	if req.PrevLogIndex == meta.LastSnapshotIndex {
		if req.PrevLogTerm != meta.LastSnapshotTerm {
			return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: lastIndex}
		}
		// spec B2: snapshot acts as prefix; match.
	} else if req.PrevLogIndex > lastIndex {
		return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: lastIndex}
	} else if req.PrevLogIndex > meta.LastSnapshotIndex {
		prevTerm, err := e.termAtLocked(req.PrevLogIndex)
		if err != nil {
			e.logger.Error("read prevLogTerm failed", slog.Any("error", err))
			return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: lastIndex}
		}
		if prevTerm != req.PrevLogTerm {
			// Fast backup: report the index just before the conflicting
			// term's first entry so the leader can skip a whole term in
			// one round (§4.3).
			return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: e.lastIndexOfConflictingTermLocked(req.PrevLogIndex, prevTerm)}
		}
	}

	newEntries, err := e.reconcileEntriesLocked(req.Entries)
	if err != nil {
		e.logger.Error("reconcile entries failed", slog.Any("error", err))
		return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: e.lastLogIndexLocked()}
	}
	if len(newEntries) > 0 {
		if err := e.log.Append(newEntries); err != nil {
			e.logger.Error("append entries failed", slog.Any("error", err))
			return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendLogMismatch, LastLogIndex: e.lastLogIndexLocked()}
		}
		for _, ent := range newEntries {
			if ent.Type == model.EntryConfiguration {
				cfg, derr := decodeConfiguration(ent.Payload)
				if derr == nil {
					e.activeConfig = cfg
					e.activeIndex = ent.Index
				}
			}
		}
	}

	lastNew := req.PrevLogIndex
	if len(req.Entries) > 0 {
		lastNew = req.Entries[len(req.Entries)-1].Index
	}
	if req.CommitIndex > e.commitIndex {
		newCommit := req.CommitIndex
		if lastNew < newCommit {
			newCommit = lastNew
		}
		e.advanceCommitIndexToLocked(newCommit)
	}

	return &model.AppendEntriesResponse{Term: e.currentTerm, Status: model.AppendOK, LastLogIndex: e.lastLogIndexLocked()}
}

// leaderAddressHintLocked resolves leaderId's address from the active
// configuration, for recording as the follower's leaderHint.
func (e *Engine) leaderAddressHintLocked(leaderId model.ServerId) string {
	if s, ok := e.activeConfig.Lookup(leaderId); ok {
		return s.Addresses
	}
	return ""
}

// lastIndexOfConflictingTermLocked scans backward from index to find the
// first entry of the same term and returns the index just before it,
// implementing the "skip a whole term in one round" fast-backup hinted at
// in spec §4.3.
func (e *Engine) lastIndexOfConflictingTermLocked(index uint64, term uint64) uint64 {
	meta := e.log.Metadata()
	for index > meta.LastSnapshotIndex {
		t, err := e.termAtLocked(index - 1)
		if err != nil || t != term {
			break
		}
		index--
	}
	return index - 1
}

// reconcileEntriesLocked applies spec §4.3 step 5: keep matching entries
// idempotently, truncate-suffix on first conflict, and return only the
// entries that still need to be appended.
func (e *Engine) reconcileEntriesLocked(incoming []model.Entry) ([]model.Entry, error) {
	for i, ent := range incoming {
		existing, err := e.log.Entry(ent.Index)
		if err != nil {
			// Nothing at this index yet: everything from here on is new.
			return incoming[i:], nil
		}
		if existing.Term == ent.Term {
			continue // already have it, byte-identical by Log Matching (I2)
		}
		// Conflict: truncate from here and append everything remaining.
		if err := e.log.TruncateSuffix(ent.Index); err != nil {
			return nil, err
		}
		return incoming[i:], nil
	}
	return nil, nil
}

// appendLocalLocked is used by the leader to append its own entries
// (NOOP, DATA via Replicate, CONFIGURATION via SetConfiguration). It
// persists durably, updates the active configuration view if relevant,
// and nudges every peer replicator.
func (e *Engine) appendLocalLocked(entries []model.Entry) error {
	if err := e.log.Append(entries); err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Type == model.EntryConfiguration {
			cfg, err := decodeConfiguration(ent.Payload)
			if err != nil {
				return err
			}
			e.activeConfig = cfg
			e.activeIndex = ent.Index
		}
	}
	for _, p := range e.peers {
		select {
		case p.cmdCh <- peerNudge:
		default:
		}
	}
	// A single-node (or otherwise already-quorate) cluster can commit the
	// instant it appends; recompute immediately rather than waiting on a
	// peer reply that will never arrive.
	e.recomputeCommitIndexLocked()
	return nil
}

// recomputeCommitIndexLocked implements spec §4.3's commit-index
// advancement rule: the highest N > commitIndex for which a quorum of the
// active configuration has matchIndex >= N AND log[N].term == currentTerm.
func (e *Engine) recomputeCommitIndexLocked() {
	if e.role != Leader {
		return
	}
	lastIndex := e.lastLogIndexLocked()
	for n := lastIndex; n > e.commitIndex; n-- {
		term, err := e.termAtLocked(n)
		if err != nil || term != e.currentTerm {
			continue // never commit a prior term's entry by counting replicas alone
		}
		if e.quorumLocked(func(id model.ServerId) bool {
			if id == e.id {
				return lastIndex >= n
			}
			p, ok := e.peers[id]
			return ok && p.matchIndex >= n
		}) {
			e.advanceCommitIndexToLocked(n)
			return
		}
	}
}

// advanceCommitIndexToLocked moves commitIndex forward and hands the newly
// committed entries to the commit-notification worker in order (spec I6,
// P4).
func (e *Engine) advanceCommitIndexToLocked(n uint64) {
	if n <= e.commitIndex {
		return
	}
	from := e.commitIndex + 1
	e.commitIndex = n
	var batch []model.Entry
	for idx := from; idx <= n; idx++ {
		ent, err := e.log.Entry(idx)
		if err != nil {
			e.logger.Error("missing entry while advancing commit index", slog.Uint64("index", idx), slog.Any("error", err))
			break
		}
		if ent.Type == model.EntryConfiguration && !decodeAndRecordStableLocked(e, ent) {
			e.logger.Error("failed to decode committed configuration", slog.Uint64("index", idx))
		}
		batch = append(batch, ent)
	}
	e.lastApplied = n
	e.cond.Broadcast()
	if len(batch) > 0 {
		select {
		case e.commitCh <- batch:
		default:
			// Should not happen with a generously sized channel; block
			// rather than drop a commit, even though that means holding
			// the lock briefly longer than usual.
			e.commitCh <- batch
		}
	}
}

func decodeAndRecordStableLocked(e *Engine, ent model.Entry) bool {
	cfg, err := decodeConfiguration(ent.Payload)
	if err != nil {
		return false
	}
	if !cfg.Transitional {
		e.stableConfig = model.Configuration{Old: cfg.Simple()}
		e.stableIndex = ent.Index
	}
	return true
}

// commitWorker is the single-consumer fan-out described in spec §9
// ("Commit-notification fan-out"): it drains commitCh and calls the host's
// subscriber outside the engine lock, so user code never blocks the state
// machine.
func (e *Engine) commitWorker() {
	defer e.wg.Done()
	for batch := range e.commitCh {
		e.subMu.Lock()
		fn := e.subscriber
		e.subMu.Unlock()
		if fn != nil {
			fn(batch)
		}
	}
}

// runReplicator is the per-peer task described in spec §9: "send batch ->
// await reply or timeout -> update progress -> repeat", driven by a small
// command channel instead of a condition variable.
func (e *Engine) runReplicator(p *peerProgress) {
	defer e.wg.Done()
	for cmd := range p.cmdCh {
		if cmd == peerStop {
			return
		}
		e.replicateOnce(p)
	}
}

// replicateOnce sends exactly one AppendEntries or InstallSnapshot RPC to p
// and updates its progress. It is called repeatedly by runReplicator (on
// "start"/"nudge") and by the heartbeat timer (also via "nudge").
func (e *Engine) replicateOnce(p *peerProgress) {
	e.mu.Lock()
	if e.terminating || e.role != Leader {
		e.mu.Unlock()
		return
	}
	if e.clock.Now().Before(p.backoffUntil) {
		e.mu.Unlock()
		return
	}
	if p.rpcInFlight {
		e.mu.Unlock()
		return
	}
	p.rpcInFlight = true

	meta := e.log.Metadata()
	if p.nextIndex <= meta.LastSnapshotIndex {
		e.mu.Unlock()
		e.sendInstallSnapshot(p)
		return
	}

	term := e.currentTerm
	commitIndex := e.commitIndex
	prevIndex := p.nextIndex - 1
	prevTerm, err := e.termAtLocked(prevIndex)
	if err != nil {
		p.rpcInFlight = false
		e.mu.Unlock()
		return
	}
	entries := e.batchFromLocked(p.nextIndex)
	addr := p.addr
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.HeartbeatPeriod)
	defer cancel()
	resp, err := e.transport.AppendEntries(ctx, addr, &model.AppendEntriesRequest{
		Term:         term,
		ServerId:     e.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  commitIndex,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	p.rpcInFlight = false
	if e.terminating || e.role != Leader {
		return
	}
	if err != nil {
		p.backoffAttempt++
		p.backoffUntil = e.clock.Now().Add(clock.Backoff(10*time.Millisecond, p.backoffAttempt, 2*e.cfg.ElectionTimeout))
		return
	}
	p.backoffAttempt = 0
	if resp.Term > e.currentTerm {
		e.becomeFollowerLocked(resp.Term)
		return
	}
	switch resp.Status {
	case model.AppendOK:
		if len(entries) > 0 {
			p.matchIndex = entries[len(entries)-1].Index
			p.nextIndex = p.matchIndex + 1
		} else if resp.LastLogIndex > p.matchIndex {
			p.matchIndex = resp.LastLogIndex
			p.nextIndex = p.matchIndex + 1
		}
		e.recordHeartbeatAckLocked(p)
		e.recomputeCommitIndexLocked()
		if p.nextIndex <= e.lastLogIndexLocked() {
			select {
			case p.cmdCh <- peerNudge:
			default:
			}
		}
	case model.AppendTermStale, model.AppendLogMismatch:
		next := resp.LastLogIndex + 1
		if next < 1 {
			next = 1
		}
		p.nextIndex = next
		select {
		case p.cmdCh <- peerNudge:
		default:
		}
	}
}

// batchFromLocked returns a bounded batch of entries starting at from,
// capped by the configured max count/bytes (spec §4.3).
func (e *Engine) batchFromLocked(from uint64) []model.Entry {
	last := e.lastLogIndexLocked()
	if from > last {
		return nil
	}
	var out []model.Entry
	size := 0
	for idx := from; idx <= last && len(out) < e.cfg.MaxEntriesPerAppend; idx++ {
		ent, err := e.log.Entry(idx)
		if err != nil {
			break
		}
		size += len(ent.Payload)
		if len(out) > 0 && size > e.cfg.MaxBytesPerAppend {
			break
		}
		out = append(out, ent)
	}
	return out
}
