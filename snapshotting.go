package raft

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jgalecki/raft/clock"
	"github.com/jgalecki/raft/model"
	"github.com/jgalecki/raft/snapshot"
)

const installSnapshotChunkSize = 64 * 1024

// HandleInstallSnapshot answers an incoming InstallSnapshot RPC chunk per
// spec §4.5.
func (e *Engine) HandleInstallSnapshot(req *model.InstallSnapshotRequest) *model.InstallSnapshotResponse {
	e.mu.Lock()
	if e.terminating {
		term := e.currentTerm
		e.mu.Unlock()
		return &model.InstallSnapshotResponse{Term: term}
	}
	if req.Term < e.currentTerm {
		term := e.currentTerm
		e.mu.Unlock()
		return &model.InstallSnapshotResponse{Term: term}
	}
	e.maybeAdoptTermLocked(req.Term)
	if e.role != Follower {
		e.becomeFollowerLocked(req.Term)
	}
	e.resetElectionTimerLocked()

	if req.Offset == 0 {
		if e.snapStaging != nil {
			e.snapStaging.Discard()
		}
		header := snapshot.Header{
			LastIncludedIndex:         req.LastIncludedIndex,
			LastIncludedTerm:          req.LastIncludedTerm,
			LastIncludedConfiguration: req.LastIncludedConfiguration,
		}
		w, err := e.snapshots.NewWriter(header)
		if err != nil {
			e.logger.Error("open snapshot staging writer failed", slog.Any("error", err))
			term := e.currentTerm
			e.mu.Unlock()
			return &model.InstallSnapshotResponse{Term: term}
		}
		e.snapStaging = w
		e.snapStagingOffset = 0
	}

	if e.snapStaging == nil || req.Offset != e.snapStagingOffset {
		var stored uint64
		if e.snapStaging != nil {
			stored = e.snapStaging.BytesWritten()
		}
		term := e.currentTerm
		e.mu.Unlock()
		return &model.InstallSnapshotResponse{Term: term, BytesStored: stored}
	}

	staging := e.snapStaging
	data := req.Data
	term := e.currentTerm
	e.mu.Unlock()

	if len(data) > 0 {
		if _, err := staging.Write(data); err != nil {
			e.logger.Error("write snapshot chunk failed", slog.Any("error", err))
			e.mu.Lock()
			stored := staging.BytesWritten()
			e.mu.Unlock()
			return &model.InstallSnapshotResponse{Term: term, BytesStored: stored}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapStagingOffset += uint64(len(data))
	stored := e.snapStagingOffset
	if !req.Done {
		return &model.InstallSnapshotResponse{Term: e.currentTerm, BytesStored: stored}
	}

	if _, err := staging.Save(); err != nil {
		e.logger.Error("save snapshot failed", slog.Any("error", err))
		return &model.InstallSnapshotResponse{Term: e.currentTerm, BytesStored: stored}
	}
	e.snapStaging = nil
	e.installSnapshotLocked(req.LastIncludedIndex, req.LastIncludedTerm, req.LastIncludedConfiguration)
	return &model.InstallSnapshotResponse{Term: e.currentTerm, BytesStored: stored}
}

// installSnapshotLocked implements the follower "done" path of §4.5:
// atomically adopt the snapshot's bookkeeping, discard covered log
// entries, and deliver the restore signal if commitIndex needs to jump.
func (e *Engine) installSnapshotLocked(index, term uint64, cfg model.Configuration) {
	if index <= e.log.Metadata().LastSnapshotIndex {
		return // already applied, e.g. a retried final chunk
	}
	if err := e.log.TruncatePrefix(index, term, index, cfg); err != nil {
		e.logger.Error("truncate prefix after snapshot install failed", slog.Any("error", err))
		return
	}
	if index >= e.activeIndex {
		e.activeConfig = cfg
		e.activeIndex = index
	}
	if !cfg.Transitional && index >= e.stableIndex {
		e.stableConfig = cfg
		e.stableIndex = index
	}
	jumped := e.commitIndex < index
	if jumped {
		e.commitIndex = index
		e.lastApplied = index
	}
	e.cond.Broadcast()
	if jumped {
		select {
		case e.restoreCh <- index:
		default:
			go func() { e.restoreCh <- index }()
		}
	}
}

// sendInstallSnapshot drives one chunk of an outbound snapshot transfer to
// p, called by replicateOnce when p.nextIndex has fallen behind the
// leader's retained log prefix.
func (e *Engine) sendInstallSnapshot(p *peerProgress) {
	e.mu.Lock()
	if e.terminating || e.role != Leader {
		p.rpcInFlight = false
		e.mu.Unlock()
		return
	}
	if p.snapReader == nil {
		reader, err := e.snapshots.OpenReader()
		if err != nil {
			e.logger.Error("open local snapshot for transfer failed", slog.Any("error", err))
			p.rpcInFlight = false
			e.mu.Unlock()
			return
		}
		p.snapReader = reader
		p.snapHeader = reader.Header()
		p.snapOffset = 0
	}
	if p.snapPending == nil {
		buf := make([]byte, installSnapshotChunkSize)
		n, err := io.ReadFull(p.snapReader, buf)
		done := false
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			done = true
		} else if err != nil {
			e.logger.Error("read local snapshot for transfer failed", slog.Any("error", err))
			p.snapReader.Close()
			p.snapReader = nil
			p.rpcInFlight = false
			e.mu.Unlock()
			return
		}
		p.snapPending = buf[:n]
		p.snapPendingDone = done
	}
	req := &model.InstallSnapshotRequest{
		Term:                      e.currentTerm,
		ServerId:                  e.id,
		LastIncludedIndex:         p.snapHeader.LastIncludedIndex,
		LastIncludedTerm:          p.snapHeader.LastIncludedTerm,
		LastIncludedConfiguration: p.snapHeader.LastIncludedConfiguration,
		Offset:                    p.snapOffset,
		Data:                      p.snapPending,
		Done:                      p.snapPendingDone,
	}
	addr := p.addr
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.HeartbeatPeriod)
	defer cancel()
	resp, err := e.transport.InstallSnapshot(ctx, addr, req)

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
	expected := p.snapOffset + uint64(len(p.snapPending))
	if resp.BytesStored != expected {
		// Follower lost sync (e.g. it restarted mid-transfer): restart
		// the whole transfer from offset 0.
		p.snapReader.Close()
		p.snapReader = nil
		p.snapPending = nil
		p.snapOffset = 0
		select {
		case p.cmdCh <- peerNudge:
		default:
		}
		return
	}
	p.snapOffset = expected
	done := p.snapPendingDone
	p.snapPending = nil
	if done {
		p.snapReader.Close()
		p.snapReader = nil
		p.matchIndex = p.snapHeader.LastIncludedIndex
		p.nextIndex = p.matchIndex + 1
		e.recordHeartbeatAckLocked(p)
		e.recomputeCommitIndexLocked()
	}
	select {
	case p.cmdCh <- peerNudge:
	default:
	}
}
