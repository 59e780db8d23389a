package raft

import (
	"context"
	"log/slog"

	"github.com/jgalecki/raft/model"
)

// onElectionTimeout fires on the election timer: become a candidate unless
// the engine has been shut down (spec §4.1, FOLLOWER -> CANDIDATE).
func (e *Engine) onElectionTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating {
		return
	}
	if e.role == Leader {
		return // heartbeat timer, not election timer, governs leaders
	}
	e.becomeCandidateLocked()
}

// becomeCandidateLocked implements the CANDIDATE-entry actions of spec
// §4.1: increment term, vote for self, persist, reset the election timer
// with fresh randomized jitter, and dispatch RequestVote to every peer.
func (e *Engine) becomeCandidateLocked() {
	if !e.activeConfig.IsVoter(e.id) {
		// Not a voting member: don't start elections we can't win and
		// that would only bump the term pointlessly.
		e.resetElectionTimerLocked()
		return
	}
	e.role = Candidate
	e.currentTerm++
	e.votedFor = e.id
	e.currentEpoch++
	epoch := e.currentEpoch
	term := e.currentTerm
	if err := e.log.SetTermAndVote(term, e.id); err != nil {
		e.logger.Error("persist vote for self failed", slog.Any("error", err))
		return
	}
	e.resetElectionTimerLocked()

	lastIndex := e.lastLogIndexLocked()
	lastTerm, err := e.termAtLocked(lastIndex)
	if err != nil {
		e.logger.Error("read last log term failed", slog.Any("error", err))
		return
	}

	granted := map[model.ServerId]bool{e.id: true}
	peers := e.votingPeersLocked()
	e.logger.Info("starting election", slog.Uint64("term", term))

	if e.quorumLocked(func(id model.ServerId) bool { return granted[id] }) {
		// A single-node (or otherwise already-quorate by self-vote alone)
		// cluster becomes leader without waiting on any peer reply (spec
		// B1: "1-node cluster commit instantly on startup").
		e.becomeLeaderLocked()
		return
	}

	for _, peer := range peers {
		peer := peer
		go e.requestVoteFrom(term, epoch, peer, lastIndex, lastTerm, granted)
	}
}

// requestVoteFrom sends RequestVote to one peer and, if granted, updates
// the candidate's tally under the engine lock. Runs outside the lock while
// the RPC is in flight, per spec §5 ("The engine never holds engineLock
// across ... RPC sends/receives").
func (e *Engine) requestVoteFrom(term, epoch uint64, peer model.Server, lastIndex, lastTerm uint64, granted map[model.ServerId]bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.HeartbeatPeriod)
	defer cancel()
	resp, err := e.transport.RequestVote(ctx, peer.Addresses, &model.RequestVoteRequest{
		Term:         term,
		ServerId:     e.id,
		LastLogTerm:  lastTerm,
		LastLogIndex: lastIndex,
	})
	if err != nil {
		e.logger.Debug("requestVote failed", slog.Uint64("peer", uint64(peer.Id)), slog.Any("error", err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating || e.role != Candidate || e.currentEpoch != epoch {
		return // stale: a newer election, or we're no longer candidating
	}
	if resp.Term > e.currentTerm {
		e.becomeFollowerLocked(resp.Term)
		return
	}
	if resp.Term < term {
		return // spec B4: discard a granted reply for an older term
	}
	if !resp.Granted {
		return
	}
	granted[peer.Id] = true
	if e.quorumLocked(func(id model.ServerId) bool { return granted[id] }) {
		e.becomeLeaderLocked()
	}
}

// becomeFollowerLocked implements the "Any -> FOLLOWER" transition: adopt
// the higher term, clear the vote, and reset the election timer.
func (e *Engine) becomeFollowerLocked(term uint64) {
	wasLeader := e.role == Leader
	e.role = Follower
	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = 0
		if err := e.log.SetCurrentTerm(term); err != nil {
			e.logger.Error("persist new term failed", slog.Any("error", err))
		}
	}
	e.leaderHint = ""
	if wasLeader {
		for _, p := range e.peers {
			e.stopPeerLocked(p)
		}
		e.peers = make(map[model.ServerId]*peerProgress)
		if e.heartbeatTimer != nil {
			e.heartbeatTimer.Stop()
		}
	}
	e.resetElectionTimerLocked()
	e.cond.Broadcast()
}

// becomeLeaderLocked implements the CANDIDATE -> LEADER transition of spec
// §4.1: initialize per-peer progress, append a NOOP entry in the new term,
// and start the heartbeat timer.
func (e *Engine) becomeLeaderLocked() {
	e.role = Leader
	e.leaderHint = e.addresses
	lastIndex := e.lastLogIndexLocked()

	e.peers = make(map[model.ServerId]*peerProgress)
	for _, s := range e.votingPeersLocked() {
		e.addPeerLocked(s, lastIndex+1, true)
	}

	e.logger.Info("became leader", slog.Uint64("term", e.currentTerm))

	noop := model.Entry{
		Index: lastIndex + 1,
		Term:  e.currentTerm,
		Type:  model.EntryNoop,
	}
	if err := e.appendLocalLocked([]model.Entry{noop}); err != nil {
		e.logger.Error("append noop failed", slog.Any("error", err))
		e.becomeFollowerLocked(e.currentTerm)
		return
	}

	e.stepDownDeadline = e.clock.Now().Add(e.cfg.ElectionTimeout)
	for _, p := range e.peers {
		e.startPeerLocked(p)
	}
	e.scheduleHeartbeatLocked()
	e.cond.Broadcast()
}

func (e *Engine) addPeerLocked(s model.Server, nextIndex uint64, voting bool) *peerProgress {
	p := &peerProgress{
		id:        s.Id,
		addr:      s.Addresses,
		nextIndex: nextIndex,
		cmdCh:     make(chan peerCommand, 4),
		voting:    voting,
	}
	e.peers[s.Id] = p
	return p
}

func (e *Engine) startPeerLocked(p *peerProgress) {
	e.wg.Add(1)
	go e.runReplicator(p)
	select {
	case p.cmdCh <- peerStart:
	default:
	}
}

// scheduleHeartbeatLocked arms the leader's heartbeat timer, which on
// firing nudges every peer replicator and checks the step-down deadline
// (spec §4.4).
func (e *Engine) scheduleHeartbeatLocked() {
	if e.heartbeatTimer == nil {
		e.heartbeatTimer = e.clock.AfterFunc(e.cfg.HeartbeatPeriod, e.onHeartbeatTimeout)
	} else {
		e.heartbeatTimer.Reset(e.cfg.HeartbeatPeriod)
	}
}

func (e *Engine) onHeartbeatTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating || e.role != Leader {
		return
	}
	e.currentEpoch++
	// A configuration whose quorum is this server alone gets no peer
	// acknowledgements; its own vote keeps the quorum.
	if e.quorumLocked(func(id model.ServerId) bool { return id == e.id }) {
		e.stepDownDeadline = e.clock.Now().Add(e.cfg.ElectionTimeout)
	}
	for _, p := range e.peers {
		p.ackedThisEpoch = false
		select {
		case p.cmdCh <- peerNudge:
		default:
		}
	}
	if e.clock.Now().After(e.stepDownDeadline) {
		e.logger.Warn("stepping down: no heartbeat quorum within election timeout")
		e.becomeFollowerLocked(e.currentTerm)
		return
	}
	e.scheduleHeartbeatLocked()
}

// recordHeartbeatAckLocked is called by the replicator whenever a peer
// acknowledges an AppendEntries in the current term. Once a majority has
// acked in the current epoch, the step-down deadline is pushed out.
func (e *Engine) recordHeartbeatAckLocked(p *peerProgress) {
	p.lastHeartbeat = e.clock.Now()
	p.ackedThisEpoch = true
	if e.quorumLocked(func(id model.ServerId) bool {
		if id == e.id {
			return true
		}
		peer, ok := e.peers[id]
		return ok && peer.ackedThisEpoch
	}) {
		e.stepDownDeadline = e.clock.Now().Add(e.cfg.ElectionTimeout)
	}
}

// hasLeaderQuorumLocked reports whether this leader currently has
// confidence from a quorum within the last election timeout — used by
// GetLastCommitIndex (spec §4.7).
func (e *Engine) hasLeaderQuorumLocked() bool {
	if e.role != Leader {
		return false
	}
	return e.clock.Now().Before(e.stepDownDeadline)
}

func (e *Engine) lastLogIndexLocked() uint64 {
	return e.log.LastIndex()
}

func (e *Engine) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	meta := e.log.Metadata()
	if index == meta.LastSnapshotIndex {
		return meta.LastSnapshotTerm, nil
	}
	return e.log.TermAt(index)
}

// maybeAdoptTermLocked implements the rule stated at the top of spec §3:
// on observing any message carrying a term strictly greater than the
// local current term, adopt it and become a follower before processing
// the message.
func (e *Engine) maybeAdoptTermLocked(term uint64) {
	if term > e.currentTerm {
		e.becomeFollowerLocked(term)
	}
}
