package raft

import (
	"log/slog"

	"github.com/jgalecki/raft/model"
)

// HandleRequestVote answers an incoming RequestVote RPC per spec §4.2.
func (e *Engine) HandleRequestVote(req *model.RequestVoteRequest) *model.RequestVoteResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminating {
		return &model.RequestVoteResponse{Term: e.currentTerm, Granted: false}
	}
	if req.Term < e.currentTerm {
		return &model.RequestVoteResponse{Term: e.currentTerm, Granted: false}
	}
	e.maybeAdoptTermLocked(req.Term)

	votedForOk := e.votedFor == 0 || e.votedFor == req.ServerId
	upToDate := e.candidateUpToDateLocked(req.LastLogTerm, req.LastLogIndex)
	granted := votedForOk && upToDate

	if granted {
		e.votedFor = req.ServerId
		if err := e.log.SetTermAndVote(e.currentTerm, req.ServerId); err != nil {
			e.logger.Error("persist vote failed", slog.Any("error", err))
			granted = false
		} else {
			e.resetElectionTimerLocked()
		}
	}

	e.logger.Debug("RequestVote",
		slog.Uint64("from", uint64(req.ServerId)),
		slog.Uint64("term", req.Term),
		slog.Bool("granted", granted))

	return &model.RequestVoteResponse{Term: e.currentTerm, Granted: granted}
}

// candidateUpToDateLocked implements spec §4.2(c): the candidate's log is
// at least as up-to-date as ours.
func (e *Engine) candidateUpToDateLocked(lastLogTerm, lastLogIndex uint64) bool {
	ourIndex := e.lastLogIndexLocked()
	ourTerm, err := e.termAtLocked(ourIndex)
	if err != nil {
		e.logger.Error("read own last log term failed", slog.Any("error", err))
		return false
	}
	if lastLogTerm != ourTerm {
		return lastLogTerm > ourTerm
	}
	return lastLogIndex >= ourIndex
}
