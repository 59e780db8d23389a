package raft

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jgalecki/raft/model"
)

// ErrConfigurationChanged reports that SetConfiguration's oldId
// precondition no longer matches the current stable configuration (spec
// §4.6, §7).
var ErrConfigurationChanged = fmt.Errorf("raft: stable configuration changed since oldId was read")

// ConfigurationBadError reports that the catch-up phase of SetConfiguration
// failed for the listed servers (spec §7, CONFIGURATION_BAD).
type ConfigurationBadError struct {
	BadServers []model.ServerId
}

func (e *ConfigurationBadError) Error() string {
	return fmt.Sprintf("raft: configuration catch-up failed for %v", e.BadServers)
}

// catchUpRounds bounds how many replication rounds SetConfiguration will
// wait for a new server to come within one election timeout of the log
// head before giving up on it (spec §4.6 step 1).
const catchUpRounds = 10

// SetConfiguration implements spec §4.6: joint-consensus membership
// change. Only the leader can call it, and only when the current stable
// configuration's id (its commit index) equals oldId.
func (e *Engine) SetConfiguration(oldId uint64, newServers []model.Server) (Result, error) {
	e.mu.Lock()
	if e.terminating {
		e.mu.Unlock()
		return Shutdown, ErrShutdown
	}
	if e.role != Leader {
		e.mu.Unlock()
		return NotLeader, ErrNotLeader
	}
	if e.stableIndex != oldId {
		e.mu.Unlock()
		return ConfigurationChanged, ErrConfigurationChanged
	}
	if e.configChangeInFlight {
		e.mu.Unlock()
		return Retry, ErrRetry
	}
	e.configChangeInFlight = true
	oldServers := append([]model.Server(nil), e.activeConfig.Simple()...)
	term := e.currentTerm
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.configChangeInFlight = false
		e.mu.Unlock()
	}()

	bad := e.catchUpNewServers(term, oldServers, newServers)
	if len(bad) > 0 {
		return ConfigurationBad, &ConfigurationBadError{BadServers: bad}
	}

	e.mu.Lock()
	if e.terminating || e.role != Leader || e.currentTerm != term {
		e.mu.Unlock()
		return NotLeader, ErrNotLeader
	}
	transitional := model.Configuration{Transitional: true, Old: oldServers, New: newServers}
	payload, err := encodeConfiguration(transitional)
	if err != nil {
		e.mu.Unlock()
		return Retry, err
	}
	transIndex := e.lastLogIndexLocked() + 1
	entry := model.Entry{Index: transIndex, Term: term, Type: model.EntryConfiguration, Payload: payload}
	if err := e.appendLocalLocked([]model.Entry{entry}); err != nil {
		e.mu.Unlock()
		return Retry, err
	}
	for _, s := range newServers {
		if s.Id == e.id {
			continue
		}
		if _, ok := e.peers[s.Id]; !ok {
			p := e.addPeerLocked(s, e.lastLogIndexLocked()+1, true)
			e.startPeerLocked(p)
		} else {
			e.peers[s.Id].voting = true
		}
	}
	deadline := e.clock.Now().Add(2 * e.cfg.ElectionTimeout)
	ok := e.waitLocked(deadline, func() bool {
		return e.commitIndex >= transIndex || e.role != Leader || e.currentTerm != term
	})
	if e.terminating {
		e.mu.Unlock()
		return Shutdown, ErrShutdown
	}
	if !ok || e.commitIndex < transIndex || e.role != Leader || e.currentTerm != term {
		e.mu.Unlock()
		return Retry, ErrRetry
	}

	simple := model.Configuration{Old: newServers}
	payload, err = encodeConfiguration(simple)
	if err != nil {
		e.mu.Unlock()
		return Retry, err
	}
	finalIndex := e.lastLogIndexLocked() + 1
	entry = model.Entry{Index: finalIndex, Term: term, Type: model.EntryConfiguration, Payload: payload}
	if err := e.appendLocalLocked([]model.Entry{entry}); err != nil {
		e.mu.Unlock()
		return Retry, err
	}
	ok = e.waitLocked(deadline, func() bool {
		return e.commitIndex >= finalIndex || e.role != Leader || e.currentTerm != term
	})
	if e.terminating {
		e.mu.Unlock()
		return Shutdown, ErrShutdown
	}
	if !ok || e.commitIndex < finalIndex {
		e.mu.Unlock()
		return Retry, ErrRetry
	}

	if e.role == Leader && e.currentTerm == term && !simple.IsVoter(e.id) {
		e.logger.Info("stepping down: no longer in committed configuration")
		e.becomeFollowerLocked(term)
	}
	e.mu.Unlock()
	return Success, nil
}

// catchUpNewServers implements spec §4.6 step 1: shadow-replicate to every
// new server (without counting it in quorums) until it is within one
// election timeout of the log head, bounded to catchUpRounds attempts.
func (e *Engine) catchUpNewServers(term uint64, oldServers, newServers []model.Server) []model.ServerId {
	pending := make(map[model.ServerId]model.Server)
	oldIds := make(map[model.ServerId]bool)
	for _, s := range oldServers {
		oldIds[s.Id] = true
	}
	for _, s := range newServers {
		if !oldIds[s.Id] {
			pending[s.Id] = s
		}
	}
	if len(pending) == 0 {
		return nil
	}

	nextIndex := make(map[model.ServerId]uint64, len(pending))
	for id := range pending {
		nextIndex[id] = 1
	}

	var bad []model.ServerId
	for round := 0; round < catchUpRounds && len(pending) > 0; round++ {
		for id, s := range pending {
			e.mu.Lock()
			if e.terminating || e.role != Leader || e.currentTerm != term {
				e.mu.Unlock()
				return idsOf(pending)
			}
			lastIndex := e.lastLogIndexLocked()
			commitIndex := e.commitIndex
			from := nextIndex[id]
			prevIndex := from - 1
			prevTerm, perr := e.termAtLocked(prevIndex)
			entries := e.batchFromLocked(from)
			e.mu.Unlock()
			if perr != nil {
				e.logger.Debug("catch-up: read prevLogTerm failed", slog.Uint64("peer", uint64(id)), slog.Any("error", perr))
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ElectionTimeout)
			resp, err := e.transport.AppendEntries(ctx, s.Addresses, &model.AppendEntriesRequest{
				Term:         term,
				ServerId:     e.id,
				RecipientId:  id,
				PrevLogIndex: prevIndex,
				PrevLogTerm:  prevTerm,
				Entries:      entries,
				CommitIndex:  commitIndex,
			})
			cancel()
			if err != nil {
				e.logger.Debug("catch-up probe failed", slog.Uint64("peer", uint64(id)), slog.Any("error", err))
				continue
			}
			switch resp.Status {
			case model.AppendOK:
				if len(entries) > 0 {
					nextIndex[id] = entries[len(entries)-1].Index + 1
				} else if resp.LastLogIndex+1 > nextIndex[id] {
					nextIndex[id] = resp.LastLogIndex + 1
				}
			default:
				next := resp.LastLogIndex + 1
				if next < 1 {
					next = 1
				}
				nextIndex[id] = next
				continue
			}
			// "Within one election timeout of the log head" has no direct
			// index measure; a batch's worth of entries is a reasonable
			// proxy since the replicator sends MaxEntriesPerAppend per RPC.
			if nextIndex[id]+uint64(e.cfg.MaxEntriesPerAppend) > lastIndex {
				delete(pending, id)
			}
		}
	}
	for id := range pending {
		bad = append(bad, id)
	}
	return bad
}

func idsOf(m map[model.ServerId]model.Server) []model.ServerId {
	out := make([]model.ServerId, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// GetConfiguration implements spec §4.6/§4.7: the latest committed simple
// configuration and its index.
func (e *Engine) GetConfiguration() (Result, uint64, []model.Server) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating {
		return Shutdown, 0, nil
	}
	if e.stableIndex == 0 {
		if e.role == Leader {
			return Retry, 0, nil
		}
		return NotLeader, 0, nil
	}
	return Success, e.stableIndex, append([]model.Server(nil), e.stableConfig.Simple()...)
}
