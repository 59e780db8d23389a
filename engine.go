// Package raft is the consensus engine described in spec §2/§4: a single
// state machine per server that coordinates leader election, log
// replication, commit-index advancement, joint-consensus membership
// changes, and snapshot installation. It is the center of this module —
// everything else (clock, storage, snapshot, transport, rpcservice) exists
// to give this package durable state and a way to talk to peers.
//
// Grounded on liblogcabin's Raft::RaftConsensus (see original_source) for
// the shape of the state machine, and on the teacher's server.go/state.go
// for how a small Go Raft skeleton structures the same ideas (a single
// mutex, atomics for hot fields, a durable state cell).
package raft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jgalecki/raft/clock"
	"github.com/jgalecki/raft/internal/logging"
	"github.com/jgalecki/raft/model"
	"github.com/jgalecki/raft/snapshot"
	"github.com/jgalecki/raft/storage"
)

// Role is the engine's position in the Raft role state machine (spec
// §4.1).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Transport is the capability the engine needs from the RPC layer. It is
// satisfied by *transport.Transport; kept as an interface here so the
// engine can be driven by a fake in tests without opening real sockets.
type Transport interface {
	AppendEntries(ctx context.Context, addr string, req *model.AppendEntriesRequest) (*model.AppendEntriesResponse, error)
	RequestVote(ctx context.Context, addr string, req *model.RequestVoteRequest) (*model.RequestVoteResponse, error)
	InstallSnapshot(ctx context.Context, addr string, req *model.InstallSnapshotRequest) (*model.InstallSnapshotResponse, error)
}

// Config bundles the options read from the host's configuration (spec §6)
// that the engine itself needs.
type Config struct {
	ServerId            model.ServerId
	Addresses           string
	ElectionTimeout     time.Duration
	HeartbeatPeriod     time.Duration
	MaxEntriesPerAppend int
	MaxBytesPerAppend   int
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = c.ElectionTimeout / 5
	}
	if c.MaxEntriesPerAppend <= 0 {
		c.MaxEntriesPerAppend = 256
	}
	if c.MaxBytesPerAppend <= 0 {
		c.MaxBytesPerAppend = 1 << 20
	}
	return c
}

// peerProgress is the leader's view of one other active-view member (spec
// §3, "Per-peer progress"). Looked up by ServerId rather than held as a
// back-pointer from the replicator goroutine, per spec §9 ("Cyclic
// references").
type peerProgress struct {
	id   model.ServerId
	addr string

	nextIndex     uint64
	matchIndex    uint64
	lastHeartbeat time.Time
	rpcInFlight   bool
	backoffUntil  time.Time
	backoffAttempt int

	// ackedThisEpoch is cleared at the start of each heartbeat epoch and
	// set when this peer's AppendEntries reply is seen for that epoch; it
	// drives the stepDownDeadline quorum check (spec §4.4).
	ackedThisEpoch bool

	cmdCh chan peerCommand
	// voting is set to true for every peer added. Quorum decisions read
	// the active configuration, not this flag, and SetConfiguration's
	// catch-up phase tracks new servers outside peerProgress.
	voting bool

	// Outbound InstallSnapshot transfer state, used only while nextIndex
	// has fallen behind the leader's retained log prefix.
	snapReader      snapshot.Reader
	snapHeader      snapshot.Header
	snapOffset      uint64
	snapPending     []byte
	snapPendingDone bool
}

type peerCommand int

const (
	peerStart peerCommand = iota
	peerNudge
	peerStop
)

// Engine is one server's Raft state machine. All of its fields below mu
// must only be touched while holding mu; see spec §5 for the full
// concurrency model.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond // bound to mu; broadcast on any role/term/commit/config change

	log       storage.Log
	snapshots snapshot.Store
	transport Transport
	clock     clock.Source
	logger    *slog.Logger

	id        model.ServerId
	addresses string
	cfg       Config

	role        Role
	currentTerm uint64
	votedFor    model.ServerId
	leaderHint  string

	commitIndex uint64
	lastApplied uint64
	currentEpoch uint64

	// activeConfig/activeIndex is the latest CONFIGURATION entry in the
	// log at any index (spec's "Active configuration"). stableConfig is
	// the latest committed simple one.
	activeConfig  model.Configuration
	activeIndex   uint64
	stableConfig  model.Configuration
	stableIndex   uint64

	peers map[model.ServerId]*peerProgress

	electionTimer  clock.Timer
	heartbeatTimer clock.Timer
	stepDownDeadline time.Time

	terminating bool
	exitOnce    sync.Once
	wg          sync.WaitGroup

	commitCh   chan []model.Entry
	subscriber func([]model.Entry)
	subMu      sync.Mutex

	// restoreCh carries lastIncludedIndex whenever a follower's local
	// state was jumped forward by a completed InstallSnapshot (spec
	// §4.5/§4.7, "restore from snapshot" signal).
	restoreCh         chan uint64
	restoreSubscriber func(uint64)

	// snapStaging/snapStagingOffset track an in-progress inbound
	// InstallSnapshot transfer (spec §4.5).
	snapStaging       snapshot.Writer
	snapStagingOffset uint64

	// configChangeInFlight tracks an in-progress setConfiguration call so
	// a second caller gets RETRY rather than racing the first.
	configChangeInFlight bool

	bootstrapped bool
}

// New constructs an Engine over the given durable log, snapshot store, and
// transport. It recovers persisted state but does not start timers; call
// Start to begin participating in the cluster.
func New(cfg Config, log storage.Log, snapshots snapshot.Store, transport Transport, logger *slog.Logger) (*Engine, error) {
	if cfg.ServerId == 0 {
		return nil, fmt.Errorf("%w: serverId must be nonzero", ErrInvalidArg)
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Get()
	}
	e := &Engine{
		log:        log,
		snapshots:  snapshots,
		transport:  transport,
		clock:      clock.Real{},
		logger:     logger.With(slog.Uint64("server", uint64(cfg.ServerId))),
		id:         cfg.ServerId,
		addresses:  cfg.Addresses,
		cfg:        cfg,
		role:       Follower,
		peers:      make(map[model.ServerId]*peerProgress),
		commitCh:   make(chan []model.Entry, 256),
		restoreCh:  make(chan uint64, 4),
	}
	e.cond = sync.NewCond(&e.mu)

	meta := log.Metadata()
	e.currentTerm = meta.CurrentTerm
	e.votedFor = meta.VotedFor
	e.commitIndex = meta.LastSnapshotIndex
	e.stableConfig = meta.LastSnapshotConfiguration
	e.stableIndex = meta.LastSnapshotConfigurationIndex
	e.activeConfig = meta.LastSnapshotConfiguration
	e.activeIndex = meta.LastSnapshotConfigurationIndex

	if err := e.recoverConfigurationFromLog(); err != nil {
		return nil, err
	}
	return e, nil
}

// Start begins the commit-notification worker and the election timer. Must
// be called at most once.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.commitWorker()
	e.wg.Add(1)
	go e.restoreWorker()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetElectionTimerLocked()
}

// restoreWorker delivers restore-from-snapshot signals to the host's
// subscriber, one at a time and off the engine lock, mirroring
// commitWorker's fan-out discipline.
func (e *Engine) restoreWorker() {
	defer e.wg.Done()
	for index := range e.restoreCh {
		e.subMu.Lock()
		fn := e.restoreSubscriber
		e.subMu.Unlock()
		if fn != nil {
			fn(index)
		}
	}
}

// recoverConfigurationFromLog scans the log from the snapshot's
// configuration forward, as required by spec §3 ("Configuration state on
// each server is computed by scanning the log...").
func (e *Engine) recoverConfigurationFromLog() error {
	first := e.log.FirstIndex()
	last := e.log.LastIndex()
	for idx := first; idx <= last; idx++ {
		entry, err := e.log.Entry(idx)
		if err != nil {
			return fmt.Errorf("raft: recover configuration: %w", err)
		}
		if entry.Type != model.EntryConfiguration {
			continue
		}
		cfg, err := decodeConfiguration(entry.Payload)
		if err != nil {
			return fmt.Errorf("raft: recover configuration at %d: %w", idx, err)
		}
		e.activeConfig = cfg
		e.activeIndex = idx
		if idx <= e.commitIndex && !cfg.Transitional {
			e.stableConfig = cfg
			e.stableIndex = idx
		}
	}
	return nil
}

func (e *Engine) resetElectionTimerLocked() {
	d := clock.RandomDuration(e.cfg.ElectionTimeout)
	if e.electionTimer == nil {
		e.electionTimer = e.clock.AfterFunc(d, e.onElectionTimeout)
	} else {
		e.electionTimer.Reset(d)
	}
}

// Exit shuts the engine down: cancels timers, stops every peer replicator,
// wakes every waiter with Shutdown, and waits for background work to
// drain. Subsequent entry-point calls return ErrShutdown (spec §5,
// "Cancellation & timeouts").
func (e *Engine) Exit() {
	e.exitOnce.Do(func() {
		e.mu.Lock()
		e.terminating = true
		if e.electionTimer != nil {
			e.electionTimer.Stop()
		}
		if e.heartbeatTimer != nil {
			e.heartbeatTimer.Stop()
		}
		for _, p := range e.peers {
			e.stopPeerLocked(p)
		}
		e.cond.Broadcast()
		e.mu.Unlock()

		close(e.commitCh)
		close(e.restoreCh)
		e.wg.Wait()
	})
}

func (e *Engine) stopPeerLocked(p *peerProgress) {
	select {
	case p.cmdCh <- peerStop:
	default:
		go func() { p.cmdCh <- peerStop }()
	}
}

// waitLocked blocks on the engine's condition variable until pred returns
// true, the deadline passes, or the engine shuts down. Must be called with
// mu held; returns with mu held. Tolerates spurious wakeups per spec §5.
func (e *Engine) waitLocked(deadline time.Time, pred func() bool) bool {
	for !pred() && !e.terminating {
		if deadline.IsZero() {
			e.cond.Wait()
			continue
		}
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return pred()
		}
		timer := time.AfterFunc(remaining, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		e.cond.Wait()
		timer.Stop()
	}
	return pred()
}
