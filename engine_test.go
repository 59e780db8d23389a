package raft

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgalecki/raft/model"
	"github.com/jgalecki/raft/snapshot"
	"github.com/jgalecki/raft/storage"
)

// fakeTransport wires a set of in-process engines together without any
// real network I/O, so cluster tests run fast and deterministically.
type fakeTransport struct {
	mu    sync.Mutex
	peers map[string]*Engine
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{peers: make(map[string]*Engine)}
}

func (f *fakeTransport) register(addr string, e *Engine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[addr] = e
}

func (f *fakeTransport) engineAt(addr string) (*Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.peers[addr]
	if !ok {
		return nil, errors.New("fakeTransport: no peer at " + addr)
	}
	return e, nil
}

func (f *fakeTransport) AppendEntries(ctx context.Context, addr string, req *model.AppendEntriesRequest) (*model.AppendEntriesResponse, error) {
	e, err := f.engineAt(addr)
	if err != nil {
		return nil, err
	}
	return e.HandleAppendEntries(req), nil
}

func (f *fakeTransport) RequestVote(ctx context.Context, addr string, req *model.RequestVoteRequest) (*model.RequestVoteResponse, error) {
	e, err := f.engineAt(addr)
	if err != nil {
		return nil, err
	}
	return e.HandleRequestVote(req), nil
}

func (f *fakeTransport) InstallSnapshot(ctx context.Context, addr string, req *model.InstallSnapshotRequest) (*model.InstallSnapshotResponse, error) {
	e, err := f.engineAt(addr)
	if err != nil {
		return nil, err
	}
	return e.HandleInstallSnapshot(req), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestCluster builds n engines sharing one fakeTransport, all using
// fast timeouts so tests don't need to wait long for elections/heartbeats.
func newTestCluster(t *testing.T, n int) ([]*Engine, *fakeTransport) {
	tp := newFakeTransport()
	engines := make([]*Engine, n)
	for i := 0; i < n; i++ {
		id := model.ServerId(i + 1)
		addr := addrFor(id)
		log := storage.NewMemory()
		snaps := snapshot.NewMemoryStore()
		e, err := New(Config{
			ServerId:        id,
			Addresses:       addr,
			ElectionTimeout: 60 * time.Millisecond,
			HeartbeatPeriod: 12 * time.Millisecond,
		}, log, snaps, tp, testLogger(t))
		require.NoError(t, err)
		engines[i] = e
		tp.register(addr, e)
	}
	for _, e := range engines {
		e.Start()
	}
	t.Cleanup(func() {
		for _, e := range engines {
			e.Exit()
		}
	})
	return engines, tp
}

func addrFor(id model.ServerId) string {
	return "fake://" + string(rune('a'+int(id)))
}

func serversFor(engines []*Engine) []model.Server {
	var out []model.Server
	for _, e := range engines {
		out = append(out, model.Server{Id: e.id, Addresses: e.addresses})
	}
	return out
}

func findLeader(engines []*Engine) *Engine {
	for _, e := range engines {
		e.mu.Lock()
		role := e.role
		e.mu.Unlock()
		if role == Leader {
			return e
		}
	}
	return nil
}

func TestBootstrapSingleNodeCommitsInstantly(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]
	require.NoError(t, e.BootstrapConfiguration())

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.role == Leader
	}, time.Second, time.Millisecond)

	result, index := e.Replicate([]byte("hello"))
	assert.Equal(t, Success, result)
	// index 1 is the bootstrap configuration entry, index 2 the new
	// leader's NOOP; this DATA entry lands at index 3.
	assert.Equal(t, uint64(3), index)
}

func TestReplicateAndCommitAcrossCluster(t *testing.T) {
	engines, _ := newTestCluster(t, 3)
	require.NoError(t, engines[0].BootstrapConfiguration())

	require.Eventually(t, func() bool {
		return findLeader(engines) != nil
	}, time.Second, time.Millisecond)

	leader := findLeader(engines)
	// The bootstrap configuration entry sits at index 1, so that is the
	// stable configuration's id.
	result, err := leader.SetConfiguration(1, serversFor(engines))
	require.NoError(t, err)
	assert.Equal(t, Success, result)

	var delivered [][]model.Entry
	var mu sync.Mutex
	for _, e := range engines {
		e.SubscribeToCommittedEntries(func(batch []model.Entry) {
			mu.Lock()
			delivered = append(delivered, batch)
			mu.Unlock()
		})
	}

	const n = 50
	for i := 0; i < n; i++ {
		leader = findLeader(engines)
		require.NotNil(t, leader)
		result, _ := leader.Replicate([]byte{byte(i)})
		if result != Success {
			// A step-down mid-run is acceptable; retry against whichever
			// engine is leader now.
			i--
			continue
		}
	}

	require.Eventually(t, func() bool {
		for _, e := range engines {
			res, idx := e.GetLastCommitIndex()
			if res == Success && idx >= uint64(n) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleAppendEntriesRejectsStaleTerm(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]
	e.mu.Lock()
	e.currentTerm = 5
	e.mu.Unlock()

	resp := e.HandleAppendEntries(&model.AppendEntriesRequest{Term: 3, ServerId: 99})
	assert.Equal(t, model.AppendTermStale, resp.Status)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestHandleAppendEntriesRejectsWrongRecipient(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]

	resp := e.HandleAppendEntries(&model.AppendEntriesRequest{Term: 1, ServerId: 2, RecipientId: 999})
	assert.Equal(t, model.AppendLogMismatch, resp.Status)
}

func TestHandleRequestVotePersistsVote(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]

	resp := e.HandleRequestVote(&model.RequestVoteRequest{Term: 1, ServerId: 7})
	assert.True(t, resp.Granted)

	meta := e.log.Metadata()
	assert.Equal(t, uint64(1), meta.CurrentTerm)
	assert.Equal(t, model.ServerId(7), meta.VotedFor)
}

func TestHandleRequestVoteRejectsSecondVoteInSameTerm(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]

	first := e.HandleRequestVote(&model.RequestVoteRequest{Term: 1, ServerId: 7})
	require.True(t, first.Granted)

	second := e.HandleRequestVote(&model.RequestVoteRequest{Term: 1, ServerId: 8})
	assert.False(t, second.Granted)
}

func TestReplicateFailsWhenNotLeader(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]
	// Without bootstrapping, this server has no configuration naming it as
	// a voter and never becomes a candidate, so it stays a follower.
	result, _ := e.Replicate([]byte("x"))
	assert.Equal(t, NotLeader, result)
}

func TestExitIsIdempotentAndRejectsLaterCalls(t *testing.T) {
	engines, _ := newTestCluster(t, 1)
	e := engines[0]
	require.NoError(t, e.BootstrapConfiguration())
	e.Exit()
	e.Exit() // must not panic or double-close channels

	result, _ := e.Replicate([]byte("x"))
	assert.Equal(t, Shutdown, result)
}
