// Package transport implements the RPC transport described in spec §2/§6:
// typed outbound request/reply for the three peer RPCs (AppendEntries,
// RequestVote, InstallSnapshot) and for the client RPC VerifyRecipient.
// The other client RPCs (GetServerInfo, GetConfiguration,
// SetConfiguration) are served through the registered service but have no
// typed outbound call here. It delivers
// messages at most once per call, with no ordering guarantee between calls
// (the engine itself enforces per-peer ordering; see spec §5).
//
// Grounded on the teacher's use of github.com/smallnest/rpcx for both
// server and client sides, with a msgpack wire codec (the teacher persists
// state with msgpack; this module also puts it on the wire).
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	rpcxclient "github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/protocol"
	rpcxserver "github.com/smallnest/rpcx/server"

	"github.com/jgalecki/raft/internal/logging"
	"github.com/jgalecki/raft/model"
)

// ServiceName is the rpcx service name every server registers its RPC
// handlers under.
const ServiceName = "Raft"

// PeerService is implemented by rpcservice.Raft and registered with the
// local rpcx server; the transport only knows about it as an opaque
// rpcx-registerable value.
type PeerService any

// Transport binds a local rpcx server to one or more listen addresses and
// maintains a pool of outbound client connections to peers.
type Transport struct {
	server *rpcxserver.Server

	// clientTTL bounds how long an idle outbound connection is kept
	// before the pool closes it; grounded on github.com/patrickmn/go-cache
	// (present in the teacher's transitive dependency set) repurposed here
	// as the peer-client connection pool's expiration policy.
	pool *cache.Cache

	dialTimeout time.Duration
	maxThreads  int
}

// MaxThreads returns the configured RPC worker pool size (spec §6,
// `maxThreads`), for callers (rpcservice) that want to bound their own
// handler concurrency to match.
func (t *Transport) MaxThreads() int { return t.maxThreads }

// Options configures a Transport.
type Options struct {
	// MaxThreads is the configured RPC worker pool size (spec §6,
	// `maxThreads`), reported by Transport.MaxThreads. The rpcx server is
	// created with its default worker settings; this value does not bound
	// it.
	MaxThreads int
	// ClientIdleTTL is how long an unused outbound client connection is
	// kept in the pool before being closed. Defaults to 10 minutes.
	ClientIdleTTL time.Duration
	// DialTimeout bounds how long establishing a new outbound connection
	// may take. Defaults to 2s.
	DialTimeout time.Duration
}

// New constructs a Transport. Call Listen to bind and start serving.
func New(opts Options) *Transport {
	ttl := opts.ClientIdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	pool := cache.New(ttl, ttl/2)
	pool.OnEvicted(func(addr string, v any) {
		if xc, ok := v.(rpcxclient.XClient); ok {
			_ = xc.Close()
		}
	})
	maxThreads := opts.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 16
	}
	return &Transport{
		server:      rpcxserver.NewServer(),
		pool:        pool,
		dialTimeout: dialTimeout,
		maxThreads:  maxThreads,
	}
}

// RegisterService registers svc's exported methods as the Raft rpcx
// service, mirroring the teacher's Server.startRPCServer. svc's concrete
// type must be named ServiceName ("Raft") since rpcx derives the service
// name from the receiver's reflected type name, matching what clientFor's
// NewXClient(ServiceName, ...) dials by.
func (t *Transport) RegisterService(svc PeerService) error {
	return t.server.Register(svc, "")
}

// Listen starts serving on addr. Listen itself returns once the listener
// is bound; serving continues on a background goroutine until Close.
func (t *Transport) Listen(addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.server.Serve("tcp", addr)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("transport: serve %s: %w", addr, err)
	case <-time.After(50 * time.Millisecond):
		// rpcx's Serve blocks for the listener's lifetime; give bind
		// failures a short window to surface before declaring success.
		return nil
	}
}

// Close shuts down the local server and every pooled outbound client.
func (t *Transport) Close() error {
	t.pool.Flush()
	return t.server.Close()
}

// clientFor returns a pooled XClient to addr, dialing lazily and caching
// the result with the pool's TTL.
func (t *Transport) clientFor(addr string) (rpcxclient.XClient, error) {
	if v, ok := t.pool.Get(addr); ok {
		// Re-store on every use so the TTL counts idle time only.
		t.pool.Set(addr, v, cache.DefaultExpiration)
		return v.(rpcxclient.XClient), nil
	}
	d, err := rpcxclient.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil, fmt.Errorf("transport: discover %s: %w", addr, err)
	}
	option := rpcxclient.DefaultOption
	option.SerializeType = rpcxclientMsgpackType
	option.ConnectTimeout = t.dialTimeout
	xc := rpcxclient.NewXClient(ServiceName, rpcxclient.Failtry, rpcxclient.RandomSelect, d, option)
	t.pool.Set(addr, xc, cache.DefaultExpiration)
	return xc, nil
}

// call invokes method on addr via the pool, honoring ctx's deadline as the
// RPC's own (spec §5, "Cancellation & timeouts"). A context cancellation is
// surfaced as an error, which callers treat as a transport failure and feed
// into backoff.
func (t *Transport) call(ctx context.Context, addr, method string, req, resp any) error {
	xc, err := t.clientFor(addr)
	if err != nil {
		return err
	}
	if err := xc.Call(ctx, method, req, resp); err != nil {
		logging.Get().Debug("rpc call failed", "addr", addr, "method", method, "error", err.Error())
		t.pool.Delete(addr)
		_ = xc.Close()
		return fmt.Errorf("transport: call %s@%s: %w", method, addr, err)
	}
	return nil
}

// AppendEntries sends an AppendEntries RPC to addr.
func (t *Transport) AppendEntries(ctx context.Context, addr string, req *model.AppendEntriesRequest) (*model.AppendEntriesResponse, error) {
	resp := new(model.AppendEntriesResponse)
	if err := t.call(ctx, addr, "AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RequestVote sends a RequestVote RPC to addr.
func (t *Transport) RequestVote(ctx context.Context, addr string, req *model.RequestVoteRequest) (*model.RequestVoteResponse, error) {
	resp := new(model.RequestVoteResponse)
	if err := t.call(ctx, addr, "RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot sends one chunk of an InstallSnapshot RPC to addr.
func (t *Transport) InstallSnapshot(ctx context.Context, addr string, req *model.InstallSnapshotRequest) (*model.InstallSnapshotResponse, error) {
	resp := new(model.InstallSnapshotResponse)
	if err := t.call(ctx, addr, "InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyRecipient sends a client VerifyRecipient RPC to addr.
func (t *Transport) VerifyRecipient(ctx context.Context, addr string, req *model.VerifyRecipientRequest) (*model.VerifyRecipientResponse, error) {
	resp := new(model.VerifyRecipientResponse)
	if err := t.call(ctx, addr, "VerifyRecipient", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// rpcxclientMsgpackType selects rpcx's built-in msgpack codec so the wire
// format matches the teacher's choice of serializer for persisted state.
const rpcxclientMsgpackType = protocol.MsgPack
