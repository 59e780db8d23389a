// Package rpcservice is the host adapter described in spec §2/§4.8: it
// binds the transport's rpcx server to the engine, decoding peer and
// client RPCs and invoking engine entry points, and otherwise does no
// decision-making of its own.
//
// Grounded on the teacher's handlers.go: each exported method has the
// rpcx-callable shape func(ctx, req, *resp) error, dispatched by the
// registered receiver's name ("Raft", per transport.ServiceName).
package rpcservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/jgalecki/raft"
	"github.com/jgalecki/raft/model"
)

// Raft is the rpcx-registered receiver for both the peer RPCs
// (AppendEntries, RequestVote, InstallSnapshot) and the client RPCs
// (GetServerInfo, GetConfiguration, SetConfiguration, VerifyRecipient).
// Its type name is load-bearing: rpcx derives the service name clients
// dial ("Raft") from it.
type Raft struct {
	engine *raft.Engine
}

// New wraps engine for RPC dispatch.
func New(engine *raft.Engine) *Raft {
	return &Raft{engine: engine}
}

func (r *Raft) AppendEntries(ctx context.Context, req *model.AppendEntriesRequest, resp *model.AppendEntriesResponse) error {
	out := r.engine.HandleAppendEntries(req)
	*resp = *out
	return nil
}

func (r *Raft) RequestVote(ctx context.Context, req *model.RequestVoteRequest, resp *model.RequestVoteResponse) error {
	out := r.engine.HandleRequestVote(req)
	*resp = *out
	return nil
}

func (r *Raft) InstallSnapshot(ctx context.Context, req *model.InstallSnapshotRequest, resp *model.InstallSnapshotResponse) error {
	out := r.engine.HandleInstallSnapshot(req)
	*resp = *out
	return nil
}

func (r *Raft) GetServerInfo(ctx context.Context, req *model.GetServerInfoRequest, resp *model.GetServerInfoResponse) error {
	id, addrs := r.engine.ServerInfo()
	resp.ServerId = id
	resp.Addresses = addrs
	return nil
}

func (r *Raft) GetConfiguration(ctx context.Context, req *model.GetConfigurationRequest, resp *model.GetConfigurationResponse) error {
	result, id, servers := r.engine.GetConfiguration()
	if result != raft.Success {
		return &model.ClientError{Code: resultToClientErrorCode(result), LeaderHint: r.engine.LeaderHint()}
	}
	resp.Id = id
	resp.Servers = servers
	return nil
}

func (r *Raft) SetConfiguration(ctx context.Context, req *model.SetConfigurationRequest, resp *model.SetConfigurationResponse) error {
	result, err := r.engine.SetConfiguration(req.OldId, req.NewServers)
	if err == nil {
		return nil
	}
	clientErr := &model.ClientError{Code: resultToClientErrorCode(result), Message: err.Error(), LeaderHint: r.engine.LeaderHint()}
	var badErr *raft.ConfigurationBadError
	if errors.As(err, &badErr) {
		for _, id := range badErr.BadServers {
			clientErr.BadServers = append(clientErr.BadServers, id)
		}
	}
	return clientErr
}

func (r *Raft) VerifyRecipient(ctx context.Context, req *model.VerifyRecipientRequest, resp *model.VerifyRecipientResponse) error {
	id, _ := r.engine.ServerInfo()
	resp.ServerId = id
	resp.Ok = req.ServerId == 0 || req.ServerId == id
	if !resp.Ok {
		resp.Error = fmt.Sprintf("server id mismatch: request intended for %d, this server is %d", req.ServerId, id)
	}
	return nil
}

func resultToClientErrorCode(r raft.Result) model.ClientErrorCode {
	switch r {
	case raft.NotLeader:
		return model.ClientErrorNotLeader
	case raft.Retry:
		return model.ClientErrorRetry
	case raft.ConfigurationChanged:
		return model.ClientErrorConfigurationChanged
	case raft.ConfigurationBad:
		return model.ClientErrorConfigurationBad
	case raft.Shutdown:
		return model.ClientErrorShutdown
	default:
		return model.ClientErrorInvalidRequest
	}
}
