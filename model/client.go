package model

// ClientErrorCode enumerates the error taxonomy of §7 as it crosses the
// client RPC boundary.
type ClientErrorCode uint8

const (
	ClientErrorNone ClientErrorCode = iota
	ClientErrorNotLeader
	ClientErrorRetry
	ClientErrorConfigurationChanged
	ClientErrorConfigurationBad
	ClientErrorInvalidRequest
	ClientErrorShutdown
	ClientErrorInvalidService
)

// ClientError is returned alongside NOT_LEADER/RETRY/etc. client results; a
// non-empty LeaderHint helps the caller reconnect to the current leader.
type ClientError struct {
	Code        ClientErrorCode `msgpack:"code"`
	LeaderHint  string          `msgpack:"leaderHint,omitempty"`
	BadServers  []ServerId      `msgpack:"badServers,omitempty"`
	Message     string          `msgpack:"message,omitempty"`
}

func (e *ClientError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// GetServerInfoRequest has no fields: it is answered from local identity.
type GetServerInfoRequest struct{}

// GetServerInfoResponse answers "who are you" — used by clients to detect
// they have reconnected to a different peer than they expected.
type GetServerInfoResponse struct {
	ServerId  ServerId `msgpack:"serverId"`
	Addresses string   `msgpack:"addresses"`
}

// GetConfigurationRequest has no fields.
type GetConfigurationRequest struct{}

// GetConfigurationResponse returns the latest committed simple
// configuration and the log index at which it was appended.
type GetConfigurationResponse struct {
	Id      uint64   `msgpack:"id"`
	Servers []Server `msgpack:"servers"`
}

// SetConfigurationRequest requests a membership change, guarded by OldId:
// the call fails with CONFIGURATION_CHANGED if the current stable
// configuration's id does not match.
type SetConfigurationRequest struct {
	OldId      uint64   `msgpack:"oldId"`
	NewServers []Server `msgpack:"newServers"`
}

// SetConfigurationResponse is empty on success; failures are surfaced as a
// *ClientError via the RPC transport's error channel.
type SetConfigurationResponse struct{}

// VerifyRecipientRequest optionally names the server the client believes it
// is talking to.
type VerifyRecipientRequest struct {
	ServerId ServerId `msgpack:"serverId,omitempty"`
}

// VerifyRecipientResponse confirms or denies the client's assumption.
type VerifyRecipientResponse struct {
	ServerId ServerId `msgpack:"serverId"`
	Ok       bool     `msgpack:"ok"`
	Error    string   `msgpack:"error,omitempty"`
}
