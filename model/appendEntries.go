package model

// AppendEntriesStatus is the three-way follower verdict from §6: a plain
// boolean loses the information the leader needs to fast-backup nextIndex.
type AppendEntriesStatus uint8

const (
	AppendOK AppendEntriesStatus = iota
	AppendTermStale
	AppendLogMismatch
)

// AppendEntriesRequest is sent by a leader to replicate entries or, with an
// empty Entries slice, as a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64   `msgpack:"term"`
	ServerId     ServerId `msgpack:"serverId"`
	RecipientId  ServerId `msgpack:"recipientId,omitempty"`
	PrevLogIndex uint64   `msgpack:"prevLogIndex"`
	PrevLogTerm  uint64   `msgpack:"prevLogTerm"`
	Entries      []Entry  `msgpack:"entries"`
	CommitIndex  uint64   `msgpack:"commitIndex"`
}

// AppendEntriesResponse carries enough information for the leader to
// converge nextIndex in O(terms) rather than O(entries): see §4.3.
type AppendEntriesResponse struct {
	Term               uint64              `msgpack:"term"`
	Status             AppendEntriesStatus `msgpack:"status"`
	LastLogIndex       uint64              `msgpack:"lastLogIndex"`
	ServerCapabilities uint32              `msgpack:"serverCapabilities,omitempty"`
}
