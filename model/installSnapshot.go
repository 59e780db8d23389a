package model

// InstallSnapshotRequest transfers a chunk of a leader's snapshot to a
// follower that has fallen too far behind for log replication alone to
// catch it up. Offset/Data/Done implement simple byte-range chunking: the
// follower rejects a request whose Offset doesn't match its staged size,
// letting the leader resume from the right place (§4.5).
type InstallSnapshotRequest struct {
	Term                      uint64        `msgpack:"term"`
	ServerId                  ServerId      `msgpack:"serverId"`
	LastIncludedIndex         uint64        `msgpack:"lastIncludedIndex"`
	LastIncludedTerm          uint64        `msgpack:"lastIncludedTerm"`
	LastIncludedConfiguration Configuration `msgpack:"lastIncludedConfiguration"`
	Offset                    uint64        `msgpack:"offset"`
	Data                      []byte        `msgpack:"data"`
	Done                      bool          `msgpack:"done"`
}

// InstallSnapshotResponse reports how many bytes the follower has staged so
// far, letting the leader detect and correct offset drift.
type InstallSnapshotResponse struct {
	Term        uint64 `msgpack:"term"`
	BytesStored uint64 `msgpack:"bytesStored"`
}
