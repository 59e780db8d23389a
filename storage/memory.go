package storage

import (
	"sync"

	"github.com/jgalecki/raft/model"
)

// Memory is the in-process, non-durable Log backend used for tests and for
// `use-temporary-storage`. It satisfies the Log interface's durability
// contract trivially: there is nothing to fsync.
type Memory struct {
	mu sync.RWMutex

	entries []model.Entry // index 0 holds entries[0].Index == firstIndex
	meta    Metadata
}

// NewMemory returns an empty Memory log.
func NewMemory() *Memory {
	return &Memory{meta: Metadata{LastSnapshotIndex: 0, LastSnapshotTerm: 0}}
}

func (m *Memory) FirstIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta.LastSnapshotIndex + 1
}

func (m *Memory) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndexLocked()
}

func (m *Memory) lastIndexLocked() uint64 {
	if len(m.entries) == 0 {
		return m.meta.LastSnapshotIndex
	}
	return m.entries[len(m.entries)-1].Index
}

func (m *Memory) slot(index uint64) int {
	// entries[0].Index == firstIndex (meta.LastSnapshotIndex+1 at append
	// time); slot arithmetic assumes no gaps, which Append enforces.
	if len(m.entries) == 0 {
		return -1
	}
	offset := int64(index) - int64(m.entries[0].Index)
	if offset < 0 || offset >= int64(len(m.entries)) {
		return -1
	}
	return int(offset)
}

func (m *Memory) Entry(index uint64) (model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.slot(index)
	if i < 0 {
		return model.Entry{}, ErrNotFound
	}
	return m.entries[i], nil
}

func (m *Memory) TermAt(index uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index == m.meta.LastSnapshotIndex {
		return m.meta.LastSnapshotTerm, nil
	}
	i := m.slot(index)
	if i < 0 {
		return 0, ErrNotFound
	}
	return m.entries[i].Term, nil
}

func (m *Memory) Append(entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entries[0].Index != m.lastIndexLocked()+1 {
		return ErrIndexMismatch
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return ErrIndexMismatch
		}
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *Memory) TruncateSuffix(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.slot(from)
	if i < 0 {
		if from > m.lastIndexLocked() {
			return nil
		}
		// from <= firstIndex: drop everything.
		m.entries = nil
		return nil
	}
	m.entries = m.entries[:i]
	return nil
}

func (m *Memory) TruncatePrefix(through uint64, term uint64, configIndex uint64, config model.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if through > m.lastIndexLocked() {
		m.entries = nil
	} else {
		i := m.slot(through)
		if i >= 0 {
			m.entries = m.entries[i+1:]
		}
	}
	m.meta.LastSnapshotIndex = through
	m.meta.LastSnapshotTerm = term
	m.meta.LastSnapshotConfigurationIndex = configIndex
	m.meta.LastSnapshotConfiguration = config
	return nil
}

func (m *Memory) Metadata() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

func (m *Memory) SetCurrentTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.CurrentTerm = term
	m.meta.VotedFor = 0
	return nil
}

func (m *Memory) SetTermAndVote(term uint64, votedFor model.ServerId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.CurrentTerm = term
	m.meta.VotedFor = votedFor
	return nil
}

func (m *Memory) SetClusterUUID(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta.ClusterUUID == "" {
		m.meta.ClusterUUID = uuid
	}
	return nil
}

func (m *Memory) Close() error { return nil }
