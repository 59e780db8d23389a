package snapshot

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// MemoryStore is the non-durable Store used for tests and
// use-temporary-storage.
type MemoryStore struct {
	mu       sync.Mutex
	header   Header
	data     []byte
	has      bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) HasSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.has
}

func (s *MemoryStore) OpenReader() (Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return nil, ErrNoSnapshot
	}
	return &memoryReader{header: s.header, r: bytes.NewReader(s.data)}, nil
}

func (s *MemoryStore) NewWriter(header Header) (Writer, error) {
	return &memoryWriter{store: s, header: header}, nil
}

type memoryReader struct {
	header Header
	r      *bytes.Reader
}

func (r *memoryReader) Header() Header             { return r.header }
func (r *memoryReader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *memoryReader) Close() error               { return nil }

type memoryWriter struct {
	store   *MemoryStore
	header  Header
	buf     bytes.Buffer
	written atomic.Uint64
	done    bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.written.Add(uint64(n))
	return n, err
}

func (w *memoryWriter) BytesWritten() uint64 { return w.written.Load() }

func (w *memoryWriter) Save() (uint64, error) {
	if w.done {
		return uint64(w.buf.Len()), nil
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.header = w.header
	w.store.data = append([]byte(nil), w.buf.Bytes()...)
	w.store.has = true
	w.done = true
	return uint64(len(w.store.data)), nil
}

func (w *memoryWriter) Discard() error {
	w.done = true
	return nil
}

var _ io.Writer = (*memoryWriter)(nil)
