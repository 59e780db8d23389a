package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/jgalecki/raft/model"
)

// Filesystem is the durable, on-disk Log backend. The on-disk layout
// matches spec §6: a lockfile at the storage directory's root, a log/
// subdirectory of numbered segment files plus a metadata file, and (beside
// it, owned by the snapshot package) a snapshots/ subdirectory.
//
// Each segment file holds a sequence of records:
//
//	[4-byte little-endian length][msgpack-encoded model.Entry][8-byte xxhash64 of the encoded entry]
//
// Segments are named by the index of their first entry, zero-padded to 20
// digits so a directory listing sorts numerically.
type Filesystem struct {
	mu sync.Mutex

	dir     string
	logDir  string
	lock    *os.File
	metaPath string

	meta Metadata

	segments []*segment // ordered by firstIndex ascending
}

type segment struct {
	firstIndex uint64 // index of the first entry in this segment
	path       string
	file       *os.File
	entries    []model.Entry // cached in memory for fast reads
	offsets    []int64       // byte offset of each record, parallel to entries
}

const segmentCapacity = 8192 // entries per segment before rolling to a new one

// OpenFilesystem opens (creating if necessary) a Filesystem-backed log
// rooted at dir.
func OpenFilesystem(dir string) (*Filesystem, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: filesystem backend requires a storagePath")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	logDir := filepath.Join(dir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", logDir, err)
	}

	lock, err := acquireLock(filepath.Join(dir, "lock"))
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		dir:      dir,
		logDir:   logDir,
		lock:     lock,
		metaPath: filepath.Join(logDir, "meta"),
	}
	if err := fs.loadMetadata(); err != nil {
		lock.Close()
		return nil, err
	}
	if err := fs.loadSegments(); err != nil {
		lock.Close()
		return nil, err
	}
	return fs, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open lockfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: storage directory already in use: %w", err)
	}
	return f, nil
}

func (fs *Filesystem) loadMetadata() error {
	raw, err := os.ReadFile(fs.metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fs.writeMetadataLocked()
		}
		return fmt.Errorf("storage: read metadata: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(raw, &fs.meta); err != nil {
		return fmt.Errorf("storage: decode metadata: %w", err)
	}
	return nil
}

func (fs *Filesystem) writeMetadataLocked() error {
	raw, err := msgpack.Marshal(&fs.meta)
	if err != nil {
		return fmt.Errorf("storage: encode metadata: %w", err)
	}
	tmp := fs.metaPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("storage: write metadata: %w", err)
	}
	if err := syncPath(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.metaPath); err != nil {
		return fmt.Errorf("storage: rename metadata: %w", err)
	}
	return syncDir(fs.logDir)
}

func syncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func segmentPath(logDir string, firstIndex uint64) string {
	return filepath.Join(logDir, fmt.Sprintf("%020d.seg", firstIndex))
}

func (fs *Filesystem) loadSegments() error {
	entries, err := os.ReadDir(fs.logDir)
	if err != nil {
		return fmt.Errorf("storage: list log dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".seg" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		idxStr := name[:len(name)-len(".seg")]
		first, err := strconv.ParseUint(idxStr, 10, 64)
		if err != nil {
			continue
		}
		seg, err := openSegment(filepath.Join(fs.logDir, name), first)
		if err != nil {
			return err
		}
		fs.segments = append(fs.segments, seg)
	}
	return nil
}

func openSegment(path string, firstIndex uint64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment %s: %w", path, err)
	}
	seg := &segment{firstIndex: firstIndex, path: path, file: f}
	if err := seg.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return seg, nil
}

// replay reads every well-formed record from the segment file into memory,
// truncating the file at the first corrupt or incomplete record (which can
// only be the very last one, left by a crash mid-append).
func (seg *segment) replay() error {
	if _, err := seg.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := seg.file
	var offset int64
	for {
		var lenBuf [4]byte
		n, err := io.ReadFull(r, lenBuf[:])
		if n == 0 && err == io.EOF {
			break
		}
		if err != nil {
			break // partial record at EOF: truncate it away below
		}
		length := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		var sum [8]byte
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			break
		}
		if binary.LittleEndian.Uint64(sum[:]) != xxhash.Sum64(body) {
			break // checksum mismatch: treat as the torn tail record
		}
		var e model.Entry
		if err := msgpack.Unmarshal(body, &e); err != nil {
			break
		}
		seg.entries = append(seg.entries, e)
		seg.offsets = append(seg.offsets, offset)
		offset += int64(4 + len(body) + 8)
	}
	return seg.file.Truncate(offset)
}

func (seg *segment) appendRecord(e model.Entry) error {
	body, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("storage: encode entry: %w", err)
	}
	sum := xxhash.Sum64(body)
	buf := make([]byte, 4+len(body)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	binary.LittleEndian.PutUint64(buf[4+len(body):], sum)

	off, err := seg.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := seg.file.Write(buf); err != nil {
		return err
	}
	if err := seg.file.Sync(); err != nil {
		return err
	}
	seg.entries = append(seg.entries, e)
	seg.offsets = append(seg.offsets, off)
	return nil
}

func (seg *segment) lastIndex() uint64 {
	if len(seg.entries) == 0 {
		return seg.firstIndex - 1
	}
	return seg.entries[len(seg.entries)-1].Index
}

func (fs *Filesystem) lastIndexLocked() uint64 {
	if len(fs.segments) == 0 {
		return fs.meta.LastSnapshotIndex
	}
	return fs.segments[len(fs.segments)-1].lastIndex()
}

func (fs *Filesystem) FirstIndex() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.meta.LastSnapshotIndex + 1
}

func (fs *Filesystem) LastIndex() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastIndexLocked()
}

func (fs *Filesystem) findSegment(index uint64) *segment {
	// segments are sorted by firstIndex; pick the last one whose
	// firstIndex <= index.
	for i := len(fs.segments) - 1; i >= 0; i-- {
		if fs.segments[i].firstIndex <= index {
			return fs.segments[i]
		}
	}
	return nil
}

func (fs *Filesystem) Entry(index uint64) (model.Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	seg := fs.findSegment(index)
	if seg == nil {
		return model.Entry{}, ErrNotFound
	}
	offset := int64(index) - int64(seg.firstIndex)
	if offset < 0 || offset >= int64(len(seg.entries)) {
		return model.Entry{}, ErrNotFound
	}
	return seg.entries[offset], nil
}

func (fs *Filesystem) TermAt(index uint64) (uint64, error) {
	fs.mu.Lock()
	if index == fs.meta.LastSnapshotIndex {
		term := fs.meta.LastSnapshotTerm
		fs.mu.Unlock()
		return term, nil
	}
	fs.mu.Unlock()
	e, err := fs.Entry(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

func (fs *Filesystem) Append(entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if entries[0].Index != fs.lastIndexLocked()+1 {
		return ErrIndexMismatch
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return ErrIndexMismatch
		}
	}
	for _, e := range entries {
		seg, err := fs.currentSegmentForAppendLocked(e.Index)
		if err != nil {
			// Disk failures here are returned to the caller. The engine
			// logs them and reports the operation as failed (Replicate
			// returns Retry; an AppendEntries request is rejected); it
			// does not abort the process.
			return fmt.Errorf("storage: cannot create new segment: %w", err)
		}
		if err := seg.appendRecord(e); err != nil {
			return fmt.Errorf("storage: append entry %d: %w", e.Index, err)
		}
	}
	return nil
}

func (fs *Filesystem) currentSegmentForAppendLocked(index uint64) (*segment, error) {
	if len(fs.segments) > 0 {
		last := fs.segments[len(fs.segments)-1]
		if len(last.entries) < segmentCapacity {
			return last, nil
		}
	}
	seg, err := openSegment(segmentPath(fs.logDir, index), index)
	if err != nil {
		return nil, err
	}
	fs.segments = append(fs.segments, seg)
	return seg, nil
}

func (fs *Filesystem) TruncateSuffix(from uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if from > fs.lastIndexLocked() {
		return nil
	}
	kept := fs.segments[:0:0]
	for _, seg := range fs.segments {
		if seg.lastIndex() < from {
			kept = append(kept, seg)
			continue
		}
		if seg.firstIndex >= from {
			if err := seg.file.Close(); err != nil {
				return err
			}
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		// Partial truncation within this segment.
		cut := int(from - seg.firstIndex)
		truncateOffset := seg.offsets[cut]
		if err := seg.file.Truncate(truncateOffset); err != nil {
			return err
		}
		if err := seg.file.Sync(); err != nil {
			return err
		}
		seg.entries = seg.entries[:cut]
		seg.offsets = seg.offsets[:cut]
		kept = append(kept, seg)
	}
	fs.segments = kept
	return nil
}

func (fs *Filesystem) TruncatePrefix(through uint64, term uint64, configIndex uint64, config model.Configuration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	kept := fs.segments[:0:0]
	for _, seg := range fs.segments {
		if seg.lastIndex() <= through {
			if err := seg.file.Close(); err != nil {
				return err
			}
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if seg.firstIndex > through {
			kept = append(kept, seg)
			continue
		}
		// through falls inside this segment: rewrite it without the
		// prefix, under a fresh name so a crash mid-rewrite can't corrupt
		// the original.
		cut := int(through-seg.firstIndex) + 1
		newFirst := seg.entries[cut].Index
		newSeg, err := openSegment(segmentPath(fs.logDir, newFirst)+".rewrite", newFirst)
		if err != nil {
			return err
		}
		for _, e := range seg.entries[cut:] {
			if err := newSeg.appendRecord(e); err != nil {
				return err
			}
		}
		if err := seg.file.Close(); err != nil {
			return err
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		finalPath := segmentPath(fs.logDir, newFirst)
		if err := newSeg.file.Close(); err != nil {
			return err
		}
		if err := os.Rename(newSeg.path, finalPath); err != nil {
			return err
		}
		reopened, err := openSegment(finalPath, newFirst)
		if err != nil {
			return err
		}
		kept = append(kept, reopened)
	}
	fs.segments = kept
	fs.meta.LastSnapshotIndex = through
	fs.meta.LastSnapshotTerm = term
	fs.meta.LastSnapshotConfigurationIndex = configIndex
	fs.meta.LastSnapshotConfiguration = config
	return fs.writeMetadataLocked()
}

func (fs *Filesystem) Metadata() Metadata {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.meta
}

func (fs *Filesystem) SetCurrentTerm(term uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.meta.CurrentTerm = term
	fs.meta.VotedFor = 0
	return fs.writeMetadataLocked()
}

func (fs *Filesystem) SetTermAndVote(term uint64, votedFor model.ServerId) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.meta.CurrentTerm = term
	fs.meta.VotedFor = votedFor
	return fs.writeMetadataLocked()
}

func (fs *Filesystem) SetClusterUUID(uuid string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.meta.ClusterUUID == uuid {
		return nil
	}
	if fs.meta.ClusterUUID != "" {
		return fmt.Errorf("storage: clusterUUID already set to %s", fs.meta.ClusterUUID)
	}
	fs.meta.ClusterUUID = uuid
	return fs.writeMetadataLocked()
}

func (fs *Filesystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, seg := range fs.segments {
		seg.file.Close()
	}
	err := fs.lock.Close()
	return err
}
