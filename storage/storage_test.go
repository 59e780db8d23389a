package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgalecki/raft/model"
)

func entries(from, to uint64, term uint64) []model.Entry {
	var es []model.Entry
	for i := from; i <= to; i++ {
		es = append(es, model.Entry{Index: i, Term: term, Type: model.EntryData, Payload: []byte("x")})
	}
	return es
}

func testBackends(t *testing.T) map[string]Log {
	dir := t.TempDir()
	fs, err := OpenFilesystem(dir)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return map[string]Log{
		"memory":     NewMemory(),
		"filesystem": fs,
	}
}

func TestAppendAndRead(t *testing.T) {
	for name, log := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, log.Append(entries(1, 5, 1)))
			assert.Equal(t, uint64(5), log.LastIndex())
			e, err := log.Entry(3)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), e.Index)
			assert.Equal(t, uint64(1), e.Term)

			_, err = log.Entry(6)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAppendRejectsGap(t *testing.T) {
	for name, log := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, log.Append(entries(1, 2, 1)))
			err := log.Append(entries(4, 5, 1))
			assert.ErrorIs(t, err, ErrIndexMismatch)
		})
	}
}

func TestTruncateSuffix(t *testing.T) {
	for name, log := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, log.Append(entries(1, 10, 1)))
			require.NoError(t, log.TruncateSuffix(6))
			assert.Equal(t, uint64(5), log.LastIndex())
			_, err := log.Entry(6)
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, log.Append(entries(6, 8, 2)))
			e, err := log.Entry(6)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), e.Term)
		})
	}
}

func TestTruncatePrefix(t *testing.T) {
	for name, log := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, log.Append(entries(1, 10, 1)))
			cfg := model.Configuration{Old: []model.Server{{Id: 1, Addresses: "a"}}}
			require.NoError(t, log.TruncatePrefix(7, 1, 7, cfg))
			assert.Equal(t, uint64(8), log.FirstIndex())
			_, err := log.Entry(7)
			assert.ErrorIs(t, err, ErrNotFound)
			e, err := log.Entry(8)
			require.NoError(t, err)
			assert.Equal(t, uint64(8), e.Index)
			meta := log.Metadata()
			assert.Equal(t, uint64(7), meta.LastSnapshotIndex)
			assert.Equal(t, cfg, meta.LastSnapshotConfiguration)
		})
	}
}

func TestTermAndVotePersist(t *testing.T) {
	for name, log := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, log.SetTermAndVote(5, 3))
			meta := log.Metadata()
			assert.Equal(t, uint64(5), meta.CurrentTerm)
			assert.Equal(t, model.ServerId(3), meta.VotedFor)

			require.NoError(t, log.SetCurrentTerm(6))
			meta = log.Metadata()
			assert.Equal(t, uint64(6), meta.CurrentTerm)
			assert.Equal(t, model.ServerId(0), meta.VotedFor)
		})
	}
}

func TestFilesystemSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFilesystem(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Append(entries(1, 5, 1)))
	require.NoError(t, fs.SetTermAndVote(3, 7))
	require.NoError(t, fs.Close())

	reopened, err := OpenFilesystem(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(5), reopened.LastIndex())
	meta := reopened.Metadata()
	assert.Equal(t, uint64(3), meta.CurrentTerm)
	assert.Equal(t, model.ServerId(7), meta.VotedFor)
}

func TestFilesystemLockRejectsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFilesystem(dir)
	require.NoError(t, err)
	defer fs.Close()

	_, err = OpenFilesystem(dir)
	assert.Error(t, err)
}

func TestFilesystemRollsSegments(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFilesystem(dir)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Append(entries(1, segmentCapacity+10, 1)))
	names, err := os.ReadDir(fs.logDir)
	require.NoError(t, err)
	segCount := 0
	for _, n := range names {
		if !n.IsDir() {
			segCount++
		}
	}
	// meta + at least 2 segments
	assert.GreaterOrEqual(t, segCount, 3)
}
