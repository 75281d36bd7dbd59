package raft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(terms ...Term) []LogEntry {
	entries := make([]LogEntry, len(terms))
	for i, term := range terms {
		entries[i] = LogEntry{Term: term, Command: string(rune('a' + i))}
	}

	return entries
}

func newTestLog(t *testing.T, entries []LogEntry) (*ReplicatedLog, *MemoryStorage) {
	t.Helper()

	storage := NewMemoryStorage()
	require.NoError(t, storage.SaveLog(entries))

	log, err := OpenReplicatedLog(storage)
	require.NoError(t, err)

	return log, storage
}

func TestReplicatedLogEmpty(t *testing.T) {
	assert := assert.New(t)

	log, _ := newTestLog(t, nil)

	assert.Equal(LogIndex(-1), log.LastLogIndex())
	assert.Equal(Term(-1), log.LastLogTerm())
	assert.Equal(Term(-1), log.TermAt(0))
	assert.Equal(Term(-1), log.TermAt(-1))
	assert.Empty(log.EntriesFrom(0))
	assert.Empty(log.EntriesFrom(-3))
}

func TestReplicatedLogLookups(t *testing.T) {
	assert := assert.New(t)

	log, _ := newTestLog(t, testEntries(1, 1, 2))

	assert.Equal(LogIndex(2), log.LastLogIndex())
	assert.Equal(Term(2), log.LastLogTerm())
	assert.Equal(Term(1), log.TermAt(1))
	assert.Equal(Term(-1), log.TermAt(3))

	assert.Equal(testEntries(1, 1, 2)[1:], log.EntriesFrom(1))
	assert.Equal(testEntries(1, 1, 2), log.EntriesFrom(-1))
	assert.Empty(log.EntriesFrom(3))
}

func TestReplicatedLogEntriesFromReturnsCopy(t *testing.T) {
	log, _ := newTestLog(t, testEntries(1, 1))

	entries := log.EntriesFrom(0)
	entries[0].Command = "modified"

	assert.Equal(t, "a", log.EntriesFrom(0)[0].Command)
}

func TestReplicatedLogTruncateAfter(t *testing.T) {
	assert := assert.New(t)

	log, storage := newTestLog(t, testEntries(1, 1, 2, 3))

	require.NoError(t, log.TruncateAfter(1))
	assert.Equal(testEntries(1, 1), log.EntriesFrom(0))

	saved, err := storage.LoadLog()
	require.NoError(t, err)
	assert.Equal(testEntries(1, 1), saved)

	// Out of range indexes are ignored.
	require.NoError(t, log.TruncateAfter(5))
	require.NoError(t, log.TruncateAfter(-1))
	assert.Equal(LogIndex(1), log.LastLogIndex())
}

func TestReplicatedLogAppendFrom(t *testing.T) {
	assert := assert.New(t)

	log, storage := newTestLog(t, testEntries(1, 1, 2))

	newEntries := []LogEntry{{Term: 3, Command: "x"}, {Term: 3, Command: "y"}}

	require.NoError(t, log.AppendFrom(0, newEntries))

	expected := append(testEntries(1), newEntries...)
	assert.Equal(expected, log.EntriesFrom(0))

	saved, err := storage.LoadLog()
	require.NoError(t, err)
	assert.Equal(expected, saved)

	require.NoError(t, log.AppendFrom(-1, testEntries(4)))
	assert.Equal(testEntries(4), log.EntriesFrom(0))
}

func TestReplicatedLogWriteFailure(t *testing.T) {
	log, storage := newTestLog(t, testEntries(1))

	storage.FailWrites(errors.New("disk full"))

	err := log.AppendFrom(0, testEntries(1))
	require.Error(t, err)

	assert.Equal(t, testEntries(1), log.EntriesFrom(0))
}
