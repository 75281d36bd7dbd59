package raft

import "fmt"

// ReplicatedLog is the ordered sequence of log entries of a node. Every
// mutation is written to the storage before returning.
type ReplicatedLog struct {
	entries []LogEntry
	storage Storage
}

func OpenReplicatedLog(storage Storage) (*ReplicatedLog, error) {
	entries, err := storage.LoadLog()
	if err != nil {
		return nil, fmt.Errorf("cannot load log entries: %w", err)
	}

	l := ReplicatedLog{
		entries: entries,
		storage: storage,
	}

	return &l, nil
}

func (l *ReplicatedLog) Len() int {
	return len(l.entries)
}

func (l *ReplicatedLog) LastLogIndex() LogIndex {
	return LogIndex(len(l.entries) - 1)
}

func (l *ReplicatedLog) LastLogTerm() Term {
	return l.TermAt(l.LastLogIndex())
}

func (l *ReplicatedLog) TermAt(index LogIndex) Term {
	if index < 0 || index >= LogIndex(len(l.entries)) {
		return NoTerm
	}

	return l.entries[index].Term
}

func (l *ReplicatedLog) Entry(index LogIndex) (LogEntry, bool) {
	if index < 0 || index >= LogIndex(len(l.entries)) {
		return LogEntry{}, false
	}

	return l.entries[index], true
}

// EntriesFrom returns a copy of the entries starting at index.
func (l *ReplicatedLog) EntriesFrom(index LogIndex) []LogEntry {
	if index < 0 {
		index = 0
	}

	if index >= LogIndex(len(l.entries)) {
		return []LogEntry{}
	}

	entries := make([]LogEntry, len(l.entries)-int(index))
	copy(entries, l.entries[index:])

	return entries
}

// TruncateAfter drops the entries located after index. Out of range indexes
// leave the log untouched.
func (l *ReplicatedLog) TruncateAfter(index LogIndex) error {
	if index < 0 || index >= LogIndex(len(l.entries)) {
		return nil
	}

	return l.replace(l.entries[:index+1])
}

// AppendFrom replaces every entry after prevIndex with entries.
func (l *ReplicatedLog) AppendFrom(prevIndex LogIndex, entries []LogEntry) error {
	keep := prevIndex + 1
	if keep < 0 {
		keep = 0
	}
	if keep > LogIndex(len(l.entries)) {
		keep = LogIndex(len(l.entries))
	}

	newEntries := make([]LogEntry, 0, int(keep)+len(entries))
	newEntries = append(newEntries, l.entries[:keep]...)
	newEntries = append(newEntries, entries...)

	return l.replace(newEntries)
}

func (l *ReplicatedLog) replace(entries []LogEntry) error {
	// The storage must hold the new sequence before it becomes visible.
	entries = append([]LogEntry(nil), entries...)

	if err := l.storage.SaveLog(entries); err != nil {
		return fmt.Errorf("cannot save log entries: %w", err)
	}

	l.entries = entries
	return nil
}
