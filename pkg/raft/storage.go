package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
)

// Storage is the durable record set of a node: its persistent state and its
// log entries.
type Storage interface {
	// LoadState returns false if no state was ever saved.
	LoadState() (PersistentState, bool, error)
	SaveState(PersistentState) error

	LoadLog() ([]LogEntry, error)
	SaveLog([]LogEntry) error

	Close()
}

type FileStorage struct {
	stateStore  *PersistentStore
	logFilePath string
}

func NewFileStorage(dataDirectory string, id NodeId) (*FileStorage, error) {
	dirPath := path.Join(dataDirectory, strconv.Itoa(int(id)))

	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create directory %q: %w", dirPath, err)
	}

	s := FileStorage{
		stateStore:  NewPersistentStore(path.Join(dirPath, "persistent-state.json")),
		logFilePath: path.Join(dirPath, "log.json"),
	}

	return &s, nil
}

func (s *FileStorage) LoadState() (PersistentState, bool, error) {
	var state PersistentState

	found, err := s.stateStore.Read(&state)
	if err != nil {
		return PersistentState{}, false, err
	}

	return state, found, nil
}

func (s *FileStorage) SaveState(state PersistentState) error {
	return s.stateStore.Write(&state)
}

func (s *FileStorage) LoadLog() ([]LogEntry, error) {
	data, err := os.ReadFile(s.logFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEntry{}, nil
		}

		return nil, fmt.Errorf("cannot read %q: %w", s.logFilePath, err)
	}

	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("cannot decode json data from %q: %w",
			s.logFilePath, err)
	}

	if entries == nil {
		entries = []LogEntry{}
	}

	return entries, nil
}

func (s *FileStorage) SaveLog(entries []LogEntry) error {
	return writeFileAtomically(s.logFilePath, entries)
}

func (s *FileStorage) Close() {
}

// MemoryStorage keeps records in memory; it survives server restarts as long
// as the same value is reused.
type MemoryStorage struct {
	state    *PersistentState
	entries  []LogEntry
	failures error

	mu sync.Mutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// FailWrites makes every subsequent write return err; a nil error restores
// normal behaviour.
func (s *MemoryStorage) FailWrites(err error) {
	s.mu.Lock()
	s.failures = err
	s.mu.Unlock()
}

func (s *MemoryStorage) LoadState() (PersistentState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return PersistentState{}, false, nil
	}

	return copyPersistentState(*s.state), true, nil
}

func (s *MemoryStorage) SaveState(state PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures != nil {
		return s.failures
	}

	state = copyPersistentState(state)
	s.state = &state

	return nil
}

func (s *MemoryStorage) LoadLog() ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]LogEntry{}, s.entries...), nil
}

func (s *MemoryStorage) SaveLog(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures != nil {
		return s.failures
	}

	s.entries = append([]LogEntry{}, entries...)

	return nil
}

func (s *MemoryStorage) Close() {
}

func copyPersistentState(state PersistentState) PersistentState {
	if state.VotedFor != nil {
		state.VotedFor = votedFor(*state.VotedFor)
	}

	return state
}
