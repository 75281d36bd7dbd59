package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the records of a node as JSON strings in Redis. The
// client can be either a standalone or a cluster client.
type RedisStorage struct {
	client  redis.Cmdable
	timeout time.Duration

	stateKey string
	logKey   string
}

func NewRedisStorage(client redis.Cmdable, prefix string, id NodeId) *RedisStorage {
	return &RedisStorage{
		client:  client,
		timeout: 5 * time.Second,

		stateKey: fmt.Sprintf("%s:%d:state", prefix, id),
		logKey:   fmt.Sprintf("%s:%d:log", prefix, id),
	}
}

func (s *RedisStorage) LoadState() (PersistentState, bool, error) {
	var state PersistentState

	found, err := s.get(s.stateKey, &state)
	if err != nil {
		return state, false, err
	}

	return state, found, nil
}

func (s *RedisStorage) SaveState(state PersistentState) error {
	return s.set(s.stateKey, state)
}

func (s *RedisStorage) LoadLog() ([]LogEntry, error) {
	var entries []LogEntry

	if _, err := s.get(s.logKey, &entries); err != nil {
		return nil, err
	}

	if entries == nil {
		entries = []LogEntry{}
	}

	return entries, nil
}

func (s *RedisStorage) SaveLog(entries []LogEntry) error {
	return s.set(s.logKey, entries)
}

func (s *RedisStorage) Close() {
}

func (s *RedisStorage) get(key string, value interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}

		return false, fmt.Errorf("cannot get redis key %q: %w", key, err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("cannot decode json data from redis key %q: %w",
			key, err)
	}

	return true, nil
}

func (s *RedisStorage) set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot encode json data: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("cannot set redis key %q: %w", key, err)
	}

	return nil
}
