package mq

import (
	"fmt"
	"sync"

	"github.com/galdor/go-raftmq/pkg/raft"
)

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Queue is the replicated state machine: a set of topics, each one holding a
// FIFO list of messages. Operations are applied in log order on every node.
type Queue struct {
	topics     map[string][]string
	topicNames []string

	lastApplied raft.LogIndex
	waiters     map[string]chan Result

	mu sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{
		topics:      make(map[string][]string),
		lastApplied: raft.NoIndex,
		waiters:     make(map[string]chan Result),
	}
}

// Apply implements raft.ApplyFunc.
func (q *Queue) Apply(index raft.LogIndex, entry raft.LogEntry) error {
	op, err := DecodeOp(entry.Command)
	if err != nil {
		return fmt.Errorf("cannot decode op: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if index <= q.lastApplied {
		return nil
	}
	q.lastApplied = index

	res := q.applyOp(op)

	if waiter, found := q.waiters[op.RequestId()]; found {
		waiter <- res
		delete(q.waiters, op.RequestId())
	}

	return nil
}

func (q *Queue) applyOp(op Op) Result {
	switch op := op.(type) {
	case *OpCreateTopic:
		if _, found := q.topics[op.Topic]; found {
			return Result{}
		}

		q.topics[op.Topic] = []string{}
		q.topicNames = append(q.topicNames, op.Topic)

		return Result{Success: true}

	case *OpPushMessage:
		messages, found := q.topics[op.Topic]
		if !found {
			return Result{}
		}

		q.topics[op.Topic] = append(messages, op.Message)

		return Result{Success: true}

	case *OpPopMessage:
		messages := q.topics[op.Topic]
		if len(messages) == 0 {
			return Result{}
		}

		q.topics[op.Topic] = messages[1:]

		return Result{Success: true, Message: messages[0]}

	default:
		return Result{}
	}
}

// Wait registers interest in the result of the operation identified by
// requestId; the result is sent on the channel when the operation is applied.
func (q *Queue) Wait(requestId string) <-chan Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiter := make(chan Result, 1)
	q.waiters[requestId] = waiter

	return waiter
}

func (q *Queue) CancelWait(requestId string) {
	q.mu.Lock()
	delete(q.waiters, requestId)
	q.mu.Unlock()
}

// Topics returns topic names in creation order.
func (q *Queue) Topics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string{}, q.topicNames...)
}

func (q *Queue) Messages(topic string) ([]string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	messages, found := q.topics[topic]
	if !found {
		return nil, false
	}

	return append([]string{}, messages...), true
}

func (q *Queue) LastApplied() raft.LogIndex {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.lastApplied
}
