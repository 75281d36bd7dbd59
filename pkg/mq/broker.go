package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/galdor/go-raftmq/pkg/raft"
	"github.com/google/uuid"
)

var ErrCommitTimeout = errors.New("timeout while waiting for commit")

// Replicator is the part of the raft server used by the broker.
type Replicator interface {
	IsLeader(context.Context) bool
	ClientAppendEntries(context.Context, string) (raft.ClientAppendResult, error)
}

// Broker executes client operations: writes go through the replicated log
// and are answered once applied to the local queue.
type Broker struct {
	Queue      *Queue
	Replicator Replicator

	CommitTimeout time.Duration
}

func NewBroker(queue *Queue, replicator Replicator) *Broker {
	return &Broker{
		Queue:      queue,
		Replicator: replicator,

		CommitTimeout: 5 * time.Second,
	}
}

func (b *Broker) ListTopics(ctx context.Context) ([]string, error) {
	if !b.Replicator.IsLeader(ctx) {
		return nil, raft.ErrNotLeader
	}

	return b.Queue.Topics(), nil
}

func (b *Broker) CreateTopic(ctx context.Context, topic string) (Result, error) {
	if !ValidTopicName(topic) {
		return Result{}, nil
	}

	return b.execute(ctx, &OpCreateTopic{Id: uuid.NewString(), Topic: topic})
}

func (b *Broker) PushMessage(ctx context.Context, topic, message string) (Result, error) {
	if !ValidTopicName(topic) {
		return Result{}, nil
	}

	op := OpPushMessage{
		Id:      uuid.NewString(),
		Topic:   topic,
		Message: message,
	}

	return b.execute(ctx, &op)
}

// PopMessage removes the first message of a topic. Consuming a message
// modifies the queue so it is replicated like any other write.
func (b *Broker) PopMessage(ctx context.Context, topic string) (Result, error) {
	if !ValidTopicName(topic) {
		return Result{}, nil
	}

	return b.execute(ctx, &OpPopMessage{Id: uuid.NewString(), Topic: topic})
}

func (b *Broker) execute(ctx context.Context, op Op) (Result, error) {
	waiter := b.Queue.Wait(op.RequestId())
	defer b.Queue.CancelWait(op.RequestId())

	res, err := b.Replicator.ClientAppendEntries(ctx, EncodeOp(op))
	if err != nil {
		return Result{}, err
	}

	if !res.Accepted {
		return Result{}, raft.ErrNotLeader
	}

	timer := time.NewTimer(b.CommitTimeout)
	defer timer.Stop()

	select {
	case result := <-waiter:
		return result, nil

	case <-timer.C:
		return Result{}, fmt.Errorf("%w (entry %d, term %d)",
			ErrCommitTimeout, res.Index, res.Term)

	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
