package mq

import (
	"fmt"
	"strings"
)

// Operations are encoded as a single string: the name of the operation, the
// request id and the fields of the operation, separated by the ASCII unit
// separator.
const (
	UnitSeparator = "\x1f"
)

type Op interface {
	Name() string
	RequestId() string
	Fields() []string
	Decode([]string) error
}

func EncodeOp(op Op) string {
	parts := append([]string{op.Name(), op.RequestId()}, op.Fields()...)
	return strings.Join(parts, UnitSeparator)
}

func DecodeOp(data string) (Op, error) {
	parts := strings.SplitN(data, UnitSeparator, 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid data")
	}

	var op Op

	name := parts[0]
	switch name {
	case "create":
		op = &OpCreateTopic{Id: parts[1]}
	case "push":
		op = &OpPushMessage{Id: parts[1]}
	case "pop":
		op = &OpPopMessage{Id: parts[1]}
	default:
		return nil, fmt.Errorf("unknown op %q", name)
	}

	var fields []string
	if len(parts) == 3 {
		fields = strings.SplitN(parts[2], UnitSeparator, 2)
	}

	if err := op.Decode(fields); err != nil {
		return nil, fmt.Errorf("invalid %s op: %w", name, err)
	}

	return op, nil
}

// ValidTopicName returns true if the name can be carried by an operation.
func ValidTopicName(name string) bool {
	return name != "" && !strings.Contains(name, UnitSeparator)
}

type OpCreateTopic struct {
	Id    string `json:"id"`
	Topic string `json:"topic"`
}

func (op *OpCreateTopic) Name() string {
	return "create"
}

func (op *OpCreateTopic) RequestId() string {
	return op.Id
}

func (op *OpCreateTopic) Fields() []string {
	return []string{op.Topic}
}

func (op *OpCreateTopic) Decode(fields []string) error {
	if len(fields) != 1 {
		return fmt.Errorf("invalid number of fields")
	}

	op.Topic = fields[0]
	return nil
}

type OpPushMessage struct {
	Id      string `json:"id"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func (op *OpPushMessage) Name() string {
	return "push"
}

func (op *OpPushMessage) RequestId() string {
	return op.Id
}

func (op *OpPushMessage) Fields() []string {
	return []string{op.Topic, op.Message}
}

func (op *OpPushMessage) Decode(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("invalid number of fields")
	}

	// The message is last so that it can contain separators.
	op.Topic = fields[0]
	op.Message = fields[1]
	return nil
}

type OpPopMessage struct {
	Id    string `json:"id"`
	Topic string `json:"topic"`
}

func (op *OpPopMessage) Name() string {
	return "pop"
}

func (op *OpPopMessage) RequestId() string {
	return op.Id
}

func (op *OpPopMessage) Fields() []string {
	return []string{op.Topic}
}

func (op *OpPopMessage) Decode(fields []string) error {
	if len(fields) != 1 {
		return fmt.Errorf("invalid number of fields")
	}

	op.Topic = fields[0]
	return nil
}
