package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeOp(t *testing.T) {
	ops := []Op{
		&OpCreateTopic{Id: "1", Topic: "math"},
		&OpPushMessage{Id: "2", Topic: "math", Message: "1+1"},
		&OpPushMessage{Id: "3", Topic: "math", Message: ""},
		&OpPushMessage{Id: "4", Topic: "math", Message: "a\x1fb\x1fc"},
		&OpPopMessage{Id: "5", Topic: "math"},
	}

	for _, op := range ops {
		op2, err := DecodeOp(EncodeOp(op))
		require.NoError(t, err, op.Name())
		assert.Equal(t, op, op2)
	}
}

func TestEncodeOp(t *testing.T) {
	op := OpPushMessage{Id: "42", Topic: "math", Message: "2+2"}

	assert.Equal(t, "push\x1f42\x1fmath\x1f2+2", EncodeOp(&op))
}

func TestDecodeOpInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"name only", "create"},
		{"unknown op", "delete\x1f1\x1fmath"},
		{"missing topic", "create\x1f1"},
		{"missing message", "push\x1f1\x1fmath"},
		{"extra field", "pop\x1f1\x1fmath\x1fextra"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeOp(test.data)
			assert.Error(t, err)
		})
	}
}

func TestValidTopicName(t *testing.T) {
	assert.True(t, ValidTopicName("math"))
	assert.True(t, ValidTopicName("a topic with spaces"))
	assert.False(t, ValidTopicName(""))
	assert.False(t, ValidTopicName("a\x1fb"))
}
