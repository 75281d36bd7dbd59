package raft

import (
	"bytes"
	"fmt"
	"runtime"
)

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Always skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

// recoverPanic logs a recovered panic and reports it as a fatal error. It
// must be called with defer.
func (s *Server) recoverPanic(context string) {
	value := recover()
	if value == nil {
		return
	}

	msg := RecoverValueString(value)
	trace := StackTrace(10)
	s.Log.Error("%s: panic: %s\n%s", context, msg, trace)

	s.reportError(fmt.Errorf("%s: panic: %s", context, msg))
}
