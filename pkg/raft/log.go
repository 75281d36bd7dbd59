package raft

// Logger is the logging interface used by the server; *log.Logger from
// github.com/galdor/go-log implements it.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
