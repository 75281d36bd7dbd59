package raft

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIsolatedServer starts node 0 of a three node cluster whose peers are
// unreachable and exposes its RPC handler over HTTP.
func newIsolatedServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cluster := NewCluster([]string{"mem://a", "mem://b", "mem://c"})

	cfg := ServerCfg{
		Id:      0,
		Cluster: cluster,

		Storage:   NewMemoryStorage(),
		Transport: &memTransport{network: newMemNetwork(), sourceId: 0},

		Logger: testLogger{},

		MinElectionTimeout: 5 * time.Second,
		MaxElectionTimeout: 10 * time.Second,
		HeartbeatInterval:  time.Second,
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, server.Start(nil))
	t.Cleanup(server.Stop)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return server, httpServer
}

func TestHTTPTransportVote(t *testing.T) {
	_, httpServer := newIsolatedServer(t)

	transport := NewHTTPTransport(1)
	node := Node{Id: 0, Endpoint: httpServer.URL}

	ctx := context.Background()

	res, err := transport.RequestVote(ctx, node, VoteRequest{
		Term:         1,
		CandidateId:  1,
		LastLogIndex: NoIndex,
		LastLogTerm:  NoTerm,
	})
	require.NoError(t, err)
	assert.Equal(t, VoteResult{VoteGranted: true, Term: 1, VoterId: 0}, res)

	res, err = transport.RequestVote(ctx, node, VoteRequest{
		Term:         1,
		CandidateId:  2,
		LastLogIndex: NoIndex,
		LastLogTerm:  NoTerm,
	})
	require.NoError(t, err)
	assert.Equal(t, VoteResult{VoteGranted: false, Term: 1, VoterId: 0}, res)
}

func TestHTTPTransportAppendEntries(t *testing.T) {
	server, httpServer := newIsolatedServer(t)

	transport := NewHTTPTransport(2)
	node := Node{Id: 0, Endpoint: httpServer.URL}

	ctx := context.Background()

	entries := []LogEntry{{Term: 2, Command: ""}, {Term: 2, Command: "create:math"}}

	res, err := transport.AppendEntries(ctx, node, AppendEntriesRequest{
		Term:         2,
		LeaderId:     2,
		PrevLogIndex: NoIndex,
		PrevLogTerm:  NoTerm,
		Entries:      entries,
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, AppendEntriesResult{Success: true, Term: 2, FollowerId: 0}, res)

	logEntries, err := server.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, entries, logEntries)

	status, err := server.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, status.Role)
	assert.Equal(t, LogIndex(1), status.CommitIndex)
	require.NotNil(t, status.LeaderId)
	assert.Equal(t, NodeId(2), *status.LeaderId)
}

func TestHTTPTransportUnreachableNode(t *testing.T) {
	transport := NewHTTPTransport(1)

	httpServer := httptest.NewServer(http.NotFoundHandler())
	url := httpServer.URL
	httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := transport.RequestVote(ctx, Node{Id: 0, Endpoint: url},
		VoteRequest{Term: 1, CandidateId: 1})
	assert.Error(t, err)
}

func TestHTTPHandlerMalformedRequests(t *testing.T) {
	server, httpServer := newIsolatedServer(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid json", "/raft/vote", `{"term": `},
		{"not an object", "/raft/vote", `[1, 2]`},
		{"missing field", "/raft/vote",
			`{"term": 1, "candidateId": 1, "lastLogIndex": -1}`},
		{"unknown field", "/raft/vote",
			`{"term": 1, "candidateId": 1, "lastLogIndex": -1, ` +
				`"lastLogTerm": -1, "foo": 42}`},
		{"invalid field type", "/raft/heartbeat",
			`{"term": "one", "leaderId": 1, "prevLogIndex": -1, ` +
				`"prevLogTerm": -1, "entries": [], "leaderCommit": -1}`},
		{"negative term", "/raft/vote",
			`{"term": -3, "candidateId": 1, "lastLogIndex": -1, ` +
				`"lastLogTerm": -1}`},
		{"invalid previous index", "/raft/heartbeat",
			`{"term": 1, "leaderId": 1, "prevLogIndex": -2, ` +
				`"prevLogTerm": -1, "entries": [], "leaderCommit": -1}`},
		{"invalid entry term", "/raft/heartbeat",
			`{"term": 1, "leaderId": 1, "prevLogIndex": -1, ` +
				`"prevLogTerm": -1, "entries": [{"term": -1, "command": ""}], ` +
				`"leaderCommit": -1}`},
		{"missing entries", "/raft/heartbeat",
			`{"term": 1, "leaderId": 1, "prevLogIndex": -1, ` +
				`"prevLogTerm": -1, "leaderCommit": -1}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res, err := http.Post(httpServer.URL+test.path, "application/json",
				strings.NewReader(test.body))
			require.NoError(t, err)
			res.Body.Close()

			assert.Equal(t, 400, res.StatusCode)
		})
	}

	// Malformed messages must not affect the node.
	status, err := server.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Term(0), status.Term)
	assert.Equal(t, NoIndex, status.LastLogIndex)
}

func TestHTTPTransportInvalidResponse(t *testing.T) {
	httpServer := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"voteGranted": true, "term": -1, "voterId": 0}`))
		}))
	defer httpServer.Close()

	transport := NewHTTPTransport(1)

	_, err := transport.RequestVote(context.Background(),
		Node{Id: 0, Endpoint: httpServer.URL},
		VoteRequest{Term: 1, CandidateId: 1})
	assert.ErrorContains(t, err, "invalid negative term")
}

func TestHTTPHandlerStatus(t *testing.T) {
	_, httpServer := newIsolatedServer(t)

	res, err := http.Get(httpServer.URL + "/raft/status")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, 200, res.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))

	assert.Equal(t, NodeId(0), status.Id)
	assert.Equal(t, RoleFollower, status.Role)
	assert.Equal(t, Term(0), status.Term)
	assert.Nil(t, status.LeaderId)
	assert.Equal(t, NoIndex, status.CommitIndex)
}

// delegatingHandler lets tests obtain the URL of an HTTP server before the
// handler it serves exists.
type delegatingHandler struct {
	handler http.Handler

	mu sync.Mutex
}

func (h *delegatingHandler) set(handler http.Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *delegatingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()

	if handler == nil {
		http.Error(w, "node not ready", 503)
		return
	}

	handler.ServeHTTP(w, req)
}

func TestHTTPCluster(t *testing.T) {
	const size = 3

	handlers := make([]*delegatingHandler, size)
	endpoints := make([]string, size)

	for i := 0; i < size; i++ {
		handlers[i] = &delegatingHandler{}

		httpServer := httptest.NewServer(handlers[i])
		t.Cleanup(httpServer.Close)

		endpoints[i] = httpServer.URL
	}

	cluster := NewCluster(endpoints)

	servers := make([]*Server, size)
	appliers := make([]*testApplier, size)

	for i := 0; i < size; i++ {
		appliers[i] = &testApplier{}

		server, err := NewServer(ServerCfg{
			Id:      NodeId(i),
			Cluster: cluster,

			Storage: NewMemoryStorage(),

			Logger: testLogger{},

			ApplyFunc: appliers[i].Apply,

			MinElectionTimeout: 200 * time.Millisecond,
			MaxElectionTimeout: 400 * time.Millisecond,
			HeartbeatInterval:  40 * time.Millisecond,
		})
		require.NoError(t, err)

		handlers[i].set(server.Handler())

		require.NoError(t, server.Start(nil))
		t.Cleanup(server.Stop)

		servers[i] = server
	}

	var leader *Server

	require.Eventually(t, func() bool {
		for _, server := range servers {
			if server.IsLeader(context.Background()) {
				leader = server
				return true
			}
		}

		return false
	}, 5*time.Second, 20*time.Millisecond)

	_, err := leader.ClientAppendEntries(context.Background(), "create:math")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, applier := range appliers {
			if !assert.ObjectsAreEqual([]string{"create:math"},
				applier.Commands()) {
				return false
			}
		}

		return true
	}, 5*time.Second, 20*time.Millisecond)
}
