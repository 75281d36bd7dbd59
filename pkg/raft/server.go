package raft

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

type ApplyFunc func(LogIndex, LogEntry) error

type ServerCfg struct {
	Id      NodeId
	Cluster Cluster

	// The address the peer RPC HTTP server listens on; no server is started
	// if it is empty.
	ListenAddress string

	Storage   Storage
	Transport Transport

	Logger Logger

	// Called on the main goroutine for every committed entry, in log
	// order. No-op entries are not delivered.
	ApplyFunc ApplyFunc

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id   NodeId
	Node Node

	role  RoleState
	peers []Node

	storage   Storage
	transport Transport

	electionTimer   *ElectionTimer
	heartbeatTicker *time.Ticker

	httpServer *http.Server

	// Every operation on the node state runs on the main goroutine.
	opChan chan func()

	fatalErr error

	errorChan chan<- error
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewServer(cfg ServerCfg) (*Server, error) {
	node, err := cfg.Cluster.Node(cfg.Id)
	if err != nil {
		return nil, err
	}

	if cfg.Storage == nil {
		return nil, fmt.Errorf("missing storage")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 150 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 300 * time.Millisecond
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.MinElectionTimeout > cfg.MaxElectionTimeout {
		return nil, fmt.Errorf("minimum election timeout %v is greater than "+
			"maximum election timeout %v",
			cfg.MinElectionTimeout, cfg.MaxElectionTimeout)
	}

	if cfg.HeartbeatInterval >= cfg.MinElectionTimeout {
		return nil, fmt.Errorf("heartbeat interval %v must be lower than "+
			"minimum election timeout %v",
			cfg.HeartbeatInterval, cfg.MinElectionTimeout)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.Id)
	}

	randSource := rand.NewSource(time.Now().UnixNano() + int64(cfg.Id))

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:   cfg.Id,
		Node: node,

		peers: cfg.Cluster.Peers(cfg.Id),

		storage:   cfg.Storage,
		transport: transport,

		electionTimer: NewElectionTimer(cfg.MinElectionTimeout,
			cfg.MaxElectionTimeout, rand.New(randSource)),

		opChan: make(chan func()),

		stopChan: make(chan struct{}),
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	state, err := LoadNodeState(s.Id, s.Cfg.Cluster.Size(), s.storage)
	if err != nil {
		return fmt.Errorf("cannot load node state: %w", err)
	}

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %s, "+
		"%d log entries", state.CurrentTerm(), formatNodeId(state.VotedFor()),
		state.Log.Len())

	if s.Cfg.ListenAddress != "" {
		if err := s.startHTTPServer(); err != nil {
			return fmt.Errorf("cannot start http server: %w", err)
		}
	}

	s.role = NewFollower(state, nil)

	s.heartbeatTicker = time.NewTicker(s.Cfg.HeartbeatInterval)
	s.resetElectionTimer()

	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.fatalErr = fmt.Errorf("panic: %s", msg)
			s.reportError(s.fatalErr)

			s.stopOnce.Do(func() { close(s.stopChan) })
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.heartbeatTicker.C:
			s.onHeartbeatTicker()

		case <-s.electionTimer.C():
			s.onElectionTimer()

		case op := <-s.opChan:
			op()
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	if s.httpServer != nil {
		s.stopHTTPServer()
	}

	s.heartbeatTicker.Stop()
	s.electionTimer.Stop()

	if leader, ok := s.role.(*Leader); ok {
		leader.stop()
	}

	s.storage.Close()
}

// exec runs fn on the main goroutine and waits for it to return.
func (s *Server) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	op := func() {
		defer close(done)
		fn()
	}

	select {
	case s.opChan <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopChan:
		return ErrServerStopped
	}

	// Once accepted, an operation always runs to completion.
	<-done

	return nil
}

// post queues fn for the main goroutine without waiting for it; used by
// goroutines reporting the results of outgoing RPCs.
func (s *Server) post(fn func()) {
	select {
	case s.opChan <- fn:
	case <-s.stopChan:
	}
}

func (s *Server) reportError(err error) {
	if s.errorChan == nil {
		return
	}

	go func() {
		select {
		case s.errorChan <- err:
		case <-time.After(time.Second):
		}
	}()
}

// fail halts the node after an error it cannot recover from, typically a
// persistence failure: acting on state which could not be saved would break
// election safety.
func (s *Server) fail(err error) {
	if s.fatalErr != nil {
		return
	}

	s.Log.Error("fatal error: %v", err)

	s.fatalErr = err

	s.electionTimer.Stop()
	s.heartbeatTicker.Stop()

	if leader, ok := s.role.(*Leader); ok {
		leader.stop()
	}

	s.reportError(err)
}

func (s *Server) onHeartbeatTicker() {
	if s.fatalErr != nil {
		return
	}

	leader, ok := s.role.(*Leader)
	if !ok || leader.replicating {
		return
	}

	s.replicate(leader)
}

func (s *Server) onElectionTimer() {
	if s.fatalErr != nil {
		return
	}

	switch s.role.(type) {
	case *Follower, *Candidate:
		s.becomeCandidate()

	default:
		s.Log.Error("unexpected election timer activation as %v",
			s.role.Role())
	}
}

func (s *Server) currentTerm() Term {
	return s.role.Shared().CurrentTerm()
}

func (s *Server) becomeFollower(leaderId *NodeId) {
	if follower, ok := s.role.(*Follower); ok {
		if leaderId != nil && !sameNodeId(leaderId, follower.LeaderId) {
			s.Log.Info("leader is %d in term %d", *leaderId, s.currentTerm())
		}

		follower.LeaderId = leaderId
	} else {
		if leader, ok := s.role.(*Leader); ok {
			leader.stop()
		}

		s.Log.Debug(1, "%v becoming follower in term %d", s.role.Role(),
			s.currentTerm())

		s.role = NewFollower(*s.role.Shared(), leaderId)
	}

	s.resetElectionTimer()
}

func (s *Server) becomeCandidate() {
	candidate := NewCandidate(*s.role.Shared())
	s.role = candidate

	req, err := candidate.StartElection()
	if err != nil {
		s.fail(err)
		return
	}

	s.Log.Debug(1, "starting election for term %d", req.Term)

	if candidate.WinsElection() {
		s.becomeLeader()
		return
	}

	// If the round never concludes, the timer starts a new election.
	s.resetElectionTimer()

	go s.requestVotes(candidate, req)
}

func (s *Server) requestVotes(candidate *Candidate, req *VoteRequest) {
	defer s.recoverPanic("vote requests")

	ctx, cancel := context.WithTimeout(context.Background(),
		s.Cfg.MinElectionTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, peer := range s.peers {
		wg.Add(1)

		go func(peer Node) {
			defer wg.Done()

			s.Log.Debug(2, "sending %v to %d", req, peer.Id)

			res, err := s.transport.RequestVote(ctx, peer, *req)
			if err != nil {
				s.Log.Debug(1, "cannot request vote from %d: %v", peer.Id, err)
				return
			}

			s.post(func() { s.onVoteResult(candidate, &res) })
		}(peer)
	}

	wg.Wait()

	s.post(func() { s.onElectionRoundEnd(candidate) })
}

func (s *Server) onVoteResult(candidate *Candidate, res *VoteResult) {
	if s.role != RoleState(candidate) || s.fatalErr != nil {
		return
	}

	s.Log.Debug(2, "received %v", res)

	if res.Term > candidate.CurrentTerm() {
		s.Log.Debug(1, "vote result from %d has term %d (current term: %d)",
			res.VoterId, res.Term, candidate.CurrentTerm())
		s.stepDown(res.Term)
		return
	}

	candidate.AddVote(res)

	if candidate.WinsElection() {
		s.becomeLeader()
	}
}

func (s *Server) onElectionRoundEnd(candidate *Candidate) {
	if s.role != RoleState(candidate) || s.fatalErr != nil {
		return
	}

	s.Log.Debug(1, "lost election for term %d with %d/%d votes",
		candidate.CurrentTerm(), len(candidate.VotesReceived),
		s.Cfg.Cluster.Size())

	s.becomeFollower(nil)
}

// stepDown adopts a higher term discovered in a response and reverts to
// follower.
func (s *Server) stepDown(term Term) {
	state := s.role.Shared()

	if err := state.updatePersistentState(PersistentState{CurrentTerm: term}); err != nil {
		s.fail(err)
		return
	}

	s.becomeFollower(nil)
}

func (s *Server) becomeLeader() {
	leader := NewLeader(*s.role.Shared(), s.peers)
	s.role = leader

	s.electionTimer.Stop()

	s.Log.Info("becoming leader for term %d", leader.CurrentTerm())

	// Entries of previous terms can only be committed once an entry of the
	// current term is.
	if _, err := leader.ClientAppendEntries(""); err != nil {
		s.fail(err)
		return
	}

	s.replicate(leader)
}

func (s *Server) replicate(leader *Leader) {
	if len(s.peers) == 0 {
		if leader.AdvanceCommitIndex() {
			s.applyCommitted()
		}

		return
	}

	reqs := make(map[NodeId]*AppendEntriesRequest, len(s.peers))
	for _, peer := range s.peers {
		reqs[peer.Id] = leader.AppendEntriesRequest(peer.Id)
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		s.Cfg.HeartbeatInterval)

	leader.replicating = true
	leader.cancel = cancel

	go s.sendAppendEntries(ctx, cancel, leader, reqs)
}

func (s *Server) sendAppendEntries(ctx context.Context, cancel func(), leader *Leader, reqs map[NodeId]*AppendEntriesRequest) {
	defer s.recoverPanic("append entries requests")
	defer cancel()

	var wg sync.WaitGroup

	for _, peer := range s.peers {
		wg.Add(1)

		go func(peer Node) {
			defer wg.Done()

			req := reqs[peer.Id]

			s.Log.Debug(2, "sending %v to %d", req, peer.Id)

			res, err := s.transport.AppendEntries(ctx, peer, *req)
			if err != nil {
				s.Log.Debug(2, "no append entries result from %d: %v",
					peer.Id, err)
				return
			}

			s.post(func() { s.onAppendEntriesResult(leader, peer.Id, req, &res) })
		}(peer)
	}

	wg.Wait()

	s.post(func() {
		if s.role == RoleState(leader) {
			leader.replicating = false
			leader.cancel = nil
		}
	})
}

func (s *Server) onAppendEntriesResult(leader *Leader, peerId NodeId, req *AppendEntriesRequest, res *AppendEntriesResult) {
	if s.role != RoleState(leader) || leader.Stopped() || s.fatalErr != nil {
		return
	}

	s.Log.Debug(2, "received %v", res)

	if res.Term > leader.CurrentTerm() {
		s.Log.Info("follower %d has term %d (current term: %d), "+
			"reverting to follower", peerId, res.Term, leader.CurrentTerm())
		s.stepDown(res.Term)
		return
	}

	leader.HandleAppendEntriesResult(peerId, req, res)

	if leader.AdvanceCommitIndex() {
		s.Log.Debug(1, "commit index is now %d", leader.CommitIndex)
		s.applyCommitted()
	}
}

func (s *Server) applyCommitted() {
	state := s.role.Shared()

	for state.LastApplied < state.CommitIndex {
		index := state.LastApplied + 1

		entry, found := state.Log.Entry(index)
		if !found {
			break
		}

		if entry.Command != "" && s.Cfg.ApplyFunc != nil {
			if err := s.Cfg.ApplyFunc(index, entry); err != nil {
				s.Log.Error("cannot apply entry %d: %v", index, err)
			}
		}

		state.LastApplied = index
	}
}

func (s *Server) resetElectionTimer() {
	timeout := s.electionTimer.Reset()
	s.Log.Debug(2, "election timer will expire in %v", timeout)
}

// Vote handles a vote request from a candidate.
func (s *Server) Vote(ctx context.Context, req VoteRequest) (VoteResult, error) {
	var res VoteResult
	var err error

	execErr := s.exec(ctx, func() {
		res, err = s.onVoteRequest(&req)
	})
	if execErr != nil {
		return VoteResult{}, execErr
	}

	return res, err
}

func (s *Server) onVoteRequest(req *VoteRequest) (VoteResult, error) {
	if s.fatalErr != nil {
		return VoteResult{}, s.fatalErr
	}

	s.Log.Debug(2, "received %v", req)

	term := s.currentTerm()

	res, err := s.role.HandleVote(req)
	if err != nil {
		s.fail(err)
		return VoteResult{}, err
	}

	if follower, ok := s.role.(*Follower); ok {
		if res.Term > term {
			follower.LeaderId = nil
		}

		if res.VoteGranted {
			s.resetElectionTimer()
		}
	} else if res.Term > term {
		s.Log.Debug(1, "vote request from %d has term %d (current term: %d)",
			req.CandidateId, req.Term, term)
		s.becomeFollower(nil)
	}

	return res, nil
}

// AppendEntries handles an append entries request, heartbeats included, from
// a leader.
func (s *Server) AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResult, error) {
	var res AppendEntriesResult
	var err error

	execErr := s.exec(ctx, func() {
		res, err = s.onAppendEntriesRequest(&req)
	})
	if execErr != nil {
		return AppendEntriesResult{}, execErr
	}

	return res, err
}

func (s *Server) onAppendEntriesRequest(req *AppendEntriesRequest) (AppendEntriesResult, error) {
	if s.fatalErr != nil {
		return AppendEntriesResult{}, s.fatalErr
	}

	s.Log.Debug(2, "received %v", req)

	if req.Term >= s.currentTerm() {
		s.becomeFollower(&req.LeaderId)
	}

	res, err := s.role.HandleAppendEntries(req)
	if err != nil {
		s.fail(err)
		return AppendEntriesResult{}, err
	}

	s.applyCommitted()

	return res, nil
}

// ClientAppendEntries appends a command to the log of the leader. It returns
// as soon as the entry is stored locally; callers wait for the commit if they
// need to.
func (s *Server) ClientAppendEntries(ctx context.Context, command string) (ClientAppendResult, error) {
	var res ClientAppendResult
	var err error

	execErr := s.exec(ctx, func() {
		if s.fatalErr != nil {
			err = s.fatalErr
			return
		}

		leader, ok := s.role.(*Leader)
		if !ok {
			err = ErrNotLeader
			return
		}

		res, err = leader.ClientAppendEntries(command)
		if err != nil {
			s.fail(err)
		}
	})
	if execErr != nil {
		return ClientAppendResult{}, execErr
	}

	return res, err
}

func (s *Server) Status(ctx context.Context) (Status, error) {
	var status Status

	err := s.exec(ctx, func() {
		state := s.role.Shared()

		status = Status{
			Id:           s.Id,
			Role:         s.role.Role(),
			Term:         state.CurrentTerm(),
			CommitIndex:  state.CommitIndex,
			LastLogIndex: state.Log.LastLogIndex(),
		}

		switch role := s.role.(type) {
		case *Follower:
			status.LeaderId = role.LeaderId
		case *Leader:
			status.LeaderId = votedFor(s.Id)
		}
	})

	return status, err
}

// IsLeader returns true if the node is currently the leader of the cluster and
// can accept client writes.
func (s *Server) IsLeader(ctx context.Context) bool {
	var isLeader bool

	err := s.exec(ctx, func() {
		_, isLeader = s.role.(*Leader)
		isLeader = isLeader && s.fatalErr == nil
	})

	return err == nil && isLeader
}

// Entries returns the log entries starting at index from.
func (s *Server) Entries(ctx context.Context, from LogIndex) ([]LogEntry, error) {
	var entries []LogEntry

	err := s.exec(ctx, func() {
		entries = s.role.Shared().Log.EntriesFrom(from)
	})

	return entries, err
}

func formatNodeId(id *NodeId) string {
	if id == nil {
		return "null"
	}

	return fmt.Sprintf("%d", *id)
}
