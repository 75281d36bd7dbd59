package raft

import (
	"fmt"
	"sort"
)

// RoleState is the current role of a node with its role-specific volatile
// fields. A node holds exactly one value at a time; transitions build a new
// value from the fields shared by all roles.
type RoleState interface {
	Role() Role
	Shared() *NodeState

	HandleVote(*VoteRequest) (VoteResult, error)
	HandleAppendEntries(*AppendEntriesRequest) (AppendEntriesResult, error)

	WinsElection() bool
}

// NodeState contains the fields carried forward across role transitions.
type NodeState struct {
	Id          NodeId
	ClusterSize int

	CommitIndex LogIndex
	LastApplied LogIndex

	Log *ReplicatedLog

	persistentState PersistentState
	storage         Storage
}

// LoadNodeState reads the durable state of a node, initializing and saving
// it if it does not exist yet.
func LoadNodeState(id NodeId, clusterSize int, storage Storage) (NodeState, error) {
	s := NodeState{
		Id:          id,
		ClusterSize: clusterSize,

		CommitIndex: NoIndex,
		LastApplied: NoIndex,

		storage: storage,
	}

	pstate, found, err := storage.LoadState()
	if err != nil {
		return s, fmt.Errorf("cannot load persistent state: %w", err)
	}

	if found {
		s.persistentState = pstate
	} else if err := s.updatePersistentState(PersistentState{}); err != nil {
		return s, err
	}

	log, err := OpenReplicatedLog(storage)
	if err != nil {
		return s, err
	}
	s.Log = log

	return s, nil
}

func (s *NodeState) CurrentTerm() Term {
	return s.persistentState.CurrentTerm
}

func (s *NodeState) VotedFor() *NodeId {
	return s.persistentState.VotedFor
}

func (s *NodeState) Shared() *NodeState {
	return s
}

func (s *NodeState) WinsElection() bool {
	return false
}

func (s *NodeState) updatePersistentState(pstate PersistentState) error {
	if err := s.storage.SaveState(pstate); err != nil {
		return fmt.Errorf("cannot save persistent state: %w", err)
	}

	s.persistentState = pstate
	return nil
}

func (s *NodeState) HandleVote(req *VoteRequest) (VoteResult, error) {
	pstate := s.persistentState

	if req.Term > pstate.CurrentTerm {
		pstate = PersistentState{CurrentTerm: req.Term}
	}

	res := VoteResult{
		Term:    pstate.CurrentTerm,
		VoterId: s.Id,
	}

	if req.Term < pstate.CurrentTerm {
		return res, nil
	}

	canVote := pstate.VotedFor == nil || *pstate.VotedFor == req.CandidateId

	if canVote && s.isLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
		pstate.VotedFor = votedFor(req.CandidateId)
		res.VoteGranted = true
	}

	if pstate.CurrentTerm != s.persistentState.CurrentTerm ||
		!sameNodeId(pstate.VotedFor, s.persistentState.VotedFor) {
		if err := s.updatePersistentState(pstate); err != nil {
			return VoteResult{}, err
		}
	}

	return res, nil
}

func (s *NodeState) isLogUpToDate(lastIndex LogIndex, lastTerm Term) bool {
	localTerm := s.Log.LastLogTerm()

	if lastTerm != localTerm {
		return lastTerm > localTerm
	}

	return lastIndex >= s.Log.LastLogIndex()
}

func (s *NodeState) HandleAppendEntries(req *AppendEntriesRequest) (AppendEntriesResult, error) {
	if req.Term > s.persistentState.CurrentTerm {
		pstate := PersistentState{CurrentTerm: req.Term}
		if err := s.updatePersistentState(pstate); err != nil {
			return AppendEntriesResult{}, err
		}
	}

	res := AppendEntriesResult{
		Term:       s.persistentState.CurrentTerm,
		FollowerId: s.Id,
	}

	if req.Term < s.persistentState.CurrentTerm {
		return res, nil
	}

	if s.Log.TermAt(req.PrevLogIndex) != req.PrevLogTerm {
		// Heartbeats never mutate the log; they are only rejected so that
		// the leader backs up.
		if len(req.Entries) > 0 {
			if err := s.Log.TruncateAfter(req.PrevLogIndex); err != nil {
				return AppendEntriesResult{}, err
			}
		}

		return res, nil
	}

	if err := s.appendNewEntries(req.PrevLogIndex, req.Entries); err != nil {
		return AppendEntriesResult{}, err
	}

	res.Success = true

	if req.LeaderCommit > s.CommitIndex {
		lastNewIndex := req.PrevLogIndex + LogIndex(len(req.Entries))
		s.setCommitIndex(min(req.LeaderCommit, lastNewIndex))
	}

	return res, nil
}

// appendNewEntries skips the entries already present in the log and replaces
// everything from the first conflicting one.
func (s *NodeState) appendNewEntries(prevIndex LogIndex, entries []LogEntry) error {
	for i, entry := range entries {
		index := prevIndex + 1 + LogIndex(i)

		if s.Log.TermAt(index) != entry.Term {
			return s.Log.AppendFrom(index-1, entries[i:])
		}
	}

	return nil
}

func (s *NodeState) setCommitIndex(index LogIndex) {
	if index > s.CommitIndex {
		s.CommitIndex = index
	}
}

type Follower struct {
	NodeState

	LeaderId *NodeId
}

func NewFollower(s NodeState, leaderId *NodeId) *Follower {
	return &Follower{
		NodeState: s,
		LeaderId:  leaderId,
	}
}

func (f *Follower) Role() Role {
	return RoleFollower
}

type Candidate struct {
	NodeState

	VotesReceived map[NodeId]struct{}
}

func NewCandidate(s NodeState) *Candidate {
	return &Candidate{
		NodeState:     s,
		VotesReceived: make(map[NodeId]struct{}),
	}
}

func (c *Candidate) Role() Role {
	return RoleCandidate
}

// StartElection moves to the next term, votes for the candidate itself and
// returns the request to send to every peer.
func (c *Candidate) StartElection() (*VoteRequest, error) {
	pstate := PersistentState{
		CurrentTerm: c.persistentState.CurrentTerm + 1,
		VotedFor:    votedFor(c.Id),
	}

	if err := c.updatePersistentState(pstate); err != nil {
		return nil, err
	}

	c.VotesReceived = map[NodeId]struct{}{c.Id: {}}

	req := VoteRequest{
		Term:         pstate.CurrentTerm,
		CandidateId:  c.Id,
		LastLogIndex: c.Log.LastLogIndex(),
		LastLogTerm:  c.Log.LastLogTerm(),
	}

	return &req, nil
}

func (c *Candidate) AddVote(res *VoteResult) {
	if res.VoteGranted && res.Term == c.persistentState.CurrentTerm {
		c.VotesReceived[res.VoterId] = struct{}{}
	}
}

func (c *Candidate) WinsElection() bool {
	return 2*len(c.VotesReceived) > c.ClusterSize
}

type Leader struct {
	NodeState

	NextIndex  map[NodeId]LogIndex
	MatchIndex map[NodeId]LogIndex

	stopped     bool
	replicating bool
	cancel      func()
}

func NewLeader(s NodeState, peers []Node) *Leader {
	l := Leader{
		NodeState: s,

		NextIndex:  make(map[NodeId]LogIndex),
		MatchIndex: make(map[NodeId]LogIndex),
	}

	for _, peer := range peers {
		l.NextIndex[peer.Id] = s.Log.LastLogIndex() + 1
		l.MatchIndex[peer.Id] = NoIndex
	}

	return &l
}

func (l *Leader) Role() Role {
	return RoleLeader
}

func (l *Leader) Stopped() bool {
	return l.stopped
}

func (l *Leader) stop() {
	l.stopped = true

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *Leader) ClientAppendEntries(command string) (ClientAppendResult, error) {
	entry := LogEntry{
		Term:    l.persistentState.CurrentTerm,
		Command: command,
	}

	if err := l.Log.AppendFrom(l.Log.LastLogIndex(), []LogEntry{entry}); err != nil {
		return ClientAppendResult{}, err
	}

	res := ClientAppendResult{
		Accepted: true,
		Index:    l.Log.LastLogIndex(),
		Term:     entry.Term,
	}

	return res, nil
}

func (l *Leader) AppendEntriesRequest(peerId NodeId) *AppendEntriesRequest {
	nextIndex := l.NextIndex[peerId]
	prevLogIndex := nextIndex - 1

	return &AppendEntriesRequest{
		Term:         l.persistentState.CurrentTerm,
		LeaderId:     l.Id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  l.Log.TermAt(prevLogIndex),
		Entries:      l.Log.EntriesFrom(nextIndex),
		LeaderCommit: l.CommitIndex,
	}
}

// HandleAppendEntriesResult updates the replication progress of a peer from
// the result of a request built by AppendEntriesRequest.
func (l *Leader) HandleAppendEntriesResult(peerId NodeId, req *AppendEntriesRequest, res *AppendEntriesResult) {
	if res.Term > l.persistentState.CurrentTerm {
		return
	}

	if res.Success {
		matchIndex := req.PrevLogIndex + LogIndex(len(req.Entries))

		if matchIndex > l.MatchIndex[peerId] {
			l.MatchIndex[peerId] = matchIndex
		}

		l.NextIndex[peerId] = l.MatchIndex[peerId] + 1
		return
	}

	if l.NextIndex[peerId] == req.PrevLogIndex+1 && l.NextIndex[peerId] > 0 {
		l.NextIndex[peerId]--
	}
}

// AdvanceCommitIndex commits the highest entry of the current term stored on
// a majority of the cluster, the leader included. It returns true if the
// commit index changed.
func (l *Leader) AdvanceCommitIndex() bool {
	matchIndexes := make([]LogIndex, 0, len(l.MatchIndex)+1)
	matchIndexes = append(matchIndexes, l.Log.LastLogIndex())
	for _, index := range l.MatchIndex {
		matchIndexes = append(matchIndexes, index)
	}

	sort.Slice(matchIndexes, func(i, j int) bool {
		return matchIndexes[i] > matchIndexes[j]
	})

	if len(matchIndexes) <= l.ClusterSize/2 {
		return false
	}

	// With n indexes sorted in decreasing order, the value at position
	// n/2 is stored on at least n/2+1 nodes.
	quorumIndex := matchIndexes[l.ClusterSize/2]

	if quorumIndex <= l.CommitIndex {
		return false
	}

	if l.Log.TermAt(quorumIndex) != l.persistentState.CurrentTerm {
		return false
	}

	l.setCommitIndex(quorumIndex)
	return true
}

func sameNodeId(a, b *NodeId) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}
