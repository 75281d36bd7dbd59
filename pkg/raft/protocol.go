package raft

import (
	"fmt"

	jsonvalidator "github.com/galdor/go-json-validator"
)

type RPCMsg interface {
	GetTerm() Term

	fmt.Stringer
}

type VoteRequest struct {
	Term         Term     `json:"term"`
	CandidateId  NodeId   `json:"candidateId"`
	LastLogIndex LogIndex `json:"lastLogIndex"`
	LastLogTerm  Term     `json:"lastLogTerm"`
}

func (msg *VoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *VoteRequest) String() string {
	return fmt.Sprintf("VoteRequest{term: %d, candidateId: %d, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

func (msg *VoteRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckIntMin("term", int(msg.Term), 0)
	v.CheckIntMin("candidateId", int(msg.CandidateId), 0)
	v.CheckIntMin("lastLogIndex", int(msg.LastLogIndex), int(NoIndex))
	v.CheckIntMin("lastLogTerm", int(msg.LastLogTerm), int(NoTerm))
}

type VoteResult struct {
	VoteGranted bool   `json:"voteGranted"`
	Term        Term   `json:"term"`
	VoterId     NodeId `json:"voterId"`
}

func (msg *VoteResult) GetTerm() Term {
	return msg.Term
}

func (msg *VoteResult) String() string {
	return fmt.Sprintf("VoteResult{voteGranted: %v, term: %d, voterId: %d}",
		msg.VoteGranted, msg.Term, msg.VoterId)
}

type AppendEntriesRequest struct {
	Term         Term       `json:"term"`
	LeaderId     NodeId     `json:"leaderId"`
	PrevLogIndex LogIndex   `json:"prevLogIndex"`
	PrevLogTerm  Term       `json:"prevLogTerm"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit LogIndex   `json:"leaderCommit"`
}

func (msg *AppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %d, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

func (msg *AppendEntriesRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckIntMin("term", int(msg.Term), 0)
	v.CheckIntMin("leaderId", int(msg.LeaderId), 0)
	v.CheckIntMin("prevLogIndex", int(msg.PrevLogIndex), int(NoIndex))
	v.CheckIntMin("prevLogTerm", int(msg.PrevLogTerm), int(NoTerm))
	v.CheckIntMin("leaderCommit", int(msg.LeaderCommit), int(NoIndex))

	v.WithChild("entries", func() {
		for i, entry := range msg.Entries {
			v.WithChild(i, func() {
				v.CheckIntMin("term", int(entry.Term), 0)
			})
		}
	})
}

type AppendEntriesResult struct {
	Success    bool   `json:"success"`
	Term       Term   `json:"term"`
	FollowerId NodeId `json:"followerId"`
}

func (msg *AppendEntriesResult) GetTerm() Term {
	return msg.Term
}

func (msg *AppendEntriesResult) String() string {
	return fmt.Sprintf("AppendEntriesResult{success: %v, term: %d, "+
		"followerId: %d}", msg.Success, msg.Term, msg.FollowerId)
}

type ClientAppendResult struct {
	Accepted bool     `json:"accepted"`
	Index    LogIndex `json:"index"`
	Term     Term     `json:"term"`
}
