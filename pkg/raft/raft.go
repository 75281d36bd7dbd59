package raft

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotLeader     = errors.New("node is not the leader")
	ErrServerStopped = errors.New("server stopped")
	ErrUnknownNode   = errors.New("unknown node")
)

type NodeId int

type Node struct {
	Id       NodeId `json:"id"`
	Endpoint string `json:"endpoint"`
}

func (n Node) String() string {
	return fmt.Sprintf("%d -> %s", n.Id, n.Endpoint)
}

// Cluster is the fixed, ordered list of the nodes of the group. The position
// of a node in the list is its identifier.
type Cluster []Node

func NewCluster(endpoints []string) Cluster {
	c := make(Cluster, len(endpoints))

	for i, endpoint := range endpoints {
		c[i] = Node{Id: NodeId(i), Endpoint: endpoint}
	}

	return c
}

func (c Cluster) Size() int {
	return len(c)
}

func (c Cluster) Node(id NodeId) (Node, error) {
	if id < 0 || int(id) >= len(c) {
		return Node{}, fmt.Errorf("%w %d", ErrUnknownNode, id)
	}

	return c[id], nil
}

// Peers returns all nodes except the one identified by self.
func (c Cluster) Peers(self NodeId) []Node {
	peers := make([]Node, 0, len(c))

	for _, node := range c {
		if node.Id != self {
			peers = append(peers, node)
		}
	}

	return peers
}

func (c Cluster) String() string {
	parts := make([]string, len(c))
	for i, node := range c {
		parts[i] = node.String()
	}

	return strings.Join(parts, ", ")
}

type Role string

const (
	RoleFollower  Role = "Follower"
	RoleCandidate Role = "Candidate"
	RoleLeader    Role = "Leader"
)

type Term int64

// LogIndex is a 0-based position in the replicated log; -1 designates the
// position before the first entry.
type LogIndex int64

const NoIndex LogIndex = -1

// NoTerm is returned for term lookups on missing entries.
const NoTerm Term = -1

type LogEntry struct {
	Term    Term   `json:"term"`
	Command string `json:"command"`
}

type PersistentState struct {
	CurrentTerm Term    `json:"currentTerm"`
	VotedFor    *NodeId `json:"votedFor"`
}

func (s PersistentState) HasVotedFor(id NodeId) bool {
	return s.VotedFor != nil && *s.VotedFor == id
}

func votedFor(id NodeId) *NodeId {
	return &id
}

type Status struct {
	Id           NodeId   `json:"id"`
	Role         Role     `json:"role"`
	Term         Term     `json:"term"`
	LeaderId     *NodeId  `json:"leaderId,omitempty"`
	CommitIndex  LogIndex `json:"commitIndex"`
	LastLogIndex LogIndex `json:"lastLogIndex"`
}
