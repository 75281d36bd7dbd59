package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-raftmq/pkg/raft"
	"github.com/galdor/go-service/pkg/service"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
}

type RaftCfg struct {
	// The position of a node in the list is its identifier.
	Nodes []NodeCfg `json:"nodes"`

	DataDirectory string `json:"dataDirectory"`

	Storage string   `json:"storage"` // "file" or "redis"
	Redis   RedisCfg `json:"redis"`

	// Milliseconds
	MinElectionTimeout int `json:"minElectionTimeout"`
	MaxElectionTimeout int `json:"maxElectionTimeout"`
	HeartbeatInterval  int `json:"heartbeatInterval"`
}

type NodeCfg struct {
	LocalAddress  string `json:"localAddress"`
	PublicAddress string `json:"publicAddress"`
	APIAddress    string `json:"apiAddress"`
}

type RedisCfg struct {
	Address   string `json:"address"`
	KeyPrefix string `json:"keyPrefix"`
}

func (cfg *ServiceCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *ejson.Validator) {
	v.WithChild("nodes", func() {
		for i, node := range cfg.Nodes {
			v.WithChild(i, func() {
				v.CheckStringNotEmpty("localAddress", node.LocalAddress)
				v.CheckStringNotEmpty("publicAddress", node.PublicAddress)
				v.CheckStringNotEmpty("apiAddress", node.APIAddress)
			})
		}
	})

	if cfg.Storage == "redis" {
		v.WithChild("redis", func() {
			v.CheckStringNotEmpty("address", cfg.Redis.Address)
		})
	} else {
		v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
	}
}

func (cfg *RaftCfg) Check() error {
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("empty node list")
	}

	switch cfg.Storage {
	case "", "file", "redis":
	default:
		return fmt.Errorf("invalid storage type %q", cfg.Storage)
	}

	if cfg.MinElectionTimeout < 0 || cfg.MaxElectionTimeout < 0 ||
		cfg.HeartbeatInterval < 0 {
		return fmt.Errorf("invalid negative timeout")
	}

	return nil
}

func (cfg *RaftCfg) Cluster() raft.Cluster {
	endpoints := make([]string, len(cfg.Nodes))
	for i, node := range cfg.Nodes {
		endpoints[i] = "http://" + node.PublicAddress
	}

	return raft.NewCluster(endpoints)
}

func (cfg *RaftCfg) NodeId(value string) (raft.NodeId, error) {
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", value)
	}

	if i < 0 || i >= len(cfg.Nodes) {
		return 0, fmt.Errorf("unknown node id %d", i)
	}

	return raft.NodeId(i), nil
}

func milliseconds(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
