package main

import (
	"fmt"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-raftmq/pkg/mq"
	"github.com/galdor/go-raftmq/pkg/raft"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/redis/go-redis/v9"
)

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	nodeId raft.NodeId

	queue      *mq.Queue
	broker     *mq.Broker
	raftServer *raft.Server
	apiServer  *APIServer

	redisClient *redis.Client
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	if err := s.Cfg.Raft.Check(); err != nil {
		return err
	}

	nodeId, err := s.Cfg.Raft.NodeId(s.Program.ArgumentValue("id"))
	if err != nil {
		return err
	}
	s.nodeId = nodeId

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	nodeCfg := s.Cfg.Raft.Nodes[s.nodeId]

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               nodeCfg.APIAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.queue = mq.NewQueue()

	if err := s.initRaftServer(); err != nil {
		return err
	}

	s.broker = mq.NewBroker(s.queue, s.raftServer)

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initRaftServer() error {
	cfg := s.Cfg.Raft

	logger := s.Log.Child("raft", log.Data{
		"node": int(s.nodeId),
	})

	storage, err := s.newStorage()
	if err != nil {
		return fmt.Errorf("cannot create storage: %w", err)
	}

	serverCfg := raft.ServerCfg{
		Id:      s.nodeId,
		Cluster: cfg.Cluster(),

		ListenAddress: cfg.Nodes[s.nodeId].LocalAddress,

		Storage: storage,

		Logger: logger,

		ApplyFunc: s.queue.Apply,

		MinElectionTimeout: milliseconds(cfg.MinElectionTimeout),
		MaxElectionTimeout: milliseconds(cfg.MaxElectionTimeout),
		HeartbeatInterval:  milliseconds(cfg.HeartbeatInterval),
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) newStorage() (raft.Storage, error) {
	cfg := s.Cfg.Raft

	if cfg.Storage == "redis" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Address,
		})

		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "raftmq"
		}

		return raft.NewRedisStorage(s.redisClient, prefix, s.nodeId), nil
	}

	return raft.NewFileStorage(cfg.DataDirectory, s.nodeId)
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.raftServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.raftServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
	if s.redisClient != nil {
		s.redisClient.Close()
	}
}
