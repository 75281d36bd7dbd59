package main

import (
	"context"
	"errors"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/galdor/go-raftmq/pkg/mq"
	"github.com/galdor/go-raftmq/pkg/raft"
	"github.com/galdor/go-service/pkg/shttp"
)

// RaftNode is the part of the raft server used to report the state of the
// node.
type RaftNode interface {
	Status(context.Context) (raft.Status, error)
}

type APIServer struct {
	Log    *log.Logger
	Broker *mq.Broker
	Node   RaftNode

	server *shttp.Server
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Log:    s.Log,
		Broker: s.broker,
		Node:   s.raftServer,

		server: s.Service.HTTPServer("api"),
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/topic", "GET", api.hTopicGET)
	api.Route("/topic", "PUT", api.hTopicPUT)
	api.Route("/message", "PUT", api.hMessagePUT)
	api.Route("/message/:topic", "GET", api.hMessageTopicGET)
	api.Route("/status", "GET", api.hStatusGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	api.server.Route(pathPattern, method, routeFunc)
}

type TopicsResponse struct {
	Success bool     `json:"success"`
	Topics  []string `json:"topics"`
}

type TopicRequest struct {
	Topic string `json:"topic"`
}

func (r *TopicRequest) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("topic", r.Topic)
}

type MessageRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func (r *MessageRequest) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("topic", r.Topic)
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type StatusResponse struct {
	Role raft.Role `json:"role"`
	Term raft.Term `json:"term"`
}

func (api *APIServer) hTopicGET(h *shttp.Handler) {
	topics, err := api.Broker.ListTopics(h.Request.Context())
	if err != nil {
		h.ReplyJSON(200, &TopicsResponse{Success: false, Topics: []string{}})
		return
	}

	h.ReplyJSON(200, &TopicsResponse{Success: true, Topics: topics})
}

func (api *APIServer) hTopicPUT(h *shttp.Handler) {
	var req TopicRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	res, err := api.Broker.CreateTopic(h.Request.Context(), req.Topic)
	api.replyResult(h, res, err)
}

func (api *APIServer) hMessagePUT(h *shttp.Handler) {
	var req MessageRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	res, err := api.Broker.PushMessage(h.Request.Context(), req.Topic,
		req.Message)
	api.replyResult(h, res, err)
}

func (api *APIServer) hMessageTopicGET(h *shttp.Handler) {
	topic := h.PathVariable("topic")

	res, err := api.Broker.PopMessage(h.Request.Context(), topic)
	if err != nil {
		api.replyResult(h, res, err)
		return
	}

	h.ReplyJSON(200, &MessageResponse{Success: res.Success, Message: res.Message})
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	status, err := api.Node.Status(h.Request.Context())
	if err != nil {
		h.ReplyJSON(503, &SuccessResponse{Error: err.Error()})
		return
	}

	h.ReplyJSON(200, &StatusResponse{Role: status.Role, Term: status.Term})
}

func (api *APIServer) replyResult(h *shttp.Handler, res mq.Result, err error) {
	switch {
	case err == nil:
		h.ReplyJSON(200, &SuccessResponse{Success: res.Success})

	case errors.Is(err, raft.ErrNotLeader):
		h.ReplyJSON(200, &SuccessResponse{Success: false})

	default:
		api.Log.Error("cannot execute operation: %v", err)
		h.ReplyJSON(503, &SuccessResponse{Error: err.Error()})
	}
}
