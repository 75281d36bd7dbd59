package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Transport sends RPCs to the other nodes of the cluster. Calls must return
// once the context is done.
type Transport interface {
	RequestVote(context.Context, Node, VoteRequest) (VoteResult, error)
	AppendEntries(context.Context, Node, AppendEntriesRequest) (AppendEntriesResult, error)
}

type HTTPTransport struct {
	sourceId   NodeId
	httpClient *http.Client
}

func NewHTTPTransport(sourceId NodeId) *HTTPTransport {
	return &HTTPTransport{
		sourceId:   sourceId,
		httpClient: newHTTPClient(),
	}
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) RequestVote(ctx context.Context, node Node, req VoteRequest) (VoteResult, error) {
	var res VoteResult
	err := t.call(ctx, node, "/raft/vote", &req, &res)
	return res, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, node Node, req AppendEntriesRequest) (AppendEntriesResult, error) {
	var res AppendEntriesResult
	err := t.call(ctx, node, "/raft/heartbeat", &req, &res)
	return res, err
}

func (t *HTTPTransport) call(ctx context.Context, node Node, path string, reqMsg, resMsg RPCMsg) error {
	reqData, err := json.Marshal(reqMsg)
	if err != nil {
		return fmt.Errorf("cannot encode request: %w", err)
	}

	uri := strings.TrimRight(node.Endpoint, "/") + path

	req, err := http.NewRequestWithContext(ctx, "POST", uri,
		bytes.NewReader(reqData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raft-Source-Id", fmt.Sprintf("%d", t.sourceId))

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot send request to %s: %w", uri, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("cannot read response from %s: %w", uri, err)
	}

	if res.StatusCode != 200 {
		msg := string(body)

		if idx := strings.IndexAny(msg, "\r\n"); idx >= 0 {
			msg = msg[:idx]
		}

		if msg != "" {
			msg = ": " + msg
		}

		return fmt.Errorf("request to %s failed with status %d%s",
			uri, res.StatusCode, msg)
	}

	if err := json.Unmarshal(body, resMsg); err != nil {
		return fmt.Errorf("cannot decode response from %s: %w", uri, err)
	}

	if resMsg.GetTerm() < 0 {
		return fmt.Errorf("invalid negative term %d in response from %s",
			resMsg.GetTerm(), uri)
	}

	return nil
}

// Handler returns the HTTP handler serving RPCs from the other nodes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Post("/raft/vote", s.hVote)
	r.Post("/raft/heartbeat", s.hAppendEntries)
	r.Get("/raft/status", s.hStatus)

	return r
}

func (s *Server) startHTTPServer() error {
	listener, err := net.Listen("tcp", s.Cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.Cfg.ListenAddress, err)
	}

	s.Log.Info("listening on %s", s.Cfg.ListenAddress)

	s.httpServer = &http.Server{
		Addr:              s.Cfg.ListenAddress,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           s.Handler(),
	}

	go func() {
		defer s.recoverPanic("http server")

		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.reportError(fmt.Errorf("server error: %w", err))
		}
	}()

	return nil
}

func (s *Server) stopHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.httpServer.Shutdown(ctx)
}

func (s *Server) hVote(w http.ResponseWriter, req *http.Request) {
	var voteReq VoteRequest
	if err := decodeRPCMsg(req, &voteReq); err != nil {
		s.replyError(w, 400, "invalid vote request: %v", err)
		return
	}

	res, err := s.Vote(req.Context(), voteReq)
	if err != nil {
		s.replyError(w, 500, "cannot handle vote request: %v", err)
		return
	}

	s.replyJSON(w, 200, &res)
}

func (s *Server) hAppendEntries(w http.ResponseWriter, req *http.Request) {
	var aeReq AppendEntriesRequest
	if err := decodeRPCMsg(req, &aeReq); err != nil {
		s.replyError(w, 400, "invalid append entries request: %v", err)
		return
	}

	res, err := s.AppendEntries(req.Context(), aeReq)
	if err != nil {
		s.replyError(w, 500, "cannot handle append entries request: %v", err)
		return
	}

	s.replyJSON(w, 200, &res)
}

func (s *Server) hStatus(w http.ResponseWriter, req *http.Request) {
	status, err := s.Status(req.Context())
	if err != nil {
		s.replyError(w, 500, "cannot read status: %v", err)
		return
	}

	s.replyJSON(w, 200, &status)
}

// decodeRPCMsg rejects bodies with unknown or missing fields so that
// malformed messages never reach the node.
func decodeRPCMsg(req *http.Request, msg RPCMsg) error {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("cannot read request body: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var required []string
	switch msg.(type) {
	case *VoteRequest:
		required = []string{"term", "candidateId", "lastLogIndex", "lastLogTerm"}
	case *AppendEntriesRequest:
		required = []string{"term", "leaderId", "prevLogIndex", "prevLogTerm",
			"entries", "leaderCommit"}
	}

	for _, name := range required {
		if _, found := fields[name]; !found {
			return fmt.Errorf("missing field %q", name)
		}
	}

	d := json.NewDecoder(bytes.NewReader(data))
	d.DisallowUnknownFields()

	if err := d.Decode(msg); err != nil {
		return err
	}

	return jsonvalidator.Validate(msg)
}

func (s *Server) replyJSON(w http.ResponseWriter, status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		s.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (s *Server) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.Log.Error(format, args...)
	s.replyText(w, status, format, args...)
}
