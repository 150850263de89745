// Package dridxd hosts the index daemon: JSON-RPC 2.0 over newline-
// delimited JSON on localhost TCP. One request per line, one response per
// line; a connection that subscribes switches into a push stream of index
// events.
package dridxd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"driveindex/internal/version"
)

type Options struct {
	Listen   string
	Handlers HandlerOptions
}

type Server struct {
	opts Options
	h    *Handlers

	mu        sync.Mutex
	listener  net.Listener
	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:7411"
	}
	return &Server{
		opts:   opts,
		h:      NewHandlers(opts.Handlers),
		closed: make(chan struct{}),
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Run() error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}

	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.h.Close()

	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	defer func() { _ = w.Flush() }()

	for {
		var req Request
		line, err := ReadOneLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			return
		}

		if err := json.Unmarshal(line, &req); err != nil {
			_ = WriteOneLine(w, Response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &ErrorObject{Code: -32700, Message: "parse error"},
			})
			_ = w.Flush()
			continue
		}

		if req.Method == "index.subscribe" {
			if len(req.ID) > 0 {
				_ = WriteOneLine(w, Response{JSONRPC: "2.0", ID: req.ID, Result: "subscribed"})
				_ = w.Flush()
			}
			s.streamEvents(conn, w)
			return
		}

		if len(req.ID) == 0 {
			// Notification: no response.
			_ = s.dispatch(req)
			continue
		}

		resp := s.dispatch(req)
		_ = WriteOneLine(w, resp)
		_ = w.Flush()
	}
}

// streamEvents turns the connection into a one-way event feed: each index
// event goes out as a JSON-RPC notification until the client hangs up or
// the server stops.
func (s *Server) streamEvents(conn net.Conn, w *bufio.Writer) {
	id, ch := s.h.hub.subscribe()
	defer s.h.hub.unsubscribe(id)

	// Detect client disconnect; nothing meaningful arrives on this
	// connection anymore.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, conn)
	}()

	for {
		select {
		case <-s.closed:
			return
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			params, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := WriteOneLine(w, Request{JSONRPC: "2.0", Method: "index.event", Params: params}); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		resp.Error = &ErrorObject{Code: -32600, Message: "invalid jsonrpc version"}
		return resp
	}

	ctx := context.Background()

	switch req.Method {
	case "ping":
		resp.Result = "pong"
	case "version":
		resp.Result = version.String()
	case "index.start":
		var p IndexStartParams
		if !decodeParams(req, &p, &resp) {
			return resp
		}
		if strings.TrimSpace(p.Root) == "" {
			resp.Error = &ErrorObject{Code: -32602, Message: "root is required"}
			return resp
		}
		res, err := s.h.IndexStart(ctx, p)
		if err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = res
	case "index.stop":
		var p VolumeParams
		if !requireVolume(req, &p, &resp) {
			return resp
		}
		if err := s.h.IndexStop(p); err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = "stopped"
	case "index.clear":
		var p VolumeParams
		if !requireVolume(req, &p, &resp) {
			return resp
		}
		if err := s.h.IndexClear(ctx, p); err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = "cleared"
	case "index.status":
		var p VolumeParams
		if !requireVolume(req, &p, &resp) {
			return resp
		}
		st, err := s.h.IndexStatus(ctx, p)
		if err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = st
	case "index.enrich":
		var p EnrichParams
		if !decodeParams(req, &p, &resp) {
			return resp
		}
		if strings.TrimSpace(p.VolumeID) == "" {
			resp.Error = &ErrorObject{Code: -32602, Message: "volume_id is required"}
			return resp
		}
		stats, err := s.h.Enrich(ctx, p)
		if err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = stats
	case "index.prioritize":
		var p PrioritizeParams
		if !decodeParams(req, &p, &resp) {
			return resp
		}
		if strings.TrimSpace(p.VolumeID) == "" || strings.TrimSpace(p.Path) == "" {
			resp.Error = &ErrorObject{Code: -32602, Message: "volume_id and path are required"}
			return resp
		}
		if err := s.h.Prioritize(p); err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = "queued"
	case "index.cancel_nav":
		var p CancelNavParams
		if !decodeParams(req, &p, &resp) {
			return resp
		}
		if strings.TrimSpace(p.VolumeID) == "" || strings.TrimSpace(p.Path) == "" {
			resp.Error = &ErrorObject{Code: -32602, Message: "volume_id and path are required"}
			return resp
		}
		if err := s.h.CancelNav(p); err != nil {
			resp.Error = &ErrorObject{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = "cancelled"
	default:
		resp.Error = &ErrorObject{Code: -32601, Message: "method not found"}
	}

	return resp
}

func decodeParams(req Request, out any, resp *Response) bool {
	if len(req.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		resp.Error = &ErrorObject{Code: -32602, Message: "invalid params"}
		return false
	}
	return true
}

func requireVolume(req Request, p *VolumeParams, resp *Response) bool {
	if !decodeParams(req, p, resp) {
		return false
	}
	if strings.TrimSpace(p.VolumeID) == "" {
		resp.Error = &ErrorObject{Code: -32602, Message: "volume_id is required"}
		return false
	}
	return true
}
