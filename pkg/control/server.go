// Package control implements the line-delimited JSON-RPC 2.0 control plane
// over a UNIX domain socket, dispatching to the router and per-peer
// commands (spec.md §4.5), grounded on the original daemon's
// control_socket.cpp method table and regex-based peer dispatch.
package control

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/rtpmidid/rtpmidid-go/internal/metrics"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

const (
	listenBacklog  = 20
	maxLineBytes   = 1024
	socketFileMode = 0o777
)

var peerCommandPattern = regexp.MustCompile(`^(\d*)\.(.*)$`)

// Request is a JSON-RPC 2.0 request as the control plane accepts it.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// Response is written back, newline-terminated, for every accepted request.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type closeNotice struct {
	Event  string `json:"event"`
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

// Handler resolves a non-peer-scoped top-level method.
type Handler struct {
	Description string
	Func        func(params json.RawMessage) (any, error)
}

// Server accepts control-plane clients on a UNIX socket and dispatches
// line-delimited JSON-RPC requests to either a registered top-level Handler
// or, for methods of the form "<PeerId>.<verb>", router.PeerByID(id).
type Server struct {
	log      *slog.Logger
	r        *router.Router
	path     string
	listener net.Listener
	chmod    func(path string) error
	metrics  *metrics.Collector

	handlers map[string]Handler

	mu      sync.Mutex
	clients map[string]net.Conn
}

// New creates a Server bound to socketPath. chmod applies the platform's
// filesystem permission fixup after bind (0777, per spec.md §6); pass nil
// to skip it (e.g. on platforms with no such concept). mcs is optional; pass
// nil to skip counting control-plane requests.
func New(log *slog.Logger, r *router.Router, socketPath string, chmod func(string) error, mcs *metrics.Collector) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:      log,
		r:        r,
		path:     socketPath,
		chmod:    chmod,
		metrics:  mcs,
		handlers: make(map[string]Handler),
		clients:  make(map[string]net.Conn),
	}
	s.registerBuiltins()
	return s
}

// RegisterHandler adds (or replaces) a top-level method handler.
func (s *Server) RegisterHandler(method, description string, fn func(json.RawMessage) (any, error)) {
	s.handlers[method] = Handler{Description: description, Func: fn}
}

// ListenAndServe binds the socket (replacing any stale file at path) and
// accepts clients until Close is called. It blocks; callers typically run
// it in its own goroutine, since this package does not itself integrate
// with the reactor's single-threaded model (net.Listener.Accept blocks, so
// it is kept off the poller's goroutine deliberately).
func (s *Server) ListenAndServe() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "listen on control socket", err)
	}
	if l, ok := ln.(*net.UnixListener); ok {
		l.SetUnlinkOnClose(true)
	}
	if s.chmod != nil {
		if err := s.chmod(s.path); err != nil {
			s.log.Warn("control: chmod failed", slog.Any("error", err))
		}
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting new clients and notifies every open client with a
// shutdown close event before disconnecting it.
func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	clients := make([]net.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	notice, _ := json.Marshal(closeNotice{Event: "close", Detail: "Shutdown", Code: 0})
	for _, c := range clients {
		_, _ = c.Write(append(notice, '\n'))
		_ = c.Close()
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	id := uuid.NewString()
	s.mu.Lock()
	s.clients[id] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		conn.Close()
	}()

	log := s.log.With(slog.String("conn", id))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		resp := s.dispatch(line)
		out, err := json.Marshal(resp)
		if err != nil {
			log.Error("control: marshal response failed", slog.Any("error", err))
			continue
		}
		if _, err := conn.Write(append(out, '\n')); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		notice, _ := json.Marshal(closeNotice{Event: "close", Detail: "Message too long", Code: 1})
		_, _ = conn.Write(append(notice, '\n'))
	}
}

func (s *Server) dispatch(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: "malformed JSON-RPC request"}
	}
	if s.metrics != nil {
		s.metrics.ControlRequests.WithLabelValues(req.Method).Inc()
	}
	resp := Response{ID: req.ID}

	if h, ok := s.handlers[req.Method]; ok {
		result, err := h.Func(req.Params)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = result
		return resp
	}

	if m := peerCommandPattern.FindStringSubmatch(req.Method); m != nil {
		idNum, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			resp.Error = "invalid peer id in method"
			return resp
		}
		peer, ok := s.r.PeerByID(router.PeerId(idNum))
		if !ok {
			resp.Error = "unknown peer '" + m[1] + "'"
			return resp
		}
		cmdPeer, ok := peer.(interface {
			Command(verb string, params any) (any, error)
		})
		if !ok {
			resp.Error = "peer does not support commands"
			return resp
		}
		var params any
		_ = json.Unmarshal(req.Params, &params)
		result, err := cmdPeer.Command(m[2], params)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = result
		return resp
	}

	resp.Error = "unknown method '" + req.Method + "'"
	return resp
}
