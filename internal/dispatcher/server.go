package dispatcher

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/klog"
)

// Server is the TCP front end for the Work Dispatcher's NDJSON mining
// protocol (spec.md §5/§6). One goroutine reads and dispatches requests per
// connection; a second pumps the session's Outbox to the same connection,
// serialized by a per-connection write mutex.
type Server struct {
	params config.NetworkParams
	disp   *Dispatcher

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewServer wraps a Dispatcher with a TCP listener.
func NewServer(params config.NetworkParams, disp *Dispatcher) *Server {
	return &Server{
		params: params,
		disp:   disp,
		stopCh: make(chan struct{}),
	}
}

// Start begins accepting connections on addr (e.g. "0.0.0.0:3333").
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.running.Store(true)
	klog.Dispatcher.Info().Str("addr", addr).Msg("work dispatcher listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				klog.Dispatcher.Warn().Err(err).Msg("accept error")
			}
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(45 * time.Second)
			tc.SetNoDelay(true)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// connHandler owns one miner connection's session and I/O loops.
type connHandler struct {
	conn    net.Conn
	srv     *Server
	sess    *Session
	writeMu sync.Mutex
	done    chan struct{}
}

func (s *Server) handleConn(conn net.Conn) {
	sess, _, _ := s.disp.Subscribe()
	h := &connHandler{conn: conn, srv: s, sess: sess, done: make(chan struct{})}

	defer func() {
		if r := recover(); r != nil {
			klog.Dispatcher.Error().Interface("panic", r).Str("session", sess.ID).Msg("session handler panic")
		}
		close(h.done)
		sess.Disconnect()
		s.disp.Sessions().Remove(sess.ID)
		conn.Close()
		klog.Dispatcher.Info().Str("session", sess.ID).Str("worker", sess.WorkerName).Msg("session disconnected")
	}()

	klog.Dispatcher.Info().Str("session", sess.ID).Str("remote", conn.RemoteAddr().String()).Msg("miner connected")

	go h.writeLoop()
	h.readLoop()
}

// writeLoop pumps the session's Outbox to the connection until the
// connection is torn down; server-initiated notifications and direct
// responses share the same writeMu so frames never interleave.
func (h *connHandler) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case frame, ok := <-h.sess.Outbox:
			if !ok {
				return
			}
			h.writeFrame(frame)
		}
	}
}

func (h *connHandler) writeFrame(frame []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	h.conn.Write(frame)
}

// readLoop is the per-connection request loop: handshake deadline until
// subscribe+authorize complete, then the configured idle-read deadline
// (spec.md §5 Timeouts).
func (h *connHandler) readLoop() {
	reader := bufio.NewReaderSize(h.conn, 4096)
	params := h.srv.params

	h.conn.SetReadDeadline(time.Now().Add(time.Duration(params.HandshakeTimeout) * time.Second))

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != nil && h.sess.State() == StateDisconnected {
				return
			}
			return
		}
		for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			continue
		}

		if h.sess.Banned(time.Now().Unix()) {
			return
		}

		req, err := ParseRequest(line)
		if err != nil {
			h.recordProtocolError()
			continue
		}

		h.dispatch(req)

		if h.sess.State() == StateAuthorized || h.sess.State() == StateActive {
			h.conn.SetReadDeadline(time.Now().Add(time.Duration(params.SessionIdleTimeout) * time.Second))
		} else {
			h.conn.SetReadDeadline(time.Now().Add(time.Duration(params.HandshakeTimeout) * time.Second))
		}
	}
}

// recordProtocolError logs a malformed-input strike and disconnects once
// the session crosses the ban threshold (spec.md §4.6).
func (h *connHandler) recordProtocolError() {
	params := h.srv.params
	banned := h.sess.RecordProtocolError(time.Now().Unix(), params.MaxProtocolErrors, params.ProtocolErrorWindow, params.BanDuration)
	if banned {
		klog.Dispatcher.Warn().Str("session", h.sess.ID).Msg("session banned for repeated protocol errors")
		h.conn.Close()
	}
}

func (h *connHandler) dispatch(req *Request) {
	switch req.Method {
	case MethodSubscribe:
		h.handleSubscribe(req)
	case MethodAuthorize:
		h.handleAuthorize(req)
	case MethodSubmit:
		h.handleSubmit(req)
	default:
		h.writeFrame(EncodeResponse(req.ID, nil, NewProtocolError(CodeUnsupportedMethod, "unsupported method")))
		h.recordProtocolError()
	}
}

func (h *connHandler) handleSubscribe(req *Request) {
	// The session already exists (created at accept time); subscribe here
	// only (re)confirms the subscription ID on the wire.
	if err := h.sess.Subscribe(h.sess.ID); err != nil {
		h.writeFrame(EncodeResponse(req.ID, nil, NewProtocolError(CodeUnsupportedMethod, err.Error())))
		return
	}
	result := []interface{}{
		[][]string{
			{MethodSetDifficulty, h.sess.ID},
			{MethodNotify, h.sess.ID},
		},
		hex.EncodeToString(h.sess.Extranonce1),
		h.sess.Extranonce2Size,
	}
	h.writeFrame(EncodeResponse(req.ID, result, nil))
}

func (h *connHandler) handleAuthorize(req *Request) {
	worker, err := ParamString(req.Params, 0)
	if err != nil {
		h.writeFrame(EncodeResponse(req.ID, nil, NewProtocolError(CodeUnauthorized, "missing worker name")))
		h.recordProtocolError()
		return
	}
	password := ""
	if len(req.Params) > 1 {
		password, _ = ParamString(req.Params, 1)
	}

	if err := h.srv.disp.Authorize(h.sess, worker, password); err != nil {
		h.writeFrame(EncodeResponse(req.ID, false, NewProtocolError(CodeUnauthorized, err.Error())))
		return
	}
	h.writeFrame(EncodeResponse(req.ID, true, nil))

	if setDiff, notify, ok := h.srv.disp.CurrentJobNotification(h.sess); ok {
		h.writeFrame(setDiff)
		h.writeFrame(notify)
	}
}

func (h *connHandler) handleSubmit(req *Request) {
	worker, err1 := ParamString(req.Params, 0)
	jobID, err2 := ParamString(req.Params, 1)
	extranonce2, err3 := ParamString(req.Params, 2)
	timeHex, err4 := ParamString(req.Params, 3)
	nonceHex, err5 := ParamString(req.Params, 4)
	if err := firstErr(err1, err2, err3, err4, err5); err != nil {
		h.writeFrame(EncodeResponse(req.ID, false, NewProtocolError(CodeNotSubscribed, "malformed submit params")))
		h.recordProtocolError()
		return
	}
	_ = worker // the session already carries its authorized worker identity.

	result, err := h.srv.disp.Submit(h.sess, jobID, extranonce2, timeHex, nonceHex)
	if err != nil {
		h.writeFrame(EncodeResponse(req.ID, false, NewProtocolError(submitErrorCode(err), err.Error())))
		return
	}
	h.writeFrame(EncodeResponse(req.ID, result.Accepted, nil))
}

// firstErr returns the first non-nil error in errs, or nil.
func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// submitErrorCode maps a Dispatcher.Submit sentinel to its wire error code
// (spec.md §6).
func submitErrorCode(err error) int {
	switch {
	case errors.Is(err, ErrJobUnknown):
		return CodeUnsupportedMethod
	case errors.Is(err, ErrStaleShare):
		return CodeStaleShare
	case errors.Is(err, ErrDuplicateShare):
		return CodeDuplicateShare
	case errors.Is(err, ErrLowDifficulty):
		return CodeLowDifficulty
	case errors.Is(err, ErrNotSubscribed):
		return CodeNotSubscribed
	case errors.Is(err, ErrBadShareTime):
		return CodeStaleShare
	default:
		return CodeUnsupportedMethod
	}
}
