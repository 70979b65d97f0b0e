// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package hud implements the TCP live/capture protocol: a listener
// that accepts first a "live" connection (handshake in, LogHeader out,
// then one end-of-frame timestamp per present) and then a "capture"
// connection (handshake+numFramesToCapture+markerDepth in, a chunked
// mirror of the local log out, terminated by a completion marker).
//
// A background goroutine owns net.Listener.Accept (which is blocking by
// nature in Go) and hands completed connections to Poll over a channel,
// so connection handling still happens at present-time cadence on the
// caller's thread, not on the accept goroutine.
package hud

import (
	"encoding/binary"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputap/internal/telemetrylog"
)

// handshakeTimeout bounds how long a freshly accepted connection is
// given to send its handshake fields before it is dropped.
const handshakeTimeout = 2 * time.Second

// ErrHandshakeMismatch indicates a connecting client's opening u32
// handshake value did not equal LogHeader.Handshake. The offending
// socket is closed; the listener keeps running.
var ErrHandshakeMismatch = errors.New("hud: handshake mismatch")

// ErrCaptureNotArmed indicates a capture transmit was attempted while no
// capture socket is live or its frame countdown has reached zero.
// Callers treat this as a no-op, not a failure.
var ErrCaptureNotArmed = errors.New("hud: capture not armed")

// Metrics receives capture-connection gauge updates.
type Metrics interface {
	SetCaptureClients(n int)
}

// Server owns the listener socket and the (at most) one live and one
// capture connection.
type Server struct {
	handshake            uint32
	version              uint32
	timestampPeriodNanos float32

	listener net.Listener
	acceptCh chan net.Conn

	mu      sync.Mutex
	live    net.Conn
	capture net.Conn

	numFramesToCapture uint32
	captureMarkerDepth atomic.Uint32 // 0 = "no live override, use configured default"

	metrics Metrics

	// flush and queueInfo let the engine hand the server what it needs to
	// replicate CheckForCaptureRequest's replay of prior stream state
	// without the hud package importing packetio directly.
	flush     func()
	queueInfo func() [][]byte
}

// SetReplaySource wires the callbacks used when a capture connection
// arms: flush drains the packet writer's staging buffer so the capture
// starts clean, and queueInfo returns every QueueInfo packet emitted so
// far for replay ahead of the live mirror.
func (s *Server) SetReplaySource(flush func(), queueInfo func() [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush = flush
	s.queueInfo = queueInfo
}

// New starts listening on addr (host:port) and returns a Server whose
// accept loop is already running in the background. A nil *Server with
// a non-nil error means the listener could not be created; socket
// errors never propagate further than a closed socket, so the caller's
// only responsibility is to decide whether to retry or run without
// network capture.
func New(addr string, handshake, version uint32, timestampPeriodNanos float32) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		handshake:            handshake,
		version:              version,
		timestampPeriodNanos: timestampPeriodNanos,
		listener:             l,
		acceptCh:             make(chan net.Conn, 1),
	}
	go s.acceptLoop()
	return s, nil
}

// SetMetrics installs a diagnostics sink. Pass nil to disable reporting.
func (s *Server) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.acceptCh <- conn
	}
}

// Poll is CheckForConnectionFromClient + CheckForCaptureRequest fused
// into one non-blocking call: it consumes at most one pending accepted
// connection per call and routes it to whichever handshake is
// outstanding. Call once per present, same cadence as CompletionEngine.
func (s *Server) Poll() {
	select {
	case conn := <-s.acceptCh:
		s.routeAccepted(conn)
	default:
	}
}

func (s *Server) routeAccepted(conn net.Conn) {
	s.mu.Lock()
	hasLive := s.live != nil
	s.mu.Unlock()

	if !hasLive {
		s.completeLiveHandshake(conn)
		return
	}
	s.completeCaptureHandshake(conn)
}

func (s *Server) completeLiveHandshake(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	var hs uint32
	if err := binary.Read(conn, binary.LittleEndian, &hs); err != nil {
		telemetrylog.Get().Warn("gputap: live handshake read failed", "error", err)
		conn.Close()
		return
	}
	if hs != s.handshake {
		telemetrylog.Get().Warn("gputap: live handshake failed", "error", ErrHandshakeMismatch, "got", hs, "want", s.handshake)
		conn.Close()
		return
	}

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], s.handshake)
	binary.LittleEndian.PutUint32(header[4:8], s.version)
	binary.LittleEndian.PutUint32(header[8:12], math.Float32bits(s.timestampPeriodNanos))
	conn.SetDeadline(time.Time{})
	if _, err := conn.Write(header); err != nil {
		telemetrylog.Get().Warn("gputap: live header send failed", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.live = conn
	s.mu.Unlock()
	telemetrylog.Get().Debug("gputap: live connection established")
}

func (s *Server) completeCaptureHandshake(conn net.Conn) {
	s.mu.Lock()
	hasCapture := s.capture != nil
	s.mu.Unlock()
	if hasCapture {
		conn.Close() // only one capture connection at a time
		return
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	var hs, numFrames, markerDepth uint32
	if err := binary.Read(conn, binary.LittleEndian, &hs); err != nil {
		conn.Close()
		return
	}
	if hs != s.handshake {
		telemetrylog.Get().Warn("gputap: capture handshake failed", "error", ErrHandshakeMismatch, "got", hs, "want", s.handshake)
		conn.Close()
		return
	}
	if err := binary.Read(conn, binary.LittleEndian, &numFrames); err != nil || numFrames == 0 {
		conn.Close()
		return
	}
	if err := binary.Read(conn, binary.LittleEndian, &markerDepth); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.capture = conn
	s.numFramesToCapture = numFrames
	flushFn, queueInfoFn := s.flush, s.queueInfo
	s.mu.Unlock()
	s.captureMarkerDepth.Store(markerDepth)
	if s.metrics != nil {
		s.metrics.SetCaptureClients(1)
	}
	telemetrylog.Get().Debug("gputap: capture connection armed", "numFramesToCapture", numFrames, "markerDepth", markerDepth)

	if flushFn != nil {
		flushFn()
	}
	s.replayHeaderAndQueueInfo(queueInfoFn)
}

// replayHeaderAndQueueInfo transmits the LogHeader plus every
// previously-emitted QueueInfo packet to the just-armed capture
// connection, so a client that connects mid-run still gets full queue
// metadata before the live mirror begins.
func (s *Server) replayHeaderAndQueueInfo(queueInfoFn func() [][]byte) {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], s.handshake)
	binary.LittleEndian.PutUint32(header[4:8], s.version)
	binary.LittleEndian.PutUint32(header[8:12], math.Float32bits(s.timestampPeriodNanos))
	s.TransmitCapture(header)
	if queueInfoFn == nil {
		return
	}
	for _, qi := range queueInfoFn() {
		s.TransmitCapture(qi)
	}
}

// TransmitCapture implements packetio.CaptureSink. It is a no-op unless
// a capture socket is armed and at least one frame remains to capture.
func (s *Server) TransmitCapture(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	conn := s.capture
	frames := s.numFramesToCapture
	s.mu.Unlock()
	if conn == nil || frames == 0 {
		telemetrylog.Get().Debug("gputap: capture transmit skipped", "error", ErrCaptureNotArmed)
		return
	}

	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, uint32(len(data)))
	if _, err := conn.Write(size); err != nil {
		s.closeCaptureLocked("size write failed", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.closeCaptureLocked("data write failed", err)
	}
}

// SendFrametime implements completion.FrametimeSink: transmits a single
// end-of-frame timestamp to the live connection, if any.
func (s *Server) SendFrametime(timestampNanos uint64) {
	s.mu.Lock()
	conn := s.live
	s.mu.Unlock()
	if conn == nil {
		return
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, timestampNanos)
	if _, err := conn.Write(b); err != nil {
		s.mu.Lock()
		if s.live == conn {
			s.live = nil
		}
		s.mu.Unlock()
		conn.Close()
	}
}

// DecrementCaptureFrames implements completion.FrametimeSink: tracks
// the remaining-frames countdown, sending the completion marker on the
// last frame and, once the countdown reaches zero, polling for the
// client's own close confirmation.
func (s *Server) DecrementCaptureFrames() {
	s.mu.Lock()
	conn := s.capture
	frames := s.numFramesToCapture
	s.mu.Unlock()
	if conn == nil {
		return
	}

	if frames > 0 {
		if frames == 1 {
			s.captureMarkerDepth.Store(0)
			completion := make([]byte, 4) // zero value: completion marker
			if _, err := conn.Write(completion); err != nil {
				s.closeCaptureLocked("completion marker send failed", err)
			}
		}
		s.mu.Lock()
		s.numFramesToCapture--
		s.mu.Unlock()
		return
	}

	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	var signal uint32
	err := binary.Read(conn, binary.LittleEndian, &signal)
	if err == nil && signal != 0xFFFFFFFF {
		return // nothing to act on yet; try again next poll
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return // no data yet, not a close signal
		}
	}
	s.closeCaptureLocked("client confirmed capture close", nil)
}

func (s *Server) closeCaptureLocked(reason string, err error) {
	s.mu.Lock()
	conn := s.capture
	s.capture = nil
	s.numFramesToCapture = 0
	s.mu.Unlock()
	s.captureMarkerDepth.Store(0)
	if conn != nil {
		conn.Close()
	}
	if err != nil {
		telemetrylog.Get().Warn("gputap: "+reason, "error", err)
	}
	if s.metrics != nil {
		s.metrics.SetCaptureClients(0)
	}
}

// CaptureMarkerDepth returns the marker depth requested by the active
// capture connection, or 0 if none is armed (meaning "use the
// configured default").
func (s *Server) CaptureMarkerDepth() uint32 {
	return s.captureMarkerDepth.Load()
}

// Close tears down the listener and any live connections.
func (s *Server) Close() error {
	s.mu.Lock()
	live, capture := s.live, s.capture
	s.live, s.capture = nil, nil
	s.mu.Unlock()
	if live != nil {
		live.Close()
	}
	if capture != nil {
		capture.Close()
	}
	return s.listener.Close()
}
