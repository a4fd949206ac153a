package gateway

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/session/fix"
	"github.com/Aidin1998/fixgate/internal/session/fixp"
)

// protocol of an endpoint, detected from its first bytes.
type wireProtocol int

const (
	wireUnknown wireProtocol = iota
	wireFix
	wireFixP
)

// endpoint is one accepted connection. The reader goroutine only ferries
// bytes into the inbox; all parsing and state-machine work happens on the
// framer thread.
type endpoint struct {
	id   int64
	conn net.Conn

	inbox  chan []byte
	closed chan struct{}

	// framer-owned state
	buf           []byte
	protocol      wireProtocol
	fixSession    *fix.Session
	fixpAcceptor  *fixp.Acceptor
	backpressured bool
	pendingFrames [][]byte
	gone          bool
	slowConsumer  bool

	slowConsumerTimeout time.Duration

	writeMu sync.Mutex
}

// SendFrame writes one frame with the slow-consumer deadline applied. A
// blocked peer socket turns into a timeout error the dispatcher converts
// into a SLOW_CONSUMER disconnect.
func (e *endpoint) SendFrame(buf []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.slowConsumerTimeout > 0 {
		e.conn.SetWriteDeadline(time.Now().Add(e.slowConsumerTimeout))
	}
	_, err := e.conn.Write(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			e.slowConsumer = true
		}
		e.gone = true
	}
	return err
}

// Receiver is the single-threaded dispatcher: it demultiplexes framed bytes
// into per-connection state machines and owns connection teardown.
type Receiver struct {
	logger *zap.Logger

	listener net.Listener
	accepted chan net.Conn

	binder Binder

	receiveBufferSize   int
	slowConsumerTimeout time.Duration

	endpoints map[int64]*endpoint
	// A back-pressured endpoint is retried exclusively until drained.
	blocked *endpoint

	nextEndpointID int64

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Binder attaches a state machine to an endpoint once its protocol and
// identity are known. Implemented by the engine.
type Binder interface {
	// BindFix is called with the parsed logon of a fresh FIX connection.
	BindFix(e Endpoint, logon *fix.Message) (*fix.Session, error)
	// BindFixP is called with the first decoded FIXP message.
	BindFixP(e Endpoint, first fixp.Message) (*fixp.Acceptor, error)
	// OnDisconnect is called exactly once per endpoint teardown.
	OnDisconnect(e Endpoint, reason errors.DisconnectReason)
}

// Endpoint is the dispatcher-side view handed to the binder.
type Endpoint interface {
	ID() int64
	RemoteAddr() net.Addr
	SendFrame(buf []byte) error
	Disconnect(reason errors.DisconnectReason)
}

func (e *endpoint) ID() int64            { return e.id }
func (e *endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

func (e *endpoint) Disconnect(reason errors.DisconnectReason) {
	e.gone = true
}

// NewReceiver starts listening on addr. Connections are accepted on a
// helper goroutine; everything else runs inside DoWork on the framer.
func NewReceiver(addr string, receiveBufferSize int, slowConsumerTimeout time.Duration,
	binder Binder, logger *zap.Logger) (*Receiver, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		logger:              logger,
		listener:            listener,
		accepted:            make(chan net.Conn, 16),
		binder:              binder,
		receiveBufferSize:   receiveBufferSize,
		slowConsumerTimeout: slowConsumerTimeout,
		endpoints:           make(map[int64]*endpoint),
		closedCh:            make(chan struct{}),
	}
	go r.acceptLoop()
	return r, nil
}

// Addr returns the bound listen address.
func (r *Receiver) Addr() net.Addr { return r.listener.Addr() }

func (r *Receiver) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closedCh:
				return
			default:
			}
			r.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		select {
		case r.accepted <- conn:
		case <-r.closedCh:
			conn.Close()
			return
		}
	}
}

func (r *Receiver) readLoop(e *endpoint) {
	buf := make([]byte, r.receiveBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case e.inbox <- chunk:
			case <-r.closedCh:
				return
			}
		}
		if err != nil {
			close(e.closed)
			return
		}
	}
}

// Name implements agent.Agent.
func (r *Receiver) Name() string { return "receiver-dispatcher" }

// DoWork accepts fresh connections and polls every endpoint. When an
// endpoint is back-pressured, only that endpoint is retried until its
// pending frames drain.
func (r *Receiver) DoWork() (int, error) {
	work := 0

	for {
		select {
		case conn := <-r.accepted:
			r.onAccept(conn)
			work++
			continue
		default:
		}
		break
	}

	if r.blocked != nil {
		work += r.pollEndpoint(r.blocked)
		if r.blocked != nil && r.blocked.backpressured && !r.blocked.gone {
			// Still blocked; do not advance other endpoints past it.
			r.reap()
			return work, nil
		}
	}

	for _, e := range r.endpoints {
		work += r.pollEndpoint(e)
		if r.blocked != nil {
			break
		}
	}
	r.reap()
	return work, nil
}

// OnClose implements agent.Agent.
func (r *Receiver) OnClose() {
	r.Close()
}

// Close shuts the listener and every connection.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() {
		close(r.closedCh)
		r.listener.Close()
		for _, e := range r.endpoints {
			e.conn.Close()
		}
	})
}

func (r *Receiver) onAccept(conn net.Conn) {
	r.nextEndpointID++
	e := &endpoint{
		id:                  r.nextEndpointID,
		conn:                conn,
		inbox:               make(chan []byte, 64),
		closed:              make(chan struct{}),
		slowConsumerTimeout: r.slowConsumerTimeout,
	}
	r.endpoints[e.id] = e
	go r.readLoop(e)
	r.logger.Info("connection accepted",
		zap.Int64("endpoint_id", e.id),
		zap.String("remote", conn.RemoteAddr().String()))
}

func (r *Receiver) pollEndpoint(e *endpoint) int {
	if e.gone {
		return 0
	}
	work := 0

	// Drain pending (back-pressured) frames first.
	for len(e.pendingFrames) > 0 {
		if err := r.deliver(e, e.pendingFrames[0]); err == errors.ErrBackPressured {
			e.backpressured = true
			r.blocked = e
			return work
		} else if err != nil {
			r.dropEndpoint(e, errors.ReasonLocalDisconnect)
			return work
		}
		e.pendingFrames = e.pendingFrames[1:]
		work++
	}
	if e.backpressured {
		e.backpressured = false
		if r.blocked == e {
			r.blocked = nil
		}
	}

	for {
		select {
		case chunk := <-e.inbox:
			e.buf = append(e.buf, chunk...)
			work++
		default:
			goto drained
		}
	}
drained:

	for {
		frame, rest, err := r.extractFrame(e)
		if err != nil {
			r.logger.Warn("bad framing", zap.Int64("endpoint_id", e.id), zap.Error(err))
			r.dropEndpoint(e, errors.ReasonInvalidBodyLength)
			return work
		}
		if frame == nil {
			break
		}
		e.buf = rest
		if err := r.deliver(e, frame); err == errors.ErrBackPressured {
			e.pendingFrames = append(e.pendingFrames, frame)
			e.backpressured = true
			r.blocked = e
			return work
		} else if err != nil {
			// The state machine already disconnected where required.
			r.logger.Debug("frame rejected", zap.Int64("endpoint_id", e.id), zap.Error(err))
		}
		work++
	}

	select {
	case <-e.closed:
		if len(e.buf) == 0 && len(e.inbox) == 0 {
			r.dropEndpoint(e, errors.ReasonRemoteDisconnect)
		}
	default:
	}

	// Liveness for bound sessions.
	if e.fixSession != nil {
		if err := e.fixSession.Poll(); err != nil {
			r.logger.Warn("session poll failed", zap.Error(err))
		}
		if e.fixSession.State() == fix.StateDisconnected {
			e.gone = true
		}
	}
	if e.fixpAcceptor != nil {
		if err := e.fixpAcceptor.Poll(); err != nil {
			r.logger.Warn("acceptor poll failed", zap.Error(err))
		}
		if e.fixpAcceptor.State() == fixp.StateUnbound {
			e.gone = true
		}
	}
	return work
}

func (r *Receiver) extractFrame(e *endpoint) (frame []byte, rest []byte, err error) {
	if len(e.buf) == 0 {
		return nil, e.buf, nil
	}
	if e.protocol == wireUnknown {
		switch {
		case bytes.HasPrefix(e.buf, []byte("8=FIX")):
			e.protocol = wireFix
		case len(e.buf) >= fixp.SOFHLength:
			if _, err := fixp.FrameLength(e.buf); err != nil {
				return nil, e.buf, err
			}
			e.protocol = wireFixP
		default:
			if len(e.buf) >= 5 {
				return nil, e.buf, errors.Protocolf("unrecognised preamble %q", e.buf[:5])
			}
			return nil, e.buf, nil
		}
	}
	switch e.protocol {
	case wireFix:
		return extractFixFrame(e.buf)
	default:
		length, err := fixp.FrameLength(e.buf)
		if err != nil {
			return nil, e.buf, err
		}
		if length == 0 || len(e.buf) < length {
			return nil, e.buf, nil
		}
		return e.buf[:length], e.buf[length:], nil
	}
}

// extractFixFrame frames on BodyLength(9): the message runs to the end of
// the CheckSum(10) field.
func extractFixFrame(buf []byte) (frame []byte, rest []byte, err error) {
	bodyLenStart := bytes.Index(buf, []byte("\x019="))
	if bodyLenStart < 0 {
		if len(buf) > 64 {
			return nil, buf, errors.Protocolf("no BodyLength in first %d bytes", len(buf))
		}
		return nil, buf, nil
	}
	bodyLenStart += 3
	soh := bytes.IndexByte(buf[bodyLenStart:], fix.SOH)
	if soh < 0 {
		return nil, buf, nil
	}
	bodyLen, convErr := strconv.Atoi(string(buf[bodyLenStart : bodyLenStart+soh]))
	if convErr != nil {
		return nil, buf, errors.Protocolf("non-numeric BodyLength")
	}
	bodyStart := bodyLenStart + soh + 1
	checksumStart := bodyStart + bodyLen
	// CheckSum is always "10=" + 3 digits + SOH.
	frameEnd := checksumStart + 7
	if len(buf) < frameEnd {
		return nil, buf, nil
	}
	if !bytes.HasPrefix(buf[checksumStart:], []byte("10=")) {
		return nil, buf, errors.Protocolf("BodyLength does not land on CheckSum")
	}
	return buf[:frameEnd], buf[frameEnd:], nil
}

func (r *Receiver) deliver(e *endpoint, frame []byte) error {
	switch e.protocol {
	case wireFix:
		if e.fixSession == nil {
			msg, err := fix.Parse(frame)
			if err != nil {
				return err
			}
			if msg.MsgType != fix.MsgTypeLogon {
				return errors.Protocolf("first message %s is not a logon", msg.MsgType)
			}
			sess, err := r.binder.BindFix(e, msg)
			if err != nil {
				return err
			}
			e.fixSession = sess
		}
		return e.fixSession.OnFrame(frame)
	default:
		if e.fixpAcceptor == nil {
			msg, err := fixp.Decode(frame)
			if err != nil {
				return err
			}
			acc, err := r.binder.BindFixP(e, msg)
			if err != nil {
				return err
			}
			e.fixpAcceptor = acc
		}
		return e.fixpAcceptor.OnFrame(frame)
	}
}

func (r *Receiver) dropEndpoint(e *endpoint, reason errors.DisconnectReason) {
	if _, ok := r.endpoints[e.id]; !ok {
		return
	}
	delete(r.endpoints, e.id)
	if r.blocked == e {
		r.blocked = nil
	}
	e.conn.Close()
	e.gone = true
	r.binder.OnDisconnect(e, reason)
	r.logger.Info("connection dropped",
		zap.Int64("endpoint_id", e.id),
		zap.String("reason", reason.String()))
}

func (r *Receiver) reap() {
	for _, e := range r.endpoints {
		if e.gone {
			reason := errors.ReasonLocalDisconnect
			if e.slowConsumer {
				reason = errors.ReasonSlowConsumer
			}
			r.dropEndpoint(e, reason)
		}
	}
}
