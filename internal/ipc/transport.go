package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Error taxonomy for transport failures. Connection errors are always
// recoverable through the reconnect loop; serialization errors mark the
// payload itself as unsendable.
var (
	ErrNotConnected  = errors.New("ipc: not connected")
	ErrTimeout       = errors.New("ipc: request timed out")
	ErrClosed        = errors.New("ipc: transport closed")
	ErrSerialization = errors.New("ipc: request serialization failed")
)

// State of the transport connection.
type State int32

const (
	Disconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tune the transport. Zero values get defaults.
type Options struct {
	Endpoint          string
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HeartbeatMisses   int
}

func (o *Options) defaults() {
	if o.Endpoint == "" {
		o.Endpoint = ResolveEndpoint()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 3
	}
}

type writeOp struct {
	frame []byte
	errCh chan error
}

// Transport manages the connection to the daemon: framing, request and
// response correlation, heartbeat, and reconnect with exponential
// backoff. No lock is held across a socket read or write; a dedicated
// writer goroutine serializes outgoing frames per connection.
type Transport struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	connDone chan struct{}
	writeCh  chan writeOp
	pending  map[uint64]chan *Response
	started  bool

	state  atomic.Int32
	nextID atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	wakeup    chan struct{}
}

// NewTransport builds a transport for the given endpoint. Call Connect
// before the first Request.
func NewTransport(opts Options, logger *zap.Logger) *Transport {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		opts:    opts,
		logger:  logger,
		pending: make(map[uint64]chan *Response),
		closed:  make(chan struct{}),
		wakeup:  make(chan struct{}, 1),
	}
	t.state.Store(int32(Disconnected))
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Connect dials the daemon and starts the background heartbeat and
// reconnect machinery. After the first successful Connect, connection
// loss is handled internally; callers only see ErrNotConnected from
// Request while the link is down.
func (t *Transport) Connect(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	conn, err := dialEndpoint(ctx, t.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, t.opts.Endpoint, err)
	}
	t.installConn(conn)

	t.mu.Lock()
	if !t.started {
		t.started = true
		go t.heartbeatLoop()
		go t.reconnectLoop()
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) installConn(conn io.ReadWriteCloser) {
	writeCh := make(chan writeOp, 16)
	connDone := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.connDone = connDone
	t.writeCh = writeCh
	t.mu.Unlock()

	t.state.Store(int32(Connected))
	t.logger.Info("transport connected", zap.String("endpoint", t.opts.Endpoint))

	go t.readLoop(conn)
	go t.writeLoop(conn, writeCh, connDone)
}

// Request sends one framed request and waits for the correlated
// response, up to the configured request timeout.
func (t *Transport) Request(req *Request) (*Response, error) {
	if t.State() == Closed {
		return nil, ErrClosed
	}
	if t.State() != Connected {
		return nil, ErrNotConnected
	}

	req.ID = t.nextID.Add(1)
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	respCh := make(chan *Response, 1)
	t.mu.Lock()
	if t.conn == nil || t.writeCh == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.pending[req.ID] = respCh
	writeCh := t.writeCh
	connDone := t.connDone
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	op := writeOp{frame: frame, errCh: make(chan error, 1)}
	timer := time.NewTimer(t.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case writeCh <- op:
	case <-connDone:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, ErrTimeout
	case <-t.closed:
		return nil, ErrClosed
	}

	// Ops still buffered in writeCh when the writer exits are never
	// acknowledged, so the wait must also watch the connection itself.
	select {
	case err := <-op.errCh:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	case <-connDone:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, ErrTimeout
	case <-t.closed:
		return nil, ErrClosed
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-t.closed:
		return nil, ErrClosed
	}
}

// Close shuts the transport down permanently.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.state.Store(int32(Closed))

		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		t.failPending()
		t.logger.Info("transport closed")
	})
	return nil
}

func (t *Transport) readLoop(conn io.ReadWriteCloser) {
	for {
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			t.connectionLost(conn, err)
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("response without pending request",
				zap.Uint64("id", resp.ID))
			continue
		}
		ch <- &resp
	}
}

func (t *Transport) writeLoop(conn io.ReadWriteCloser, writeCh chan writeOp, connDone chan struct{}) {
	for {
		select {
		case <-t.closed:
			return
		case <-connDone:
			return
		case op := <-writeCh:
			err := writeRawFrame(conn, op.frame)
			op.errCh <- err
			if err != nil {
				t.connectionLost(conn, err)
				return
			}
		}
	}
}

// connectionLost tears down one connection and pokes the reconnect
// loop. Safe to call from both the read and the write side; only the
// first caller for a given connection does the work.
func (t *Transport) connectionLost(conn io.ReadWriteCloser, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	connDone := t.connDone
	t.connDone = nil
	t.mu.Unlock()

	if connDone != nil {
		close(connDone)
	}
	conn.Close()
	t.failPending()

	select {
	case <-t.closed:
		return
	default:
	}

	t.state.Store(int32(Disconnected))
	t.logger.Warn("transport disconnected", zap.Error(cause))
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

// failPending unblocks every in-flight Request with a nil response.
func (t *Transport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(t.pending, id)
	}
}

// heartbeatLoop sends a lightweight liveness probe at a fixed interval.
// Consecutive misses beyond the threshold force a disconnect so the
// reconnect loop takes over.
func (t *Transport) heartbeatLoop() {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}

		if t.State() != Connected {
			missed = 0
			continue
		}

		_, err := t.Request(&Request{Path: "/", Method: "GET"})
		if err != nil {
			missed++
			t.logger.Warn("heartbeat failed",
				zap.Int("consecutive_misses", missed), zap.Error(err))
			if missed >= t.opts.HeartbeatMisses {
				missed = 0
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					t.connectionLost(conn, fmt.Errorf("heartbeat misses exceeded"))
				}
			}
			continue
		}
		missed = 0
	}
}

// reconnectLoop re-dials with exponential backoff whenever the
// connection drops. Attempts continue until the transport is closed;
// giving up is the caller's decision, not the transport's.
func (t *Transport) reconnectLoop() {
	for {
		select {
		case <-t.closed:
			return
		case <-t.wakeup:
		}

		backoff := t.opts.ReconnectBase
		for t.State() == Disconnected {
			t.logger.Info("attempting reconnect",
				zap.String("endpoint", t.opts.Endpoint),
				zap.Duration("next_backoff", backoff))

			ctx, cancel := context.WithTimeout(context.Background(), t.opts.RequestTimeout)
			conn, err := dialEndpoint(ctx, t.opts.Endpoint)
			cancel()
			if err == nil {
				t.installConn(conn)
				break
			}

			select {
			case <-t.closed:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > t.opts.ReconnectMax {
				backoff = t.opts.ReconnectMax
			}
		}
	}
}
