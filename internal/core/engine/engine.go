// Package engine implements the "Kernel": the process owning the raw
// socket, the connection table, the outbound packet queue, the timer
// service, and the three long-lived worker goroutines that drive them.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tcpforge/internal/core/clock"
	"tcpforge/internal/core/conn"
	"tcpforge/internal/core/netaddr"
	"tcpforge/internal/core/packet"
	"tcpforge/internal/core/queue"
	"tcpforge/internal/core/timer"
)

// ErrSrcInUse is returned by NewConnection when src already names a live
// connection in the table.
var ErrSrcInUse = errors.New("engine: source address already in use")

// recvPollInterval bounds how long a single Receive() call blocks, so the
// receive goroutine can observe the stop flag between polls instead of
// relying solely on the socket being closed out from under it.
const recvPollInterval = 500 * time.Millisecond

const stopPollInterval = 1 * time.Second

type runState int32

const (
	stateRunning runState = iota
	stateStopping
	stateStopped
)

// Engine is a freely constructible instance, not a process-wide singleton:
// tests and multi-target tools can each own one without fighting over
// global state.
type Engine struct {
	id  uuid.UUID
	log *logrus.Entry

	mode conn.FailureMode

	sock rawSocket

	connMu sync.Mutex
	conns  map[string]*conn.Connection

	sendQueue *queue.Queue[*packet.Packet]
	timers    *timer.Service

	recvState int32 // atomic runState
	stopOnce  sync.Once

	wg sync.WaitGroup
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithFailureMode overrides the default Soft protocol-error handling with
// Strict (abort-on-violation), matching the source's CHECK-macro intent.
func WithFailureMode(m conn.FailureMode) Option {
	return func(e *Engine) { e.mode = m }
}

// WithLogger attaches a pre-configured logrus logger instead of the
// package default.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.log = l }
}

// New constructs an Engine. The raw socket is not opened until Start.
func New(opts ...Option) *Engine {
	id := uuid.New()
	e := &Engine{
		id:        id,
		log:       logrus.WithField("engine", id.String()[:8]),
		mode:      conn.Soft,
		conns:     make(map[string]*conn.Connection),
		sendQueue: queue.New[*packet.Packet](),
		timers:    timer.NewService(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens the raw socket and spawns the send, receive, and timer
// goroutines. Requires CAP_NET_RAW (or equivalent); fails fast otherwise.
func (e *Engine) Start() error {
	sock, err := openRawSocket()
	if err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}
	e.sock = sock
	atomic.StoreInt32(&e.recvState, int32(stateRunning))

	e.wg.Add(3)
	go e.sendLoop()
	go e.receiveLoop()
	go e.timerLoop()

	e.log.Info("engine started")
	return nil
}

// NewConnection allocates a Connection for (dst, src) and registers it
// under src's canonical string. Fails ErrSrcInUse if src is already taken.
func (e *Engine) NewConnection(dst, src netaddr.Address) (*conn.Connection, error) {
	key := src.String()

	e.connMu.Lock()
	if _, exists := e.conns[key]; exists {
		e.connMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSrcInUse, key)
	}
	c := conn.New(dst, src, e, e.timers, e.mode)
	e.conns[key] = c
	e.connMu.Unlock()

	return c, nil
}

// Release removes a closed connection from the table. Precondition:
// conn.IsClosed().
func (e *Engine) Release(c *conn.Connection) error {
	if !c.IsClosed() {
		return fmt.Errorf("engine: release: connection %s is not closed", c.SrcAddress())
	}
	key := c.SrcAddress().String()
	e.connMu.Lock()
	delete(e.conns, key)
	e.connMu.Unlock()
	return nil
}

// Enqueue implements conn.Sender: it checksums pkt and appends it to the
// send queue. Connections never touch the socket directly.
func (e *Engine) Enqueue(pkt *packet.Packet) {
	pkt.CalculateChecksum()
	e.sendQueue.Push(pkt)
}

// AddTimer and CancelTimer implement conn.TimerArmer, exposing the
// engine's timer service to connections and to embedding callers alike.
func (e *Engine) AddTimer(when clock.Timestamp, cb timer.Callback) timer.ID {
	return e.timers.AddTimer(when, cb)
}

func (e *Engine) CancelTimer(id timer.ID) {
	e.timers.CancelTimer(id)
}

func (e *Engine) sendLoop() {
	defer e.wg.Done()
	for {
		pkt := e.sendQueue.Pop()
		if pkt.IsSentinel() {
			e.log.Info("send loop exited")
			return
		}
		if err := e.sock.Send(pkt.DstAddress().IP(), pkt.Raw()); err != nil {
			e.log.WithError(err).Warn("sendto failed")
		}
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for atomic.LoadInt32(&e.recvState) == int32(stateRunning) {
		p := &packet.Packet{}
		n, _, err := e.sock.Receive(p.Buffer(), recvPollInterval)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			e.log.WithError(err).Debug("recvfrom error")
			continue
		}
		if n < packet.HeaderLen {
			e.log.WithField("len", n).Debug("frame too small, dropping")
			continue
		}
		if !p.IsTCP() {
			e.log.Debug("non-tcp frame, dropping")
			continue
		}
		e.dispatch(p)
	}
	atomic.StoreInt32(&e.recvState, int32(stateStopped))
	e.log.Info("receive loop exited")
}

func (e *Engine) dispatch(p *packet.Packet) {
	key := p.DstIPPort()

	e.connMu.Lock()
	c, ok := e.conns[key]
	e.connMu.Unlock()

	if !ok {
		fallback := fallbackKey(p)
		e.connMu.Lock()
		c, ok = e.conns[fallback]
		e.connMu.Unlock()
	}

	if !ok {
		e.log.WithField("dst", key).Debug("no connection matches packet")
		return
	}

	if err := c.Process(p); err != nil {
		e.log.WithError(err).WithField("src", c.SrcAddress()).Warn("protocol error")
	}
}

// fallbackKey builds "src_ip:dst_port" from the inbound packet: the
// lookup used when a pcap-based redirector has rewritten the destination
// IP of a response back to a "real" address while the connection was
// registered under a forged local IP.
func fallbackKey(p *packet.Packet) string {
	src := p.SrcAddress()
	dstPort := p.DstAddress().PortHost()
	return netaddr.New(src.IPHost(), dstPort).String()
}

func (e *Engine) timerLoop() {
	defer e.wg.Done()
	for {
		e.timers.RunExpired()
		if e.timers.Stopped() {
			e.log.Info("timer loop exited")
			return
		}
	}
}

// Stop drains every open connection, then shuts the worker goroutines
// down in the strict order the design calls for: connections first, then
// the timer goroutine, then the receive goroutine, then the send
// goroutine (via a sentinel on its queue), and only then the socket.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.drainConnections()

		e.log.Info("timer loop exiting")
		e.timers.Stop()

		e.log.Info("receive loop exiting")
		atomic.StoreInt32(&e.recvState, int32(stateStopping))

		e.log.Info("send loop exiting")
		e.sendQueue.Push(packet.Sentinel())

		e.wg.Wait()

		if e.sock != nil {
			_ = e.sock.Close()
		}
		e.log.Info("engine stopped")
	})
}

func (e *Engine) drainConnections() {
	e.connMu.Lock()
	snapshot := make([]*conn.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		snapshot = append(snapshot, c)
	}
	e.connMu.Unlock()

	for _, c := range snapshot {
		if c.IsClosed() {
			_ = e.Release(c)
			continue
		}
		c.SetClosedCallback(func(closed *conn.Connection) {
			e.log.WithField("src", closed.SrcAddress()).Info("connection closed")
			_ = e.Release(closed)
		})
		c.Close()
	}

	for e.tableLen() > 0 {
		e.log.Info("waiting for all connections to close")
		time.Sleep(stopPollInterval)
	}
	e.log.Info("all connections closed")
}

func (e *Engine) tableLen() int {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return len(e.conns)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
