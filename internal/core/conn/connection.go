// Package conn 实现每条 TCP 流的状态机：握手、数据收发、四次挥手，
// 全部由收到的报文和用户调用驱动，不依赖内核 TCP 栈。
package conn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tcpforge/internal/core/clock"
	"tcpforge/internal/core/netaddr"
	"tcpforge/internal/core/packet"
	"tcpforge/internal/core/qos"
	"tcpforge/internal/core/timer"
)

// State 是连接状态机的状态；TIME_WAIT 保留用于和原始设计对齐，
// 但本实现从不主动进入它（spec 把 TIME_WAIT quieting 列为 Non-goal）
type State int32

const (
	Closed State = iota
	SynSent
	Established
	FinWait1
	FinWait2
	Closing
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case SynSent:
		return "SYN_SENT"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case Closing:
		return "CLOSING"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ConnectedCallback, MessageCallback, ClosedCallback 是用户挂接到连接生命周期
// 上的回调；默认都是空操作
type (
	ConnectedCallback func(c *Connection)
	MessageCallback   func(c *Connection, data []byte)
	ClosedCallback    func(c *Connection)
)

// ProtocolError 表示收到的报文不属于当前状态允许的集合
type ProtocolError struct {
	State State
	Pkt   *packet.Packet
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("conn: unexpected segment in state %s: flags syn=%v ack=%v fin=%v",
		e.State, e.Pkt.IsSyn(), e.Pkt.IsAck(), e.Pkt.IsFin())
}

// Sender is the subset of the Engine that Connection needs to hand off
// outbound packets for checksumming and transmission.
type Sender interface {
	Enqueue(p *packet.Packet)
}

// TimerArmer is the subset of the Engine's timer service that Connection
// uses to arm and disarm its (inert) retransmission hook.
type TimerArmer interface {
	AddTimer(when clock.Timestamp, cb timer.Callback) timer.ID
	CancelTimer(id timer.ID)
}

// FailureMode controls what happens when process receives a segment the
// state machine does not allow. Strict mirrors the source's CHECK-and-abort
// intent; Soft instead closes just that connection.
type FailureMode int

const (
	// Strict aborts the process on a protocol violation.
	Strict FailureMode = iota
	// Soft transitions the offending connection to Closed and fires
	// on_closed instead of aborting the whole engine.
	Soft
)

// Connection is a single forged TCP flow. It is always constructed and
// owned by an Engine; user code only ever sees it through the handle the
// Engine hands back from NewConnection.
type Connection struct {
	dst netaddr.Address
	src netaddr.Address

	sender Sender
	timers TimerArmer
	mode   FailureMode

	seq    uint32 // atomic
	ackSeq uint32 // atomic
	state  int32  // atomic, holds a State

	cbMu      sync.RWMutex
	onConnect ConnectedCallback
	onMessage MessageCallback
	onClosed  ClosedCallback

	rtt       *qos.RttEstimator
	rtoMu     sync.Mutex
	rtoTimer  timer.ID
	rtoArmed  bool
}

// New constructs a Connection in the Closed state with a seq seeded from
// the wall clock, mirroring the source's time()+clock() seed with a
// collision-resistant Go equivalent.
func New(dst, src netaddr.Address, sender Sender, timers TimerArmer, mode FailureMode) *Connection {
	seed := uint32(time.Now().UnixNano()) ^ uint32(time.Now().UnixNano()>>32)
	return &Connection{
		dst:       dst,
		src:       src,
		sender:    sender,
		timers:    timers,
		mode:      mode,
		seq:       seed,
		state:     int32(Closed),
		onConnect: func(*Connection) {},
		onMessage: func(*Connection, []byte) {},
		onClosed:  func(*Connection) {},
		rtt:       qos.NewRttEstimator(),
	}
}

// SetConnectedCallback, SetMessageCallback, SetClosedCallback install
// user callbacks. Safe to call before Connect(); callbacks fire on
// whichever goroutine is driving process() or the public API call.
func (c *Connection) SetConnectedCallback(cb ConnectedCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConnect = cb
}

func (c *Connection) SetMessageCallback(cb MessageCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onMessage = cb
}

func (c *Connection) SetClosedCallback(cb ClosedCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onClosed = cb
}

// DstAddress, SrcAddress return the connection's immutable endpoints.
func (c *Connection) DstAddress() netaddr.Address { return c.dst }
func (c *Connection) SrcAddress() netaddr.Address { return c.src }

// State returns the current state atomically.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// IsClosed reports whether the connection has reached Closed.
func (c *Connection) IsClosed() bool {
	return c.State() == Closed
}

func (c *Connection) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Connection) nextSeq() uint32 {
	return atomic.LoadUint32(&c.seq)
}

func (c *Connection) advanceSeq(by uint32) uint32 {
	return atomic.AddUint32(&c.seq, by) - by
}

func (c *Connection) loadAck() uint32 {
	return atomic.LoadUint32(&c.ackSeq)
}

func (c *Connection) storeAck(v uint32) {
	atomic.StoreUint32(&c.ackSeq, v)
}

// Connect sends the initial SYN and transitions Closed -> SynSent.
func (c *Connection) Connect() {
	seq := c.advanceSeq(1)
	c.sender.Enqueue(packet.Syn(seq, c.dst, c.src))
	c.setState(SynSent)
	c.armRetransmit()
}

// Send transmits a PSH+ACK data segment. Only valid in Established;
// callers outside that state get an error and nothing is sent.
func (c *Connection) Send(data []byte) error {
	if c.State() != Established {
		return fmt.Errorf("conn: send on non-established connection (state %s)", c.State())
	}
	seq := c.advanceSeq(uint32(len(data)))
	p, err := packet.Data(seq, c.loadAck(), c.dst, c.src, data)
	if err != nil {
		return err
	}
	c.sender.Enqueue(p)
	c.armRetransmit()
	return nil
}

// Close sends FIN+ACK and transitions Established -> FinWait1.
func (c *Connection) Close() {
	seq := c.advanceSeq(1)
	c.sender.Enqueue(packet.Fin(seq, c.loadAck(), c.dst, c.src))
	c.setState(FinWait1)
	c.armRetransmit()
}

// Process drives the state machine from an inbound segment. It is the
// engine's job to only call this on its single receive goroutine so that
// callbacks for this connection never overlap.
func (c *Connection) Process(p *packet.Packet) error {
	dataLen := p.DataLen()
	if dataLen > 0 {
		c.storeAck(p.Seq() + uint32(dataLen))
	} else {
		c.storeAck(p.Seq() + 1)
	}

	switch c.State() {
	case Closed, TimeWait:
		return nil

	case SynSent:
		if p.IsSyn() && p.IsAck() {
			c.sender.Enqueue(packet.Ack(c.nextSeq(), p))
			c.setState(Established)
			c.disarmRetransmit()
			c.fireConnected()
			return nil
		}
		return c.fail(p)

	case Established:
		return c.processEstablished(p)

	case FinWait1:
		switch {
		case p.IsAck() && p.IsFin():
			// simultaneous close: peer ACKed our FIN and sent its own
			c.sender.Enqueue(packet.Ack(c.nextSeq(), p))
			c.setState(Closed)
			c.disarmRetransmit()
			c.fireClosed()
			return nil
		case p.IsFin():
			c.sender.Enqueue(packet.Ack(c.nextSeq(), p))
			c.setState(Closing)
			return nil
		case p.IsAck():
			c.setState(FinWait2)
			c.disarmRetransmit()
			return nil
		default:
			return c.fail(p)
		}

	case FinWait2:
		if p.IsFin() {
			c.sender.Enqueue(packet.Ack(c.nextSeq(), p))
			c.setState(Closed)
			c.disarmRetransmit()
			c.fireClosed()
			return nil
		}
		return c.fail(p)

	case Closing:
		if p.IsAck() {
			c.setState(Closed)
			c.disarmRetransmit()
			c.fireClosed()
			return nil
		}
		return c.fail(p)

	default:
		return c.fail(p)
	}
}

func (c *Connection) processEstablished(p *packet.Packet) error {
	dataLen := p.DataLen()
	switch {
	case dataLen > 0:
		c.sender.Enqueue(packet.Ack(c.nextSeq(), p))
		c.disarmRetransmit()
		c.fireMessage(p.Data())
		return nil
	case p.IsFin():
		c.sender.Enqueue(packet.FinAck(c.nextSeq(), p))
		c.setState(Closing)
		return nil
	case p.IsAck():
		// peer acked our last segment; cancel the retransmit hook
		c.disarmRetransmit()
		return nil
	default:
		return c.fail(p)
	}
}

func (c *Connection) fail(p *packet.Packet) error {
	err := &ProtocolError{State: c.State(), Pkt: p}
	if c.mode == Strict {
		panic(err)
	}
	c.setState(Closed)
	c.disarmRetransmit()
	c.fireClosed()
	return err
}

func (c *Connection) fireConnected() {
	c.cbMu.RLock()
	cb := c.onConnect
	c.cbMu.RUnlock()
	cb(c)
}

func (c *Connection) fireMessage(data []byte) {
	c.cbMu.RLock()
	cb := c.onMessage
	c.cbMu.RUnlock()
	cb(c, data)
}

func (c *Connection) fireClosed() {
	c.cbMu.RLock()
	cb := c.onClosed
	c.cbMu.RUnlock()
	cb(c)
}

// armRetransmit schedules the RTO-estimated retransmit hook. The engine
// never actually retransmits on loss (an explicit Non-goal); this exists
// so the timing machinery and RFC 6298 estimator have somewhere to attach.
// The fired callback does nothing.
func (c *Connection) armRetransmit() {
	if c.timers == nil {
		return
	}
	c.rtoMu.Lock()
	defer c.rtoMu.Unlock()
	if c.rtoArmed {
		c.timers.CancelTimer(c.rtoTimer)
	}
	timeout := c.rtt.Timeout()
	c.rtoTimer = c.timers.AddTimer(clock.Now().Add(timeout), c.onRetransmitFired)
	c.rtoArmed = true
}

func (c *Connection) disarmRetransmit() {
	if c.timers == nil {
		return
	}
	c.rtoMu.Lock()
	defer c.rtoMu.Unlock()
	if c.rtoArmed {
		c.timers.CancelTimer(c.rtoTimer)
		c.rtoArmed = false
	}
}

func (c *Connection) onRetransmitFired() {
	// Intentionally inert: retransmission-on-loss is out of scope. Firing
	// here means an ack was never observed for an outstanding segment.
}
