package conn

import (
	"sync"
	"testing"

	"tcpforge/internal/core/clock"
	"tcpforge/internal/core/netaddr"
	"tcpforge/internal/core/packet"
	"tcpforge/internal/core/timer"
)

// recordingSender captures every packet handed to Enqueue for inspection.
type recordingSender struct {
	mu  sync.Mutex
	pkt []*packet.Packet
}

func (s *recordingSender) Enqueue(p *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkt = append(s.pkt, p)
}

func (s *recordingSender) last() *packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pkt) == 0 {
		return nil
	}
	return s.pkt[len(s.pkt)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkt)
}

// noopTimers satisfies TimerArmer without a real timer.Service, since
// these tests only exercise the state machine, not retransmit timing.
type noopTimers struct{}

func (noopTimers) AddTimer(clock.Timestamp, timer.Callback) timer.ID { return 0 }
func (noopTimers) CancelTimer(timer.ID)                              {}

func mustAddr(t *testing.T, s string) netaddr.Address {
	t.Helper()
	a, err := netaddr.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestHandshakeFiresOnConnectedOnce(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")
	sender := &recordingSender{}
	c := New(dst, src, sender, noopTimers{}, Soft)

	connected := 0
	c.SetConnectedCallback(func(*Connection) { connected++ })

	c.Connect()
	if c.State() != SynSent {
		t.Fatalf("expected SYN_SENT, got %s", c.State())
	}
	syn := sender.last()
	if !syn.IsSyn() {
		t.Fatal("expected SYN packet sent")
	}

	synack := packet.Syn(5000, src, dst) // arrives from peer: dst/src swapped
	synack.SetAck()

	if err := c.Process(synack); err != nil {
		t.Fatalf("process synack: %v", err)
	}
	if c.State() != Established {
		t.Fatalf("expected ESTABLISHED, got %s", c.State())
	}
	if connected != 1 {
		t.Fatalf("expected on_connected to fire exactly once, got %d", connected)
	}

	ack := sender.last()
	if !ack.IsAck() || ack.IsSyn() {
		t.Fatal("expected pure ACK in response to SYN+ACK")
	}
	if ack.AckNum() != synack.Seq()+1 {
		t.Errorf("expected ack %d, got %d", synack.Seq()+1, ack.AckNum())
	}
}

func TestDataExchangeFiresOnMessageOnce(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")
	sender := &recordingSender{}
	c := New(dst, src, sender, noopTimers{}, Soft)
	c.Connect()

	synack := packet.Syn(5000, src, dst)
	synack.SetAck()
	if err := c.Process(synack); err != nil {
		t.Fatalf("process synack: %v", err)
	}

	var got []byte
	fired := 0
	c.SetMessageCallback(func(_ *Connection, data []byte) {
		fired++
		got = append([]byte(nil), data...)
	})

	if err := c.Send([]byte("hello world!")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sendPkt := sender.last()
	if string(sendPkt.Data()) != "hello world!" {
		t.Errorf("expected payload %q, got %q", "hello world!", sendPkt.Data())
	}

	echo, err := packet.Data(5001, sendPkt.Seq()+uint32(len("hello world!")), src, dst, []byte("hello world!"))
	if err != nil {
		t.Fatalf("build echo: %v", err)
	}
	if err := c.Process(echo); err != nil {
		t.Fatalf("process echo: %v", err)
	}

	if fired != 1 {
		t.Fatalf("expected on_message to fire exactly once, got %d", fired)
	}
	if string(got) != "hello world!" {
		t.Errorf("expected message %q, got %q", "hello world!", got)
	}

	ack := sender.last()
	if !ack.IsAck() {
		t.Fatal("expected ack reply to data segment")
	}
	if ack.AckNum() != echo.Seq()+uint32(len("hello world!")) {
		t.Errorf("expected ack %d, got %d", echo.Seq()+uint32(len("hello world!")), ack.AckNum())
	}
}

func TestActiveCloseFiresOnClosedOnceAndReleasesIsObservable(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")
	sender := &recordingSender{}
	c := New(dst, src, sender, noopTimers{}, Soft)
	c.Connect()
	synack := packet.Syn(5000, src, dst)
	synack.SetAck()
	_ = c.Process(synack)

	closed := 0
	c.SetClosedCallback(func(*Connection) { closed++ })

	c.Close()
	if c.State() != FinWait1 {
		t.Fatalf("expected FIN_WAIT_1, got %s", c.State())
	}
	finSent := sender.last()
	if !finSent.IsFin() || !finSent.IsAck() {
		t.Fatal("expected FIN+ACK sent on Close")
	}

	peerFinAck := packet.Fin(6000, finSent.Seq()+1, src, dst)
	peerFinAck.SetAck()
	if err := c.Process(peerFinAck); err != nil {
		t.Fatalf("process peer fin+ack: %v", err)
	}

	if c.State() != Closed {
		t.Fatalf("expected CLOSED, got %s", c.State())
	}
	if closed != 1 {
		t.Fatalf("expected on_closed to fire exactly once, got %d", closed)
	}
	if !c.IsClosed() {
		t.Fatal("expected IsClosed() true")
	}
}

func TestFinWait1AckOnlyTransitionsToFinWait2(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")
	sender := &recordingSender{}
	c := New(dst, src, sender, noopTimers{}, Soft)
	c.Connect()
	synack := packet.Syn(5000, src, dst)
	synack.SetAck()
	_ = c.Process(synack)
	c.Close()

	pureAck := packet.Ack(6000, sender.last())
	if err := c.Process(pureAck); err != nil {
		t.Fatalf("process ack: %v", err)
	}
	if c.State() != FinWait2 {
		t.Fatalf("expected FIN_WAIT_2, got %s", c.State())
	}

	peerFin := packet.Fin(6001, pureAck.AckNum(), src, dst)
	if err := c.Process(peerFin); err != nil {
		t.Fatalf("process peer fin: %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("expected CLOSED after peer FIN in FIN_WAIT_2, got %s", c.State())
	}
}

func TestSoftModeProtocolErrorClosesConnectionInstead(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")
	sender := &recordingSender{}
	c := New(dst, src, sender, noopTimers{}, Soft)
	c.Connect()

	garbage := packet.Syn(1, dst, src) // SYN with no ACK is invalid in SYN_SENT
	err := c.Process(garbage)
	if err == nil {
		t.Fatal("expected a protocol error")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
	if c.State() != Closed {
		t.Fatalf("expected soft failure to close the connection, got %s", c.State())
	}
}

func TestStrictModeProtocolErrorPanics(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")
	sender := &recordingSender{}
	c := New(dst, src, sender, noopTimers{}, Strict)
	c.Connect()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected strict mode to panic on protocol error")
		}
	}()
	garbage := packet.Syn(1, dst, src)
	_ = c.Process(garbage)
}
