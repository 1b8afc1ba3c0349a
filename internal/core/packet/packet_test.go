package packet

import (
	"bytes"
	"testing"

	"tcpforge/internal/core/netaddr"
)

func mustAddr(t *testing.T, s string) netaddr.Address {
	t.Helper()
	a, err := netaddr.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestSynPacketFields(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")

	p := Syn(1000, dst, src)

	if !p.IsSyn() {
		t.Error("expected SYN bit set")
	}
	if p.IsAck() || p.IsFin() || p.IsPsh() {
		t.Error("expected only SYN set")
	}
	if p.Seq() != 1000 {
		t.Errorf("expected seq 1000, got %d", p.Seq())
	}
	if p.DstIPPort() != dst.String() || p.SrcIPPort() != src.String() {
		t.Errorf("address mismatch: dst=%s src=%s", p.DstIPPort(), p.SrcIPPort())
	}
}

func TestAckPacketRoundTrip(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")

	synack := Syn(5000, src, dst) // arrives from server: dst/src swapped relative to client view
	synack.SetAck()

	ack := Ack(1001, synack)

	if ack.DstIPPort() != synack.SrcIPPort() {
		t.Errorf("expected ack dst == recv src, got %s vs %s", ack.DstIPPort(), synack.SrcIPPort())
	}
	if ack.SrcIPPort() != synack.DstIPPort() {
		t.Errorf("expected ack src == recv dst, got %s vs %s", ack.SrcIPPort(), synack.DstIPPort())
	}
	if !ack.IsAck() {
		t.Error("expected ACK bit set")
	}
	if ack.AckNum() != synack.Seq()+1 {
		t.Errorf("expected ack = %d, got %d", synack.Seq()+1, ack.AckNum())
	}
}

func TestDstIPPortRoundTrip(t *testing.T) {
	dst := mustAddr(t, "10.0.0.9:8080")
	src := mustAddr(t, "10.0.0.5:13579")
	p := Syn(1, dst, src)

	parsed, err := netaddr.Parse(p.DstIPPort())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != dst {
		t.Errorf("round trip mismatch: got %s, want %s", parsed, dst)
	}
}

func TestSetDataBoundary(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:1")
	src := mustAddr(t, "127.0.0.1:2")

	maxPayload := make([]byte, MaxSize-HeaderLen)
	if _, err := Data(1, 1, dst, src, maxPayload); err != nil {
		t.Fatalf("expected max-size payload to succeed, got %v", err)
	}

	oneTooMany := make([]byte, MaxSize-HeaderLen+1)
	if _, err := Data(1, 1, dst, src, oneTooMany); err == nil {
		t.Fatal("expected oversize payload to fail")
	}
}

func TestChecksumVerifiesForEvenAndOddPayload(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")

	for _, payload := range [][]byte{
		[]byte("hello world!"),          // 12 bytes, even
		[]byte("odd length!"),           // 11 bytes, odd
		{},                              // empty
		make([]byte, MaxSize-HeaderLen), // largest payload SetData accepts
	} {
		p, err := Data(1, 1, dst, src, payload)
		if err != nil {
			t.Fatalf("Data(%d bytes): %v", len(payload), err)
		}
		p.CalculateChecksum()

		ipSum := checksum(p.buf[:ipHeaderLen])
		if ipSum != 0 {
			t.Errorf("payload len %d: ip checksum did not verify, got %#x", len(payload), ipSum)
		}

		dataLen := p.DataLen()
		padded := dataLen
		if padded%2 != 0 {
			padded++
		}
		window := p.buf[12 : 12+tcpHeaderLen+12+padded]
		tcpSum := checksum(window)
		if tcpSum != 0 {
			t.Errorf("payload len %d: tcp checksum did not verify, got %#x", len(payload), tcpSum)
		}
	}
}

func TestDataPacketPayloadPreserved(t *testing.T) {
	dst := mustAddr(t, "127.0.0.1:5223")
	src := mustAddr(t, "127.0.0.2:13579")

	payload := []byte("hello world!")
	p, err := Data(10, 20, dst, src, payload)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}

	if !bytes.Equal(p.Data(), payload) {
		t.Errorf("expected data %q, got %q", payload, p.Data())
	}
	if p.DataLen() != len(payload) {
		t.Errorf("expected data len %d, got %d", len(payload), p.DataLen())
	}
}
