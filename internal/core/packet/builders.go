package packet

import "tcpforge/internal/core/netaddr"

// Syn 构造一个去往 dst、来自 src 的 SYN 报文
func Syn(seq uint32, dst, src netaddr.Address) *Packet {
	p := New()
	p.SetAddress(dst, src)
	p.SetSyn()
	p.SetSeq(seq)
	return p
}

// Fin 构造一个携带当前 ack_seq 的 FIN+ACK 报文（主动关闭的第一步）
func Fin(seq, ackSeq uint32, dst, src netaddr.Address) *Packet {
	p := New()
	p.SetAddress(dst, src)
	p.SetFin()
	p.SetAck()
	p.SetSeq(seq)
	p.SetAckNum(ackSeq)
	return p
}

// Ack 构造 recv 的确认报文：地址对调，ack = recv.seq + max(1, recv.DataLen())
func Ack(seq uint32, recv *Packet) *Packet {
	p := New()
	p.ExchangeAddress(recv)
	p.SetAck()
	p.SetSeq(seq)
	p.SetAckNum(ackOf(recv))
	return p
}

// FinAck 构造对 recv 的 FIN+ACK 应答（响应对端 FIN 时的同时关闭场景）
func FinAck(seq uint32, recv *Packet) *Packet {
	p := New()
	p.ExchangeAddress(recv)
	p.SetFin()
	p.SetAck()
	p.SetSeq(seq)
	p.SetAckNum(recv.Seq() + 1)
	return p
}

// Data 构造一个携带 payload 的 PSH+ACK 数据报文
func Data(seq, ackSeq uint32, dst, src netaddr.Address, payload []byte) (*Packet, error) {
	p := New()
	p.SetAddress(dst, src)
	p.SetPsh()
	p.SetAck()
	p.SetSeq(seq)
	p.SetAckNum(ackSeq)
	if err := p.SetData(payload); err != nil {
		return nil, err
	}
	return p, nil
}

// ackOf 是 spec 里 ack_of(recv) 的确认号规则：无负载时 +1，有负载时 +DataLen()
func ackOf(recv *Packet) uint32 {
	dataLen := recv.DataLen()
	if dataLen > 0 {
		return recv.Seq() + uint32(dataLen)
	}
	return recv.Seq() + 1
}
