// Package packet 实现引擎收发的 IPv4+TCP 报文：固定容量缓冲区、
// 字段访问器、校验和计算，以及按握手/数据/挥手阶段分类的构造函数。
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"

	"tcpforge/internal/core/netaddr"
)

const (
	// MaxSize 是一个以太网帧能承载的最大负载，整份报文的缓冲区上限
	MaxSize = 1514

	ipHeaderLen  = 20
	tcpHeaderLen = 20
	// HeaderLen 是 IPv4 头部加 TCP 头部（不含 TCP 选项）的长度
	HeaderLen = ipHeaderLen + tcpHeaderLen

	defaultTTL    = 64
	defaultWindow = 4096
)

// TCP flag bits, within byte 13 of the TCP header.
const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagPSH = 1 << 3
	flagACK = 1 << 4
	flagURG = 1 << 5
)

// ErrPayloadOversize 在负载超过可用容量时由 SetData 返回
var ErrPayloadOversize = errors.New("packet: payload exceeds available capacity")

// checksumTrailerRoom 是 tcpChecksum 在数据区之后借用的字节数：填充到偶数
// 长度的负载紧跟着一个 4 字节的伪首部尾缀（参见 tcpChecksum）。缓冲区必须
// 比 MaxSize 多出这些字节，否则最大负载（MaxSize-HeaderLen）的发送会在
// 校验和计算阶段越界。
const checksumTrailerRoom = 4

// Packet 是承载已解析或已伪造的 IP+TCP 报文的定长缓冲区
// buf 的前 HeaderLen 字节是 IPv4 头部紧接 TCP 头部，其余是负载；buf 本身
// 比 MaxSize 宽 checksumTrailerRoom 字节，为 tcpChecksum 的伪首部尾缀留出
// 空间，这部分从不通过 Buffer()/Raw() 对外暴露
type Packet struct {
	buf [MaxSize + checksumTrailerRoom]byte
}

// New 构造一个字段齐全、负载为空的报文：版本 4、IHL 5、默认 TTL、
// 协议 TCP、TCP 数据偏移 5、窗口 4096、紧急指针 0
func New() *Packet {
	p := &Packet{}
	p.buf[0] = (4 << 4) | 5 // version=4, ihl=5
	binary.BigEndian.PutUint16(p.buf[2:4], uint16(HeaderLen))
	p.buf[8] = defaultTTL
	p.buf[9] = byte(tcpProtocol)
	p.buf[32] = 5 << 4 // data offset = 5, reserved/flags cleared
	binary.BigEndian.PutUint16(p.buf[34:36], defaultWindow)
	return p
}

const tcpProtocol = 6 // IPPROTO_TCP

// Buffer 返回一个以太网帧能承载的最大负载对应的切片，供 recvfrom 写入
// 原始字节使用；不包含 tcpChecksum 借用的尾部校验和暂存空间
func (p *Packet) Buffer() []byte {
	return p.buf[:MaxSize]
}

// Raw 返回报文当前有效长度（Size）对应的切片，供 sendto 发送使用
func (p *Packet) Raw() []byte {
	return p.buf[:p.Size()]
}

// Size 是 IP 总长度字段表示的报文总字节数
func (p *Packet) Size() int {
	return int(binary.BigEndian.Uint16(p.buf[2:4]))
}

// IsTCP 报告 IP 协议字段是否为 TCP
func (p *Packet) IsTCP() bool {
	return p.buf[9] == tcpProtocol
}

func (p *Packet) tcpFlags() byte { return p.buf[33] }

func (p *Packet) setFlag(bit byte)    { p.buf[33] |= bit }
func (p *Packet) hasFlag(bit byte) bool { return p.tcpFlags()&bit != 0 }

// SetSyn / IsSyn, SetAck / IsAck, SetFin / IsFin, SetPsh / IsPsh 置位并读取对应的 TCP 标志
func (p *Packet) SetSyn()          { p.setFlag(flagSYN) }
func (p *Packet) IsSyn() bool      { return p.hasFlag(flagSYN) }
func (p *Packet) SetAck()          { p.setFlag(flagACK) }
func (p *Packet) IsAck() bool      { return p.hasFlag(flagACK) }
func (p *Packet) SetFin()          { p.setFlag(flagFIN) }
func (p *Packet) IsFin() bool      { return p.hasFlag(flagFIN) }
func (p *Packet) SetPsh()          { p.setFlag(flagPSH) }
func (p *Packet) IsPsh() bool      { return p.hasFlag(flagPSH) }
func (p *Packet) SetRst()          { p.setFlag(flagRST) }
func (p *Packet) IsRst() bool      { return p.hasFlag(flagRST) }

// SetSeq / Seq 写入和读取 TCP 序列号（入参出参都是 host order）
func (p *Packet) SetSeq(n uint32) { binary.BigEndian.PutUint32(p.buf[24:28], n) }
func (p *Packet) Seq() uint32     { return binary.BigEndian.Uint32(p.buf[24:28]) }

// SetAckNum / AckNum 写入和读取 TCP 确认号
func (p *Packet) SetAckNum(n uint32) { binary.BigEndian.PutUint32(p.buf[28:32], n) }
func (p *Packet) AckNum() uint32     { return binary.BigEndian.Uint32(p.buf[28:32]) }

// SetSrcAddress 写入源 IP 与源端口
func (p *Packet) SetSrcAddress(addr netaddr.Address) {
	copy(p.buf[12:16], addr.IP().To4())
	binary.BigEndian.PutUint16(p.buf[20:22], addr.PortHost())
}

// SetDstAddress 写入目的 IP 与目的端口
func (p *Packet) SetDstAddress(addr netaddr.Address) {
	copy(p.buf[16:20], addr.IP().To4())
	binary.BigEndian.PutUint16(p.buf[22:24], addr.PortHost())
}

// SetAddress 同时写入目的与源地址
func (p *Packet) SetAddress(dst, src netaddr.Address) {
	p.SetDstAddress(dst)
	p.SetSrcAddress(src)
}

// SrcAddress 读取源地址
func (p *Packet) SrcAddress() netaddr.Address {
	return addressAt(p.buf[12:16], p.buf[20:22])
}

// DstAddress 读取目的地址
func (p *Packet) DstAddress() netaddr.Address {
	return addressAt(p.buf[16:20], p.buf[22:24])
}

func addressAt(ip, port []byte) netaddr.Address {
	ipHost := binary.BigEndian.Uint32(ip)
	portHost := binary.BigEndian.Uint16(port)
	return netaddr.New(ipHost, portHost)
}

// SrcIPPort 返回源地址的规范字符串，用作解复用键
func (p *Packet) SrcIPPort() string { return p.SrcAddress().String() }

// DstIPPort 返回目的地址的规范字符串，用作解复用键
func (p *Packet) DstIPPort() string { return p.DstAddress().String() }

// ExchangeAddress 将 other 的源/目的地址对调后写入 p：
// p 的目的地址 = other 的源地址，p 的源地址 = other 的目的地址
func (p *Packet) ExchangeAddress(other *Packet) {
	copy(p.buf[16:20], other.buf[12:16])
	copy(p.buf[12:16], other.buf[16:20])
	binary.BigEndian.PutUint16(p.buf[22:24], binary.BigEndian.Uint16(other.buf[20:22]))
	binary.BigEndian.PutUint16(p.buf[20:22], binary.BigEndian.Uint16(other.buf[22:24]))
}

// DataLen 是负载的字节数：IP 总长度减去头部长度（本实现不产生 TCP 选项）
func (p *Packet) DataLen() int {
	return p.Size() - HeaderLen
}

// Data 返回负载切片
func (p *Packet) Data() []byte {
	n := p.DataLen()
	if n <= 0 {
		return nil
	}
	return p.buf[HeaderLen : HeaderLen+n]
}

// SetData 把 data 拷贝进负载区并更新 IP 总长度字段
// 总长度按 host order 累加后再一次性写回网络字节序，
// 避免对已有非零长度重复 htons 导致的字节序错误
func (p *Packet) SetData(data []byte) error {
	if len(data) > MaxSize-HeaderLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadOversize, len(data), MaxSize-HeaderLen)
	}
	copy(p.buf[HeaderLen:], data)
	totalHost := binary.BigEndian.Uint16(p.buf[2:4])
	binary.BigEndian.PutUint16(p.buf[2:4], totalHost+uint16(len(data)))
	return nil
}

// checksum 计算 16 位反码和校验和；data 长度必须为偶数
func checksum(data []byte) uint16 {
	if len(data)%2 != 0 {
		panic("packet: checksum requires an even-length buffer")
	}
	var sum uint32
	for i := 0; i < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if sum > 0xffff {
		panic("packet: checksum overflow after folding")
	}
	return ^uint16(sum)
}

// ipChecksum 覆盖完整的 20 字节 IPv4 头部（spec 指出原始实现只覆盖了
// sizeof(iphdr)-8 字节，属于 bug；这里按标准覆盖全部头部）
func (p *Packet) ipChecksum() uint16 {
	binary.BigEndian.PutUint16(p.buf[10:12], 0)
	return checksum(p.buf[:ipHeaderLen])
}

// tcpChecksum 计算 TCP 校验和：伪首部 {0, protocol, tcp_len} 作为 4 字节
// 尾缀紧跟在（填充到偶数长度的）报文之后，从 IP 源地址字段开始累加
// sizeof(tcphdr)+12+padded 字节
func (p *Packet) tcpChecksum() uint16 {
	binary.BigEndian.PutUint16(p.buf[36:38], 0)

	dataLen := p.DataLen()
	padded := dataLen
	if padded%2 != 0 {
		padded++
	}

	trailer := p.buf[HeaderLen+padded : HeaderLen+padded+4]
	trailer[0] = 0
	trailer[1] = tcpProtocol
	binary.BigEndian.PutUint16(trailer[2:4], uint16(tcpHeaderLen+dataLen))

	window := p.buf[12 : 12+tcpHeaderLen+12+padded]
	return checksum(window)
}

// CalculateChecksum 重新计算并写回 IP 校验和与 TCP 校验和
func (p *Packet) CalculateChecksum() {
	binary.BigEndian.PutUint16(p.buf[10:12], p.ipChecksum())
	binary.BigEndian.PutUint16(p.buf[36:38], p.tcpChecksum())
}

// Dump 返回一个用于诊断日志的人类可读表示，IP 部分借助 golang.org/x/net/ipv4
// 解析，TCP 部分按本包自己的偏移量读取
func (p *Packet) Dump() string {
	ipHdr, err := ipv4.ParseHeader(p.buf[:ipHeaderLen])
	if err != nil {
		return fmt.Sprintf("packet: malformed ip header: %v", err)
	}
	return fmt.Sprintf(
		"ip{ttl:%d proto:%d src:%s dst:%s} tcp{src:%d dst:%d seq:%d ack:%d flags:%08b len:%d}",
		ipHdr.TTL, ipHdr.Protocol, ipHdr.Src, ipHdr.Dst,
		binary.BigEndian.Uint16(p.buf[20:22]),
		binary.BigEndian.Uint16(p.buf[22:24]),
		p.Seq(), p.AckNum(), p.tcpFlags(), p.DataLen(),
	)
}
