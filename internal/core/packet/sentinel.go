package packet

import "bytes"

// sentinelMagic is the literal the send goroutine watches for to know it
// should exit. Using a recognizable byte string inside an ordinary Packet
// keeps the send queue's element type uniform instead of needing a tagged
// union.
var sentinelMagic = []byte("lastpacket\x00")

// Sentinel builds the special packet that signals the send loop to exit.
func Sentinel() *Packet {
	p := &Packet{}
	copy(p.buf[:], sentinelMagic)
	return p
}

// IsSentinel reports whether p is the shutdown sentinel rather than a
// real segment.
func (p *Packet) IsSentinel() bool {
	return bytes.Equal(p.buf[:len(sentinelMagic)], sentinelMagic)
}
