// Package meshcore implements the cloud engine of a peer-to-peer virtual
// private network node: the event loop that multiplexes the UDP sockets and
// the local tunnel device, maintains the peer set and the forwarding table,
// and drives the handshake/gossip protocol between mesh nodes.
package meshcore

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// NodeId is an opaque 128-bit identifier generated once per process
// lifetime. Two nodes are the same iff their NodeIds are equal.
type NodeId [16]byte

// NewNodeId generates a fresh random NodeId.
func NewNodeId() NodeId {
	return NodeId(uuid.New())
}

// IsZero reports whether id is the zero value (used as a sentinel for
// "no node id known yet").
func (id NodeId) IsZero() bool {
	return id == NodeId{}
}

func (id NodeId) String() string {
	return uuid.UUID(id).String()
}

// HeaderMagic is the per-mesh namespace prefix that demultiplexes
// overlapping overlays sharing a UDP port.
type HeaderMagic [4]byte

// Address is an inner-network address as produced by the InnerParser
// collaborator: raw IPv4 or IPv6 bytes. The engine never interprets these
// bytes beyond equality and prefix containment.
type Address struct {
	bytes [16]byte
	size  uint8 // 4 or 16, 0 means the zero value / "no address"
}

// AddressFromIP builds an Address from a net.IP, normalizing to its
// shortest representation (4 bytes for IPv4, 16 for IPv6).
func AddressFromIP(ip net.IP) Address {
	if v4 := ip.To4(); v4 != nil {
		var a Address
		copy(a.bytes[:4], v4)
		a.size = 4
		return a
	}
	v6 := ip.To16()
	var a Address
	if v6 != nil {
		copy(a.bytes[:16], v6)
		a.size = 16
	}
	return a
}

// IsZero reports whether a carries no address at all.
func (a Address) IsZero() bool { return a.size == 0 }

// Size returns 4, 16, or 0.
func (a Address) Size() uint8 { return a.size }

// Bytes returns the address's raw bytes (length 4 or 16).
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes[:a.size]...)
}

// IP renders the address as a net.IP.
func (a Address) IP() net.IP {
	if a.size == 0 {
		return nil
	}
	return net.IP(append([]byte(nil), a.bytes[:a.size]...))
}

func (a Address) String() string {
	if a.size == 0 {
		return "<none>"
	}
	return a.IP().String()
}

// coversPrefix reports whether the first prefixLen bits of a and b agree, and
// both addresses share the same family (size). Used for longest-prefix
// claim matching.
func (a Address) coversPrefix(b Address, prefixLen uint8) bool {
	if a.size != b.size || prefixLen > a.size*8 {
		return false
	}
	fullBytes := prefixLen / 8
	for i := uint8(0); i < fullBytes; i++ {
		if a.bytes[i] != b.bytes[i] {
			return false
		}
	}
	remBits := prefixLen % 8
	if remBits == 0 {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return a.bytes[fullBytes]&mask == b.bytes[fullBytes]&mask
}

// Range is a subnet range a peer announces it is authoritative for.
type Range struct {
	Base      Address
	PrefixLen uint8
}

func (r Range) String() string {
	return fmt.Sprintf("%s/%d", r.Base, r.PrefixLen)
}

// Contains reports whether addr falls within r.
func (r Range) Contains(addr Address) bool {
	return r.Base.coversPrefix(addr, r.PrefixLen)
}

// PeerAddr is a comparable (hence map-key-able) socket address: the unit
// every index in PeerList and ClaimTable is keyed on. net.UDPAddr itself
// isn't comparable with == because its IP field is a slice.
type PeerAddr struct {
	ip   [16]byte
	size uint8 // 4 or 16
	port uint16
}

// PeerAddrFromUDP converts a *net.UDPAddr into a PeerAddr.
func PeerAddrFromUDP(a *net.UDPAddr) PeerAddr {
	addr := AddressFromIP(a.IP)
	var p PeerAddr
	p.ip = addr.bytes
	p.size = addr.size
	p.port = uint16(a.Port)
	return p
}

// UDPAddr converts a PeerAddr back into a *net.UDPAddr.
func (p PeerAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(append([]byte(nil), p.ip[:p.size]...)), Port: int(p.port)}
}

// IsV6 reports whether the address is an IPv6 socket address.
func (p PeerAddr) IsV6() bool { return p.size == 16 }

func (p PeerAddr) String() string {
	return p.UDPAddr().String()
}

// encodeUint16 / decodeUint16 are small big-endian uint16 helpers. The wire
// codec calls binary.BigEndian directly and the beacon file is plain text,
// so neither uses them.
func encodeUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func decodeUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
