package meshcore

import (
	"encoding/binary"
	"fmt"
)

// MsgKind is the first byte of a decrypted wire body.
type MsgKind byte

const (
	MsgData  MsgKind = 0x00
	MsgPeers MsgKind = 0x01
	MsgInit  MsgKind = 0x02
	MsgClose MsgKind = 0x03
)

const (
	famV4 byte = 4
	famV6 byte = 6

	// headerLen is magic[4] + version_flags[1].
	headerLen = 5
	// protocolVersion is written as the whole version_flags byte; this
	// codec speaks version 1.
	protocolVersion byte = 1
)

// Message is the parsed, decrypted form of a wire frame.
type Message struct {
	Kind MsgKind

	// Data: Payload is the raw inner frame. When Message comes from
	// Decode, Payload aliases the caller's receive buffer.
	Payload []byte

	// Peers
	Peers []PeerAddr

	// Init
	Stage  byte
	NodeID NodeId
	Ranges []Range
}

func (m MsgKind) String() string {
	switch m {
	case MsgData:
		return "Data"
	case MsgPeers:
		return "Peers"
	case MsgInit:
		return "Init"
	case MsgClose:
		return "Close"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(m))
	}
}

func writeHeader(buf []byte, magic HeaderMagic) {
	copy(buf[0:4], magic[:])
	buf[4] = protocolVersion
}

func writePeerAddr(buf []byte, a PeerAddr) int {
	if a.IsV6() {
		buf[0] = famV6
		copy(buf[1:17], a.ip[:16])
		binary.BigEndian.PutUint16(buf[17:19], a.port)
		return 19
	}
	buf[0] = famV4
	copy(buf[1:5], a.ip[:4])
	binary.BigEndian.PutUint16(buf[5:7], a.port)
	return 7
}

func readPeerAddr(buf []byte) (PeerAddr, int, error) {
	if len(buf) < 1 {
		return PeerAddr{}, 0, newErr(KindParse, "truncated address", nil)
	}
	switch buf[0] {
	case famV4:
		if len(buf) < 7 {
			return PeerAddr{}, 0, newErr(KindParse, "truncated ipv4 address", nil)
		}
		var p PeerAddr
		copy(p.ip[:4], buf[1:5])
		p.size = 4
		p.port = binary.BigEndian.Uint16(buf[5:7])
		return p, 7, nil
	case famV6:
		if len(buf) < 19 {
			return PeerAddr{}, 0, newErr(KindParse, "truncated ipv6 address", nil)
		}
		var p PeerAddr
		copy(p.ip[:16], buf[1:17])
		p.size = 16
		p.port = binary.BigEndian.Uint16(buf[17:19])
		return p, 19, nil
	default:
		return PeerAddr{}, 0, newErr(KindParse, fmt.Sprintf("unknown address family %d", buf[0]), nil)
	}
}

func writeRange(buf []byte, r Range) int {
	buf[0] = r.Base.Size()
	n := copy(buf[1:], r.Base.Bytes())
	buf[1+n] = r.PrefixLen
	return 2 + n
}

func readRange(buf []byte) (Range, int, error) {
	if len(buf) < 2 {
		return Range{}, 0, newErr(KindParse, "truncated range", nil)
	}
	size := int(buf[0])
	if size != 4 && size != 16 {
		return Range{}, 0, newErr(KindParse, fmt.Sprintf("bad range address size %d", size), nil)
	}
	if len(buf) < 2+size {
		return Range{}, 0, newErr(KindParse, "truncated range address", nil)
	}
	base := AddressFromIP(buf[1 : 1+size])
	prefixLen := buf[1+size]
	return Range{Base: base, PrefixLen: prefixLen}, 2 + size, nil
}

// encryptFrame runs buf[frameStart+bodyOffset : frameStart+bodyOffset+bodyLen]
// through crypto.EncryptInto and returns the final wire bytes, which begin
// at frameStart.
func encryptFrame(buf []byte, frameStart, bodyOffset, bodyLen int, crypto CryptoCore) ([]byte, error) {
	sub := buf[frameStart:]
	out, err := crypto.EncryptInto(sub, bodyOffset, bodyLen)
	if err != nil {
		return nil, newErr(KindCrypto, "encrypt", err)
	}
	return out, nil
}

// EncodeInit encodes a two-stage handshake message into buf, which must
// have room for headerLen + 1 + 1 + 16 + 1 + len(ranges)*18 bytes plus
// crypto.Overhead().
func EncodeInit(buf []byte, magic HeaderMagic, crypto CryptoCore, stage byte, id NodeId, ranges []Range) ([]byte, error) {
	if len(ranges) > 255 {
		return nil, newErr(KindParse, "too many ranges", nil)
	}
	writeHeader(buf, magic)
	pos := headerLen
	buf[pos] = byte(MsgInit)
	pos++
	buf[pos] = stage
	pos++
	copy(buf[pos:pos+16], id[:])
	pos += 16
	buf[pos] = byte(len(ranges))
	pos++
	for _, r := range ranges {
		pos += writeRange(buf[pos:], r)
	}
	return encryptFrame(buf, 0, headerLen, pos-headerLen, crypto)
}

// EncodePeers encodes a gossip message listing up to 65535 peer addresses.
func EncodePeers(buf []byte, magic HeaderMagic, crypto CryptoCore, peers []PeerAddr) ([]byte, error) {
	if len(peers) > 0xFFFF {
		return nil, newErr(KindParse, "too many peers", nil)
	}
	writeHeader(buf, magic)
	pos := headerLen
	buf[pos] = byte(MsgPeers)
	pos++
	binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(peers)))
	pos += 2
	for _, p := range peers {
		pos += writePeerAddr(buf[pos:], p)
	}
	return encryptFrame(buf, 0, headerLen, pos-headerLen, crypto)
}

// EncodeClose encodes an empty goodbye message.
func EncodeClose(buf []byte, magic HeaderMagic, crypto CryptoCore) ([]byte, error) {
	writeHeader(buf, magic)
	buf[headerLen] = byte(MsgClose)
	return encryptFrame(buf, 0, headerLen, 1, crypto)
}

// EncodeData encodes a forwarded frame in place: buf[start:end] already
// holds the raw inner frame, and the caller must guarantee at least
// headerLen+1 bytes of head-room before start and crypto.Overhead() bytes
// of tail-room after end.
func EncodeData(buf []byte, start, end int, magic HeaderMagic, crypto CryptoCore) ([]byte, error) {
	kindOffset := start - 1
	frameStart := kindOffset - headerLen
	if frameStart < 0 {
		return nil, newErr(KindSocket, "insufficient head-room for data frame", ErrBufferTooSmall)
	}
	writeHeader(buf[frameStart:], magic)
	buf[kindOffset] = byte(MsgData)
	return encryptFrame(buf, frameStart, headerLen, 1+end-start, crypto)
}

// Decode authenticates and parses a received datagram. crypto must be the
// CryptoCore for the sender (looked up by the caller before calling
// Decode); datagrams from unknown senders fail with KindCrypto.
func Decode(buf []byte, magic HeaderMagic, crypto CryptoCore) (Message, error) {
	if len(buf) < headerLen+1 {
		return Message{}, newErr(KindParse, "datagram too short", nil)
	}
	if string(buf[0:4]) != string(magic[:]) {
		return Message{}, newErr(KindParse, "magic mismatch", ErrBadMagic)
	}
	n, err := crypto.DecryptVerify(buf[headerLen:])
	if err != nil {
		return Message{}, newErr(KindCrypto, "decrypt/verify", err)
	}
	body := buf[headerLen : headerLen+n]
	if len(body) < 1 {
		return Message{}, newErr(KindParse, "empty body", nil)
	}
	kind := MsgKind(body[0])
	rest := body[1:]
	switch kind {
	case MsgData:
		return Message{Kind: MsgData, Payload: rest}, nil
	case MsgPeers:
		if len(rest) < 2 {
			return Message{}, newErr(KindParse, "truncated peers count", nil)
		}
		count := int(binary.BigEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		peers := make([]PeerAddr, 0, count)
		for i := 0; i < count; i++ {
			p, n, err := readPeerAddr(rest)
			if err != nil {
				return Message{}, err
			}
			peers = append(peers, p)
			rest = rest[n:]
		}
		return Message{Kind: MsgPeers, Peers: peers}, nil
	case MsgInit:
		if len(rest) < 1+16+1 {
			return Message{}, newErr(KindParse, "truncated init", nil)
		}
		stage := rest[0]
		var id NodeId
		copy(id[:], rest[1:17])
		rangeCount := int(rest[17])
		rest = rest[18:]
		ranges := make([]Range, 0, rangeCount)
		for i := 0; i < rangeCount; i++ {
			r, n, err := readRange(rest)
			if err != nil {
				return Message{}, err
			}
			ranges = append(ranges, r)
			rest = rest[n:]
		}
		return Message{Kind: MsgInit, Stage: stage, NodeID: id, Ranges: ranges}, nil
	case MsgClose:
		return Message{Kind: MsgClose}, nil
	default:
		return Message{}, newErr(KindParse, fmt.Sprintf("unknown message kind 0x%02x", byte(kind)), nil)
	}
}
