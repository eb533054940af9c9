package meshcore

import (
	"bytes"
	"errors"
	"testing"
)

func testMagic() HeaderMagic { return HeaderMagic{0xca, 0xfe, 0xba, 0xbe} }

func testCrypto(t *testing.T) *ChaCha20Crypto {
	t.Helper()
	c, err := NewChaCha20Crypto(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewChaCha20Crypto: %v", err)
	}
	return c
}

func TestWire_InitRoundTrip(t *testing.T) {
	magic := testMagic()
	crypto := testCrypto(t)
	id := NewNodeId()
	ranges := []Range{
		{Base: ipAddr("10.0.0.0"), PrefixLen: 24},
		{Base: ipAddr("fd00::"), PrefixLen: 64},
	}

	buf := make([]byte, 512)
	out, err := EncodeInit(buf, magic, crypto, 1, id, ranges)
	if err != nil {
		t.Fatalf("EncodeInit: %v", err)
	}

	msg, err := Decode(out, magic, crypto)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != MsgInit {
		t.Fatalf("expected MsgInit, got %v", msg.Kind)
	}
	if msg.Stage != 1 || msg.NodeID != id {
		t.Errorf("stage/id mismatch: stage=%d id=%v", msg.Stage, msg.NodeID)
	}
	if len(msg.Ranges) != 2 || msg.Ranges[0].PrefixLen != 24 || msg.Ranges[1].PrefixLen != 64 {
		t.Errorf("unexpected ranges: %+v", msg.Ranges)
	}
}

func TestWire_PeersRoundTrip(t *testing.T) {
	magic := testMagic()
	crypto := testCrypto(t)
	peers := []PeerAddr{addr("10.0.0.1", 7946), addr("fd00::1", 51820)}

	buf := make([]byte, 512)
	out, err := EncodePeers(buf, magic, crypto, peers)
	if err != nil {
		t.Fatalf("EncodePeers: %v", err)
	}

	msg, err := Decode(out, magic, crypto)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != MsgPeers || len(msg.Peers) != 2 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Peers[0] != peers[0] || msg.Peers[1] != peers[1] {
		t.Errorf("peer mismatch: got %v want %v", msg.Peers, peers)
	}
}

func TestWire_CloseRoundTrip(t *testing.T) {
	magic := testMagic()
	crypto := testCrypto(t)

	buf := make([]byte, 64)
	out, err := EncodeClose(buf, magic, crypto)
	if err != nil {
		t.Fatalf("EncodeClose: %v", err)
	}
	msg, err := Decode(out, magic, crypto)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != MsgClose {
		t.Errorf("expected MsgClose, got %v", msg.Kind)
	}
}

func TestWire_DataRoundTrip(t *testing.T) {
	magic := testMagic()
	crypto := testCrypto(t)
	payload := []byte("hello mesh")

	buf := make([]byte, deviceHeadRoom+len(payload)+crypto.Overhead())
	start := deviceHeadRoom
	copy(buf[start:], payload)
	end := start + len(payload)

	out, err := EncodeData(buf, start, end, magic, crypto)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}

	msg, err := Decode(out, magic, crypto)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != MsgData || !bytes.Equal(msg.Payload, payload) {
		t.Errorf("unexpected data message: kind=%v payload=%q", msg.Kind, msg.Payload)
	}
}

func TestWire_EncodeData_InsufficientHeadroom(t *testing.T) {
	magic := testMagic()
	crypto := testCrypto(t)
	buf := make([]byte, 64)
	if _, err := EncodeData(buf, 2, 10, magic, crypto); err == nil {
		t.Fatal("expected an error for insufficient head-room")
	}
}

func TestWire_Decode_BadMagic(t *testing.T) {
	crypto := testCrypto(t)
	buf := make([]byte, 64)
	out, err := EncodeClose(buf, testMagic(), crypto)
	if err != nil {
		t.Fatalf("EncodeClose: %v", err)
	}

	wrongMagic := HeaderMagic{0x01, 0x02, 0x03, 0x04}
	_, err = Decode(out, wrongMagic, crypto)
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

func TestWire_Decode_TooShort(t *testing.T) {
	crypto := testCrypto(t)
	_, err := Decode([]byte{1, 2, 3}, testMagic(), crypto)
	if err == nil {
		t.Fatal("expected an error for a too-short datagram")
	}
}

func TestWire_Decode_DecryptFailure(t *testing.T) {
	magic := testMagic()
	crypto := testCrypto(t)
	buf := make([]byte, 64)
	out, err := EncodeClose(buf, magic, crypto)
	if err != nil {
		t.Fatalf("EncodeClose: %v", err)
	}
	// Flip the last byte (part of the appended nonce) so AEAD verification fails.
	out[len(out)-1] ^= 0xFF

	if _, err := Decode(out, magic, crypto); err == nil {
		t.Fatal("expected a decrypt/verify error for a tampered datagram")
	}
}

func TestMsgKind_String(t *testing.T) {
	if MsgData.String() != "Data" || MsgPeers.String() != "Peers" {
		t.Error("unexpected MsgKind strings")
	}
	if got := MsgKind(0xEE).String(); got == "" {
		t.Error("unknown MsgKind should still stringify to something non-empty")
	}
}
