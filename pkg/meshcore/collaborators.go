package meshcore

import (
	"io"
)

// InnerParser is the external collaborator that understands the inner
// frame format (Ethernet or IP). The engine never looks past what this
// interface returns: it only ever compares Addresses for equality or
// prefix containment.
type InnerParser interface {
	// Parse extracts the source and destination inner addresses from a raw
	// frame. It must return a *MeshError with Kind == KindParse on failure.
	Parse(frame []byte) (src, dst Address, err error)
}

// Device is the external collaborator for the local TUN/TAP interface. The
// engine dedicates one reader goroutine to Device.Read, fanning its frames
// into the same select-driven loop that services the UDP sockets — Go's
// netpoller is the readiness multiplexer here, standing in for the
// raw poll(2)/kqueue primitive a single-threaded implementation would use.
type Device interface {
	// Read reads one frame into buf and returns the offset at which the
	// frame actually starts (the device may deposit a leading protocol
	// prefix the engine must not touch) and its length.
	Read(buf []byte) (offset, size int, err error)
	// Write writes the frame in buf[start:] to the device.
	Write(buf []byte, start int) error
	// Kind distinguishes a Dummy device (a node run without a local
	// interface) for which the engine must not start a reader goroutine.
	Kind() DeviceKind
}

// DeviceKind enumerates the device types the engine treats specially.
type DeviceKind int

const (
	DeviceTUN DeviceKind = iota
	DeviceTAP
	DeviceDummy
)

// CryptoCore is the per-peer cryptographic state handle. The engine treats
// it opaquely; encryption/decryption happen entirely behind EncryptInto and
// DecryptVerify.
type CryptoCore interface {
	// EncryptInto encrypts buf in place. buf must already contain header
	// bytes before the payload and room after it for the tag; EncryptInto
	// returns the slice of buf that should actually be sent.
	EncryptInto(buf []byte, headerLen, payloadLen int) ([]byte, error)
	// DecryptVerify verifies and decrypts buf (header bytes already
	// stripped by the caller) in place, returning the plaintext length.
	DecryptVerify(buf []byte) (int, error)
	// Overhead returns the number of trailing tag bytes EncryptInto adds.
	Overhead() int
}

// CryptoStore hands out (and creates, on first contact) the CryptoCore for
// a given peer. It is the collaborator boundary named in spec §6; this
// package never constructs cryptographic material itself.
type CryptoStore interface {
	CoreFor(peer PeerAddr) (CryptoCore, error)
	Forget(peer PeerAddr)
}

// PortForwarder is the optional UPnP/NAT-PMP collaborator. A nil
// PortForwarder is valid: the engine simply skips the lease-extension step.
type PortForwarder interface {
	CheckExtend() error
}

// Table is the forwarding/claim table collaborator named in spec §9's note
// on polymorphism over the forwarding table ("tagged variants beat deep
// class hierarchies"); ClaimTable is the one implementation this repo
// ships, but the engine only ever depends on this interface.
type Table interface {
	SetClaims(peer PeerAddr, ranges []Range)
	RemoveClaims(peer PeerAddr)
	Cache(addr Address, peer PeerAddr)
	Lookup(addr Address) (PeerAddr, bool)
	Housekeep()
	RemoveAll(peer PeerAddr)
	WriteReport(w io.Writer) error
	// Stats reports the current size of the explicit-claim and
	// learned-cache maps, for metrics export.
	Stats() (claims, cache int)
}

// BeaconCommandRunner invokes an external helper command asynchronously and
// polls for its result, per spec §6's "Paths that begin with the `|`
// sentinel designate a command, not a file." This repo implements the file
// half of the Beacon contract directly (FileBeacon) and leaves the command
// half pluggable since spawning and trusting an arbitrary helper process is
// a deployment concern, not an engine concern.
type BeaconCommandRunner interface {
	// Store asynchronously hands peers to the command's stdin.
	Store(command string, peers []PeerAddr) error
	// Load asynchronously invokes the command and polls for a result; Poll
	// returns (nil, false) until a result (or error) is ready.
	Load(command string, limit int) error
	Poll() ([]PeerAddr, bool)
}
