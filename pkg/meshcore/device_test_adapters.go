package meshcore

import "os"

// deviceHeadRoom is how many leading bytes the test adapters reserve
// before the frame they deposit, mirroring how a real TUN/TAP read might
// leave room for a platform packet-info prefix the engine must not touch.
// The caller's device-read buffer always carries at least this much
// head-room (and as much tail-room, reserved for the wire header and AEAD
// tag).
const deviceHeadRoom = 64

// LoopbackDevice implements Device purely in memory. It is useful for
// tests that drive Read/Write directly rather than through the event
// loop's fan-in goroutine (e.g. unit tests of handleInterfaceData in
// isolation). Kind reports DeviceDummy so the engine never starts a
// reader goroutine for it on its own.
type LoopbackDevice struct {
	outbound chan []byte // frames waiting to be "read" by the engine
	inbound  chan []byte // frames the engine "wrote" back
}

// NewLoopbackDevice creates a LoopbackDevice with the given outbound queue
// depth.
func NewLoopbackDevice(queueDepth int) *LoopbackDevice {
	return &LoopbackDevice{
		outbound: make(chan []byte, queueDepth),
		inbound:  make(chan []byte, queueDepth),
	}
}

// Read implements Device; it blocks until a frame is queued via Inject.
func (d *LoopbackDevice) Read(buf []byte) (int, int, error) {
	frame, ok := <-d.outbound
	if !ok {
		return 0, 0, newErr(KindDevice, "loopback device closed", nil)
	}
	if len(buf) < deviceHeadRoom+len(frame) {
		return 0, 0, newErr(KindDevice, "buffer too small for head-room", ErrBufferTooSmall)
	}
	n := copy(buf[deviceHeadRoom:], frame)
	return deviceHeadRoom, n, nil
}

// Write implements Device; the written frame is retrievable via Captured.
func (d *LoopbackDevice) Write(buf []byte, start int) error {
	frame := make([]byte, len(buf)-start)
	copy(frame, buf[start:])
	d.inbound <- frame
	return nil
}

// Kind implements Device.
func (d *LoopbackDevice) Kind() DeviceKind { return DeviceDummy }

// Inject hands the engine an outgoing frame, as if read from the local
// network stack.
func (d *LoopbackDevice) Inject(frame []byte) { d.outbound <- frame }

// Captured returns one frame the engine wrote back, blocking until one is
// available.
func (d *LoopbackDevice) Captured() []byte { return <-d.inbound }

// Close releases the underlying channels.
func (d *LoopbackDevice) Close() {
	close(d.outbound)
	close(d.inbound)
}

// ChannelDevice implements Device over a pair of OS pipes, giving
// integration tests a real blocking-I/O source to run the engine's actual
// reader goroutine against, without depending on a platform TUN/TAP driver.
// Test code calls Inject to hand the engine
// an outgoing frame as if it arrived from the local network stack, and
// calls ReadCaptured to observe frames the engine wrote back for delivery
// to the local stack.
type ChannelDevice struct {
	readEnd, injectEnd   *os.File
	writeEnd, captureEnd *os.File
}

// NewChannelDevice creates a ChannelDevice. Call Close when done.
func NewChannelDevice() (*ChannelDevice, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, newErr(KindDevice, "create inject pipe", err)
	}
	r2, w2, err := os.Pipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, newErr(KindDevice, "create capture pipe", err)
	}
	return &ChannelDevice{readEnd: r, injectEnd: w, writeEnd: w2, captureEnd: r2}, nil
}

// Read implements Device, reserving deviceHeadRoom leading bytes.
func (d *ChannelDevice) Read(buf []byte) (int, int, error) {
	if len(buf) < deviceHeadRoom {
		return 0, 0, newErr(KindDevice, "buffer too small for head-room", ErrBufferTooSmall)
	}
	n, err := d.readEnd.Read(buf[deviceHeadRoom:])
	if err != nil {
		return 0, 0, newErr(KindDevice, "read", err)
	}
	return deviceHeadRoom, n, nil
}

// Write implements Device.
func (d *ChannelDevice) Write(buf []byte, start int) error {
	if _, err := d.writeEnd.Write(buf[start:]); err != nil {
		return newErr(KindDevice, "write", err)
	}
	return nil
}

// Kind implements Device.
func (d *ChannelDevice) Kind() DeviceKind { return DeviceTUN }

// Inject hands the engine an outgoing frame, as if read from the local
// network stack.
func (d *ChannelDevice) Inject(frame []byte) error {
	_, err := d.injectEnd.Write(frame)
	return err
}

// ReadCaptured reads one frame the engine wrote back, blocking until one
// is available.
func (d *ChannelDevice) ReadCaptured(buf []byte) (int, error) {
	return d.captureEnd.Read(buf)
}

// Close releases all four pipe ends.
func (d *ChannelDevice) Close() error {
	d.readEnd.Close()
	d.injectEnd.Close()
	d.writeEnd.Close()
	return d.captureEnd.Close()
}

// DummyDevice implements Device for configurations that run without a
// tunnel interface at all (e.g. a relay-only node).
type DummyDevice struct{}

func (DummyDevice) Read([]byte) (int, int, error) {
	return 0, 0, newErr(KindDevice, "dummy device has no data", nil)
}
func (DummyDevice) Write([]byte, int) error { return nil }
func (DummyDevice) Kind() DeviceKind        { return DeviceDummy }
