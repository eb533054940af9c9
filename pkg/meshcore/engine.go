package meshcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	recvBufSize  = 64 * 1024
	sendBufSize  = 64 * 1024
	deviceBufCap = deviceHeadRoom + 65536 + deviceHeadRoom

	gossipFanout       = 20
	beaconAddressCount = 3
	statsPeriod        = 60 * time.Second
)

// EngineConfig is the configuration surface the engine consumes.
type EngineConfig struct {
	Magic          HeaderMagic
	PeerTimeout    time.Duration
	SwitchTimeout  time.Duration
	Keepalive      time.Duration
	BeaconInterval time.Duration
	BeaconStore    string // "" disables; a leading '|' names a helper command
	BeaconLoad     string
	StatsFile      string // "" disables
	Learning       bool
	Broadcast      bool
	OwnRanges      []Range

	// MaxDatagramsPerSecond caps the sustained rate of inbound datagrams
	// the engine will decode, as a flood guard against a single noisy or
	// hostile source sharing the UDP socket with every other peer.
	// Zero disables the limiter entirely.
	MaxDatagramsPerSecond float64
}

// CloudEngine is the single event loop binding the UDP sockets and the
// local device to the peer set, the forwarding table, the reconnect list,
// and the wire codec. Every method on
// CloudEngine runs on the Run goroutine; no other goroutine mutates peers,
// claims, reconnect, or stats.
type CloudEngine struct {
	cfg   EngineConfig
	ownID NodeId

	log     *slog.Logger
	metrics *Metrics

	socket4, socket6 *net.UDPConn
	device           Device
	parser           InnerParser
	cryptoStore      CryptoStore
	forwarder        PortForwarder
	beaconRunner     BeaconCommandRunner

	peers     *PeerList
	claims    Table
	reconnect *ReconnectList
	stats     *TrafficStats
	limiter   *rate.Limiter

	ownAddresses map[PeerAddr]struct{}

	sendBuf []byte

	nextPeerlist time.Time
	nextStatsOut time.Time
	nextBeacon   time.Time
}

// NewCloudEngine wires every collaborator into a CloudEngine. The caller
// is responsible for binding socket4/socket6 (see BindSockets) and for
// constructing the Device, InnerParser, CryptoStore, and optional
// PortForwarder/BeaconCommandRunner adapters.
func NewCloudEngine(
	cfg EngineConfig,
	ownID NodeId,
	log *slog.Logger,
	metrics *Metrics,
	socket4, socket6 *net.UDPConn,
	device Device,
	parser InnerParser,
	cryptoStore CryptoStore,
	forwarder PortForwarder,
	beaconRunner BeaconCommandRunner,
	resolve Resolver,
) *CloudEngine {
	peers := NewPeerList(cfg.PeerTimeout)
	e := &CloudEngine{
		cfg:          cfg,
		ownID:        ownID,
		log:          log,
		metrics:      metrics,
		socket4:      socket4,
		socket6:      socket6,
		device:       device,
		parser:       parser,
		cryptoStore:  cryptoStore,
		forwarder:    forwarder,
		beaconRunner: beaconRunner,
		peers:        peers,
		claims:       NewClaimTable(cfg.SwitchTimeout, cfg.PeerTimeout),
		stats:        NewTrafficStats(),
		ownAddresses: make(map[PeerAddr]struct{}),
		sendBuf:      make([]byte, sendBufSize),
	}
	e.reconnect = NewReconnectList(resolve, peers.IsConnected)
	if cfg.MaxDatagramsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxDatagramsPerSecond), int(cfg.MaxDatagramsPerSecond))
	}
	now := time.Now()
	e.nextPeerlist = now
	e.nextStatsOut = now
	e.nextBeacon = now
	return e
}

// AddReconnect registers a named remote the engine should keep dialing.
func (e *CloudEngine) AddReconnect(address string) {
	e.reconnect.Add(address, time.Now())
}

// BindSockets binds the IPv4 and IPv6 UDP sockets the engine multiplexes:
// both share a port via SO_REUSEADDR, and the IPv6 socket is v6-only so the
// two can coexist on the same port.
func BindSockets(port int) (socket4, socket6 *net.UDPConn, err error) {
	reuseAddr := func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if ctrlErr := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); ctrlErr != nil {
			return ctrlErr
		}
		return sockErr
	}

	lc4 := net.ListenConfig{Control: reuseAddr}
	pc4, err := lc4.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, nil, newErr(KindSocket, "bind ipv4 socket", err)
	}

	lc6 := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if err := reuseAddr(network, address, c); err != nil {
				return err
			}
			var sockErr error
			if ctrlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			}); ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}
	pc6, err := lc6.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		pc4.Close()
		return nil, nil, newErr(KindSocket, "bind ipv6 socket", err)
	}

	return pc4.(*net.UDPConn), pc6.(*net.UDPConn), nil
}

type rawDatagram struct {
	from *net.UDPAddr
	buf  []byte
}

type rawDeviceFrame struct {
	offset, size int
	buf          []byte
}

// socketReader is the reader goroutine for one UDP socket. It fans
// datagrams into out and stands in for one leg of the readiness
// multiplexer's readiness loop: the first consecutive read
// failure is logged and retried, a second consecutive failure is reported
// as fatal, and any successful read resets the count.
func socketReader(conn *net.UDPConn, out chan<- rawDatagram, fatal chan<- error, log *slog.Logger, done <-chan struct{}) {
	consecutiveErrors := 0
	for {
		buf := make([]byte, recvBufSize)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			consecutiveErrors++
			if consecutiveErrors < 2 {
				log.Warn("socket read error", "error", err)
				continue
			}
			select {
			case fatal <- newErr(KindSocket, "second consecutive socket read failure", err):
			case <-done:
			}
			return
		}
		consecutiveErrors = 0
		select {
		case out <- rawDatagram{from: addr, buf: buf[:n]}:
		case <-done:
			return
		}
	}
}

// deviceReader is the reader goroutine for the local tunnel device.
// Device errors are data-plane (KindDevice), not one of the two fatal
// conditions the engine treats as fatal, so failures are logged and retried rather
// than escalated.
func deviceReader(dev Device, out chan<- rawDeviceFrame, log *slog.Logger, done <-chan struct{}) {
	for {
		buf := make([]byte, deviceBufCap)
		offset, size, err := dev.Read(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			log.Warn("device read error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		select {
		case out <- rawDeviceFrame{offset: offset, size: size, buf: buf}:
		case <-done:
			return
		}
	}
}

// Run is the event loop. It blocks until ctx is cancelled, a shutdown
// signal arrives, or a fatal multiplexer error occurs; on every exit path
// it best-effort broadcasts a Close message first.
func (e *CloudEngine) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)

	net4Ch := make(chan rawDatagram, 256)
	net6Ch := make(chan rawDatagram, 256)
	fatalCh := make(chan error, 2)

	go socketReader(e.socket4, net4Ch, fatalCh, e.log, done)
	go socketReader(e.socket6, net6Ch, fatalCh, e.log, done)

	// A nil channel is never selectable: a Dummy device (no local
	// interface configured) simply never gets a reader goroutine.
	var deviceCh chan rawDeviceFrame
	if e.device.Kind() != DeviceDummy {
		deviceCh = make(chan rawDeviceFrame, 256)
		go deviceReader(e.device, deviceCh, e.log, done)
	}

	housekeepTicker := time.NewTicker(time.Second)
	defer housekeepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("cloud engine stopping: context cancelled")
			e.shutdown()
			return nil

		case err := <-fatalCh:
			e.log.Error("cloud engine stopping: fatal multiplexer error", "error", err)
			e.shutdown()
			return err

		case dg := <-net4Ch:
			e.handleDatagram(dg)

		case dg := <-net6Ch:
			e.handleDatagram(dg)

		case frame := <-deviceCh:
			e.handleInterfaceData(frame.buf, frame.offset, frame.offset+frame.size)

		case <-housekeepTicker.C:
			if sig := pollSignal(sigCh); sig != nil {
				e.log.Info("cloud engine stopping: signal received", "signal", sig.String())
				e.shutdown()
				return nil
			}
			start := time.Now()
			e.housekeep()
			if e.metrics != nil {
				e.metrics.HousekeepDuration.Observe(time.Since(start).Seconds())
			}
		}
	}
}

func pollSignal(ch <-chan os.Signal) os.Signal {
	select {
	case sig := <-ch:
		return sig
	default:
		return nil
	}
}

// handleDatagram is the socket-readable branch of the event loop: decode
// then dispatch, discarding on any error.
func (e *CloudEngine) handleDatagram(dg rawDatagram) {
	if e.limiter != nil && !e.limiter.Allow() {
		e.stats.CountDropped(len(dg.buf))
		return
	}

	peerAddr := PeerAddrFromUDP(dg.from)

	crypto, ok := e.peers.CryptoFor(peerAddr)
	if !ok {
		var err error
		crypto, err = e.cryptoStore.CoreFor(peerAddr)
		if err != nil {
			e.log.Debug("no crypto core available", "peer", peerAddr, "error", err)
			e.stats.CountInvalid(len(dg.buf))
			return
		}
	}

	msg, err := Decode(dg.buf, e.cfg.Magic, crypto)
	if err != nil {
		e.log.Debug("wire decode failed", "peer", peerAddr, "error", err)
		e.stats.CountInvalid(len(dg.buf))
		if e.metrics != nil {
			var merr *MeshError
			kind := "unknown"
			if errors.As(err, &merr) {
				kind = merr.Kind.String()
			}
			e.metrics.WireDecodeErrorsTotal.WithLabelValues(kind).Inc()
		}
		return
	}

	e.stats.CountInTraffic(peerAddr, len(dg.buf))
	e.handleNetMessage(peerAddr, msg, crypto)
}

// handleNetMessage dispatches one decoded wire message by kind.
func (e *CloudEngine) handleNetMessage(peer PeerAddr, msg Message, crypto CryptoCore) {
	switch msg.Kind {
	case MsgData:
		src, dst, err := e.parser.Parse(msg.Payload)
		if err != nil {
			e.log.Debug("inner parse failed", "peer", peer, "error", err)
			return
		}
		e.stats.CountInPayload(src, dst, len(msg.Payload))
		if err := e.device.Write(msg.Payload, 0); err != nil {
			e.log.Warn("device write failed", "peer", peer, "error", err)
			return
		}
		if e.cfg.Learning {
			e.claims.Cache(src, peer)
		}
		// Deliberately no e.peers.Refresh(peer) here: Data is the hot path
		// and must not pay for an expiry bump.

	case MsgPeers:
		if !e.peers.ContainsAddr(peer) {
			e.connect(peer)
		} else if id, ok := e.peers.NodeOf(peer); ok {
			if primary, ok := e.peers.PrimaryOf(id); ok && primary != peer {
				e.peers.MakePrimary(id, peer)
			}
		}
		for _, addr := range msg.Peers {
			if e.isSelf(addr) || e.peers.ContainsAddr(addr) {
				continue
			}
			e.connect(addr)
		}
		e.peers.Refresh(peer)

	case MsgInit:
		if msg.NodeID == e.ownID {
			e.ownAddresses[peer] = struct{}{}
			return
		}
		if e.peers.ContainsNode(msg.NodeID) {
			e.peers.MakePrimary(msg.NodeID, peer)
		} else {
			e.peers.Add(msg.NodeID, peer)
			e.peers.SetCrypto(peer, crypto)
			if len(msg.Ranges) > 0 {
				e.claims.SetClaims(peer, msg.Ranges)
			}
		}
		if msg.Stage == 0 {
			e.sendInit(peer, 1, crypto)
			e.sendPeers(peer, crypto)
		}

	case MsgClose:
		e.peers.Remove(peer)
		e.claims.RemoveAll(peer)
		e.cryptoStore.Forget(peer)
	}
}

// handleInterfaceData handles one frame read off the local tunnel device.
func (e *CloudEngine) handleInterfaceData(buf []byte, start, end int) {
	payload := buf[start:end]
	src, dst, err := e.parser.Parse(payload)
	if err != nil {
		e.log.Debug("inner parse failed on device frame", "error", err)
		return
	}
	e.stats.CountOutPayload(dst, src, len(payload))

	peer, found := e.claims.Lookup(dst)
	if found {
		if !e.peers.ContainsAddr(peer) {
			// Stale claim: the owning peer is already gone.
			e.claims.RemoveAll(peer)
			e.connect(peer)
			e.stats.CountDropped(len(payload))
			return
		}
		e.sendDataTo(peer, buf, start, end)
		return
	}

	if e.cfg.Broadcast {
		for _, p := range e.peers.Primaries() {
			e.sendDataTo(p, buf, start, end)
		}
		return
	}
	e.stats.CountDropped(len(payload))
}

func (e *CloudEngine) sendDataTo(peer PeerAddr, buf []byte, start, end int) {
	crypto, ok := e.peers.CryptoFor(peer)
	if !ok {
		e.log.Debug("no crypto for forwarding peer", "peer", peer)
		e.stats.CountDropped(end - start)
		return
	}
	out, err := EncodeData(buf, start, end, e.cfg.Magic, crypto)
	if err != nil {
		e.log.Warn("encode data failed", "peer", peer, "error", err)
		return
	}
	e.sendRaw(peer, out)
	e.stats.CountOutTraffic(peer, len(out))
}

func (e *CloudEngine) sendInit(peer PeerAddr, stage byte, crypto CryptoCore) {
	out, err := EncodeInit(e.sendBuf, e.cfg.Magic, crypto, stage, e.ownID, e.cfg.OwnRanges)
	if err != nil {
		e.log.Warn("encode init failed", "peer", peer, "error", err)
		return
	}
	e.sendRaw(peer, out)
}

func (e *CloudEngine) sendPeers(peer PeerAddr, crypto CryptoCore) {
	out, err := EncodePeers(e.sendBuf, e.cfg.Magic, crypto, e.gossipAddresses())
	if err != nil {
		e.log.Warn("encode peers failed", "peer", peer, "error", err)
		return
	}
	e.sendRaw(peer, out)
}

// gossipAddresses samples primaries for a Peers payload, capped at
// gossipFanout addresses per broadcast to bound O(N^2) mesh chatter.
func (e *CloudEngine) gossipAddresses() []PeerAddr {
	return e.peers.Subset(gossipFanout)
}

func (e *CloudEngine) sendRaw(peer PeerAddr, data []byte) {
	conn := e.socket4
	if peer.IsV6() {
		conn = e.socket6
	}
	n, err := conn.WriteToUDP(data, peer.UDPAddr())
	if err != nil {
		e.log.Warn("send failed", "peer", peer, "error", err)
		return
	}
	if n != len(data) {
		e.log.Warn("truncated send", "peer", peer, "error", ErrTruncated)
	}
}

// connect dials addr by sending a stage-0 Init, suppressing self-dials and
// dials to already-known peers.
func (e *CloudEngine) connect(addr PeerAddr) {
	if e.isSelf(addr) || e.peers.ContainsAddr(addr) {
		return
	}
	crypto, err := e.cryptoStore.CoreFor(addr)
	if err != nil {
		e.log.Warn("no crypto for connect target", "addr", addr, "error", err)
		return
	}
	e.sendInit(addr, 0, crypto)
}

func (e *CloudEngine) isSelf(addr PeerAddr) bool {
	_, ok := e.ownAddresses[addr]
	return ok
}

// housekeep runs the periodic maintenance steps, in order.
func (e *CloudEngine) housekeep() {
	now := time.Now()

	// 1. Evict timed-out peers and their claims.
	for _, addr := range e.peers.Timeout() {
		e.claims.RemoveAll(addr)
		e.cryptoStore.Forget(addr)
	}

	// 2. Age the claim table.
	e.claims.Housekeep()

	// 3. Extend the NAT port-forwarding lease, if configured.
	if e.forwarder != nil {
		if err := e.forwarder.CheckExtend(); err != nil {
			e.log.Warn("port forward lease extend failed", "error", err)
		}
	}

	// 4. Periodic Peers broadcast.
	if !now.Before(e.nextPeerlist) {
		e.broadcastPeers()
		e.nextPeerlist = now.Add(e.cfg.Keepalive)
	}

	// 5. Reconnect tick.
	e.reconnect.Tick(now, func(addrs []PeerAddr) {
		for _, a := range addrs {
			e.connect(a)
		}
	})

	// 6. Periodic stats report.
	if e.cfg.StatsFile != "" && !now.Before(e.nextStatsOut) {
		if err := e.writeStats(); err != nil {
			e.log.Warn("stats write failed", "error", err)
		}
		cleanupIdle := 1
		e.stats.Period(&cleanupIdle)
		e.nextStatsOut = now.Add(statsPeriod)
	}

	// 7. Drain any ready asynchronous beacon-command result.
	if addrs, ready := e.beaconRunner.Poll(); ready {
		for _, a := range addrs {
			e.connect(a)
		}
	}

	// 8. Periodic beacon store/load.
	if e.cfg.BeaconInterval > 0 && !now.Before(e.nextBeacon) {
		e.runBeacon()
		e.nextBeacon = now.Add(e.cfg.BeaconInterval)
	}

	if e.metrics != nil {
		e.metrics.ObserveHousekeep(e.peers, e.claims, e.reconnect)
	}
}

func (e *CloudEngine) broadcastPeers() {
	addrs := e.gossipAddresses()
	for _, p := range e.peers.Primaries() {
		crypto, ok := e.peers.CryptoFor(p)
		if !ok {
			continue
		}
		out, err := EncodePeers(e.sendBuf, e.cfg.Magic, crypto, addrs)
		if err != nil {
			e.log.Warn("encode peers failed", "peer", p, "error", err)
			continue
		}
		e.sendRaw(p, out)
	}
}

func (e *CloudEngine) runBeacon() {
	own := e.ownAddressSample(beaconAddressCount)

	if e.cfg.BeaconStore != "" {
		if IsCommand(e.cfg.BeaconStore) {
			if err := e.beaconRunner.Store(strings.TrimPrefix(e.cfg.BeaconStore, "|"), own); err != nil {
				e.log.Warn("beacon command store failed", "error", err)
			}
		} else if err := (FileBeacon{}).Store(e.cfg.BeaconStore, own); err != nil {
			e.log.Warn("beacon file store failed", "error", err)
		}
	}

	if e.cfg.BeaconLoad == "" {
		return
	}
	if IsCommand(e.cfg.BeaconLoad) {
		if err := e.beaconRunner.Load(strings.TrimPrefix(e.cfg.BeaconLoad, "|"), maxBeaconAddresses); err != nil {
			e.log.Warn("beacon command load failed", "error", err)
		}
		return
	}
	addrs, err := (FileBeacon{}).Load(e.cfg.BeaconLoad, maxBeaconAddresses)
	if err != nil {
		e.log.Warn("beacon file load failed", "error", err)
		return
	}
	for _, a := range addrs {
		e.connect(a)
	}
}

func (e *CloudEngine) ownAddressSample(k int) []PeerAddr {
	all := make([]PeerAddr, 0, len(e.ownAddresses))
	for a := range e.ownAddresses {
		all = append(all, a)
	}
	if len(all) <= k {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}

// writeStats renders the peer, claim, and traffic reports to cfg.StatsFile
// atomically (write to a temp file, then rename), mode 0644.
func (e *CloudEngine) writeStats() error {
	tmp := e.cfg.StatsFile + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return newErr(KindFile, "create stats temp file", err)
	}
	if err := e.peers.WriteReport(f); err != nil {
		f.Close()
		return newErr(KindFile, "write peer report", err)
	}
	if err := e.claims.WriteReport(f); err != nil {
		f.Close()
		return newErr(KindFile, "write claim report", err)
	}
	if err := e.stats.WriteReport(f); err != nil {
		f.Close()
		return newErr(KindFile, "write traffic report", err)
	}
	if err := f.Close(); err != nil {
		return newErr(KindFile, "close stats temp file", err)
	}
	if err := os.Rename(tmp, e.cfg.StatsFile); err != nil {
		return newErr(KindFile, "rename stats file", err)
	}
	return nil
}

// shutdown best-effort broadcasts a Close message to every known peer.
func (e *CloudEngine) shutdown() {
	for _, p := range e.peers.Primaries() {
		crypto, ok := e.peers.CryptoFor(p)
		if !ok {
			continue
		}
		out, err := EncodeClose(e.sendBuf, e.cfg.Magic, crypto)
		if err != nil {
			continue
		}
		e.sendRaw(p, out)
	}
}
