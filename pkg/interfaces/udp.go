package interfaces

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/cryptography"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
)

// UDP frame: type(1) | txid(4) | src(6) | dst(6) | body
const (
	UDP_FRAME_DATA   = 0x01
	UDP_FRAME_ACK    = 0x02
	UDP_FRAME_SEALED = 0x03

	UDP_HEADER_SIZE = 1 + 4 + common.ADDRESS_LEN*2
	UDP_BUFFER_SIZE = UDP_HEADER_SIZE + common.LINK_MTU + cryptography.SealOverhead
)

type pendingTx struct {
	dst   common.Address
	timer *time.Timer
}

// UDPLink emulates the radio over UDP. Each node owns a socket; unicast data
// frames are acknowledged by the receiver and a missing acknowledgement
// within the ack window reports a failed transmission.
type UDPLink struct {
	*BaseLink

	addr       common.Address
	listenAddr *net.UDPAddr
	conn       *net.UDPConn
	ackTimeout time.Duration
	rssi       int8

	endpointMutex sync.RWMutex
	endpoints     map[common.Address]*net.UDPAddr

	pendingMutex sync.Mutex
	pending      map[uint32]*pendingTx
	nextTxID     uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// NewUDPLink creates a link that listens on listen. endpoints maps peer
// addresses to the UDP address of their socket.
func NewUDPLink(addr common.Address, listen string, endpoints map[common.Address]string, ackTimeout time.Duration) (*UDPLink, error) {
	listenAddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %v", err)
	}

	ul := &UDPLink{
		BaseLink:   NewBaseLink("udp-" + addr.String()),
		addr:       addr,
		listenAddr: listenAddr,
		ackTimeout: ackTimeout,
		rssi:       -40,
		endpoints:  make(map[common.Address]*net.UDPAddr),
		pending:    make(map[uint32]*pendingTx),
	}
	if ul.ackTimeout <= 0 {
		ul.ackTimeout = common.DEFAULT_ACK_TIMEOUT_MS * time.Millisecond
	}

	for a, target := range endpoints {
		if err := ul.AddEndpoint(a, target); err != nil {
			return nil, err
		}
	}
	return ul, nil
}

// NewUDPLinkFromConfig builds a link from the [link] configuration section.
func NewUDPLinkFromConfig(cfg common.LinkConfig) (*UDPLink, error) {
	addr, err := common.StringToAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("link address: %w", err)
	}

	endpoints := make(map[common.Address]string, len(cfg.Endpoints))
	for mac, target := range cfg.Endpoints {
		a, err := common.StringToAddress(mac)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", mac, err)
		}
		endpoints[a] = target
	}

	ul, err := NewUDPLink(addr, cfg.Listen, endpoints, cfg.AckTimeout())
	if err != nil {
		return nil, err
	}
	if cfg.RSSI != 0 {
		ul.rssi = cfg.RSSI
	}
	return ul, nil
}

func (ul *UDPLink) Address() common.Address {
	return ul.addr
}

// LocalAddr returns the bound socket address, or nil before Init.
func (ul *UDPLink) LocalAddr() *net.UDPAddr {
	ul.mutex.RLock()
	defer ul.mutex.RUnlock()
	if ul.conn == nil {
		return nil
	}
	return ul.conn.LocalAddr().(*net.UDPAddr)
}

func (ul *UDPLink) AddEndpoint(addr common.Address, target string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("invalid endpoint for %s: %v", addr, err)
	}
	ul.endpointMutex.Lock()
	defer ul.endpointMutex.Unlock()
	ul.endpoints[addr] = udpAddr
	return nil
}

func (ul *UDPLink) endpoint(addr common.Address) (*net.UDPAddr, bool) {
	ul.endpointMutex.RLock()
	defer ul.endpointMutex.RUnlock()
	ep, ok := ul.endpoints[addr]
	return ep, ok
}

func (ul *UDPLink) learn(addr common.Address, from *net.UDPAddr) {
	ul.endpointMutex.Lock()
	defer ul.endpointMutex.Unlock()
	if _, ok := ul.endpoints[addr]; !ok {
		ul.endpoints[addr] = from
		debug.Log(debug.DEBUG_VERBOSE, "Learned endpoint", "addr", addr.String(), "endpoint", from.String())
	}
}

func (ul *UDPLink) Init() error {
	ul.mutex.Lock()
	defer ul.mutex.Unlock()

	if ul.Online {
		return nil
	}

	conn, err := net.ListenUDP("udp", ul.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrLinkInit, err)
	}

	ul.conn = conn
	ul.done = make(chan struct{})
	ul.Online = true

	ul.wg.Add(1)
	go ul.readLoop(conn, ul.done)

	debug.Log(debug.DEBUG_INFO, "UDP link listening", "addr", ul.addr.String(), "listen", conn.LocalAddr().String())
	return nil
}

func (ul *UDPLink) Deinit() error {
	ul.mutex.Lock()
	if !ul.Online {
		ul.mutex.Unlock()
		return nil
	}
	ul.Online = false
	close(ul.done)
	err := ul.conn.Close()
	ul.mutex.Unlock()

	ul.wg.Wait()

	ul.pendingMutex.Lock()
	for id, p := range ul.pending {
		p.timer.Stop()
		delete(ul.pending, id)
	}
	ul.pendingMutex.Unlock()

	ul.clearPeers()
	return err
}

func (ul *UDPLink) linkKey(peer common.Address) ([]byte, bool, error) {
	p, ok := ul.GetPeer(peer)
	pmk := ul.PrimaryKey()
	if !ok || !p.Encrypt || pmk == nil {
		return nil, false, nil
	}
	key, err := cryptography.DeriveLinkKey(pmk, p.LMK[:])
	return key, true, err
}

func (ul *UDPLink) Transmit(dst common.Address, frame []byte) error {
	if err := ul.checkTransmit(dst, frame); err != nil {
		return err
	}

	ul.pendingMutex.Lock()
	ul.nextTxID++
	txid := ul.nextTxID
	ul.pendingMutex.Unlock()

	frameType := byte(UDP_FRAME_DATA)
	body := frame
	if !dst.IsBroadcast() {
		key, sealed, err := ul.linkKey(dst)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrLink, err)
		}
		if sealed {
			frameType = UDP_FRAME_SEALED
			header := encodeUDPHeader(frameType, txid, ul.addr, dst)
			body, err = cryptography.Seal(key, frame, header)
			if err != nil {
				return fmt.Errorf("%w: %v", common.ErrLink, err)
			}
		}
	}
	datagram := append(encodeUDPHeader(frameType, txid, ul.addr, dst), body...)

	if dst.IsBroadcast() {
		ul.endpointMutex.RLock()
		targets := make([]*net.UDPAddr, 0, len(ul.endpoints))
		for _, ep := range ul.endpoints {
			targets = append(targets, ep)
		}
		ul.endpointMutex.RUnlock()

		for _, ep := range targets {
			if err := ul.write(datagram, ep); err != nil {
				debug.Log(debug.DEBUG_VERBOSE, "Broadcast write failed", "endpoint", ep.String(), "error", err)
			}
		}
		ul.ProcessOutgoing(frame)
		go ul.NotifySent(dst, true)
		return nil
	}

	ep, ok := ul.endpoint(dst)
	if !ok {
		return fmt.Errorf("%w: no endpoint for %s", common.ErrLink, dst)
	}

	ul.pendingMutex.Lock()
	ul.pending[txid] = &pendingTx{
		dst:   dst,
		timer: time.AfterFunc(ul.ackTimeout, func() { ul.resolve(txid, false) }),
	}
	ul.pendingMutex.Unlock()

	if err := ul.write(datagram, ep); err != nil {
		ul.pendingMutex.Lock()
		if p, ok := ul.pending[txid]; ok {
			p.timer.Stop()
			delete(ul.pending, txid)
		}
		ul.pendingMutex.Unlock()
		return fmt.Errorf("%w: UDP write failed: %v", common.ErrLink, err)
	}

	ul.ProcessOutgoing(frame)
	return nil
}

func (ul *UDPLink) write(datagram []byte, to *net.UDPAddr) error {
	ul.mutex.RLock()
	conn := ul.conn
	ul.mutex.RUnlock()

	if conn == nil {
		return errors.New("link offline")
	}
	_, err := conn.WriteToUDP(datagram, to)
	return err
}

// resolve completes a pending transmission once, from either the ACK or the
// ack timer.
func (ul *UDPLink) resolve(txid uint32, success bool) {
	ul.pendingMutex.Lock()
	p, ok := ul.pending[txid]
	if ok {
		p.timer.Stop()
		delete(ul.pending, txid)
	}
	ul.pendingMutex.Unlock()

	if !ok {
		return
	}
	if !success {
		debug.Log(debug.DEBUG_TRACE, "No ACK received", "dest", p.dst.String(), "txid", txid)
	}
	ul.NotifySent(p.dst, success)
}

func (ul *UDPLink) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer ul.wg.Done()
	buffer := make([]byte, UDP_BUFFER_SIZE)

	for {
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			debug.Log(debug.DEBUG_ERROR, "UDP read failed", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		ul.handleDatagram(datagram, from)
	}
}

func (ul *UDPLink) handleDatagram(datagram []byte, from *net.UDPAddr) {
	if len(datagram) < UDP_HEADER_SIZE {
		return
	}

	frameType, txid, src, dst := decodeUDPHeader(datagram)
	if dst != ul.addr && !dst.IsBroadcast() {
		return
	}
	ul.learn(src, from)

	switch frameType {
	case UDP_FRAME_ACK:
		ul.resolve(txid, true)
		return
	case UDP_FRAME_DATA, UDP_FRAME_SEALED:
	default:
		debug.Log(debug.DEBUG_VERBOSE, "Unknown UDP frame type", "type", frameType)
		return
	}

	body := datagram[UDP_HEADER_SIZE:]
	if frameType == UDP_FRAME_SEALED {
		key, sealed, err := ul.linkKey(src)
		if err != nil || !sealed {
			debug.Log(debug.DEBUG_VERBOSE, "Sealed frame from peer without key", "src", src.String())
			return
		}
		body, err = cryptography.Open(key, body, datagram[:UDP_HEADER_SIZE])
		if err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Failed to open sealed frame", "src", src.String(), "error", err)
			return
		}
	}

	if !dst.IsBroadcast() {
		ack := encodeUDPHeader(UDP_FRAME_ACK, txid, ul.addr, src)
		if err := ul.write(ack, from); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Failed to send ACK", "src", src.String(), "error", err)
		}
	}

	ul.ProcessIncoming(src, body, ul.rssi)
}

func encodeUDPHeader(frameType byte, txid uint32, src, dst common.Address) []byte {
	header := make([]byte, UDP_HEADER_SIZE)
	header[0] = frameType
	binary.LittleEndian.PutUint32(header[1:5], txid)
	copy(header[5:11], src[:])
	copy(header[11:17], dst[:])
	return header
}

func decodeUDPHeader(datagram []byte) (frameType byte, txid uint32, src, dst common.Address) {
	frameType = datagram[0]
	txid = binary.LittleEndian.Uint32(datagram[1:5])
	copy(src[:], datagram[5:11])
	copy(dst[:], datagram[11:17])
	return
}
