// Package driver is the reliable transport facade over an unreliable,
// MTU-limited datagram radio. Send fragments a payload, pushes every fragment
// through the retrying send state machine and reports one terminal result.
// Inbound frames are checksum-verified and handed to the receive callback one
// fragment at a time.
package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
	"github.com/Sudo-Ivan/espnow-go/pkg/rate"
	"github.com/Sudo-Ivan/espnow-go/pkg/transport"
)

// PacketCallback receives every verified fragment together with its header.
type PacketCallback func(src common.Address, pkt *packet.Packet, rssi int8)

type Driver struct {
	mutex       sync.RWMutex
	link        common.Link
	config      common.DriverConfig
	initialized bool

	// Capacity one: holding the token means owning the send context
	sendLock chan struct{}
	sender   *transport.Sender
	pacer    *rate.Pacer
	sequence uint16

	recvCallback     common.ReceiveCallback
	sendDoneCallback common.SendDoneCallback
	packetCallback   PacketCallback

	peers    map[common.Address]*common.Peer
	lastRSSI int8
	stats    common.Stats
}

// New returns an uninitialized driver bound to link.
func New(link common.Link) *Driver {
	return &Driver{
		link:     link,
		sendLock: make(chan struct{}, 1),
		peers:    make(map[common.Address]*common.Peer),
	}
}

// Init copies cfg, configures the link and installs the completion and
// receive handlers.
func (d *Driver) Init(cfg common.DriverConfig) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.initialized {
		debug.Log(debug.DEBUG_ERROR, "Driver already initialized")
		return common.ErrAlreadyInitialized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	debug.Log(debug.DEBUG_INFO, "Initializing driver", "node_id", cfg.NodeID, "channel", cfg.Channel)

	if err := d.link.Init(); err != nil {
		debug.Log(debug.DEBUG_CRITICAL, "Link init failed", "error", err)
		return fmt.Errorf("%w: %v", common.ErrLinkInit, err)
	}

	if err := d.link.SetChannel(cfg.Channel); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to set channel", "channel", cfg.Channel, "error", err)
	}

	if cfg.EnableEncryption {
		pmk, err := cfg.PrimaryKey()
		if err == nil {
			err = d.link.SetPrimaryKey(pmk)
		}
		if err != nil {
			debug.Log(debug.DEBUG_CRITICAL, "Failed to set primary key", "error", err)
			_ = d.link.Deinit()
			return fmt.Errorf("%w: %v", common.ErrLinkInit, err)
		}
		debug.Log(debug.DEBUG_INFO, "Link encryption enabled")
	}

	d.config = cfg
	d.sender = transport.NewSender(d.link, cfg.BackoffBase())
	d.pacer = rate.NewPacer(cfg.ChunkDelay())

	d.link.SetSendCallback(d.handleSendComplete)
	d.link.SetRecvCallback(d.handleReceive)

	d.initialized = true
	debug.Log(debug.DEBUG_INFO, "Driver initialized")
	return nil
}

// Deinit tears the link down and clears callbacks and peers. Calling it on an
// uninitialized driver does nothing. It does not cancel a send in flight.
func (d *Driver) Deinit() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return nil
	}

	debug.Log(debug.DEBUG_INFO, "Deinitializing driver")

	d.link.SetSendCallback(nil)
	d.link.SetRecvCallback(nil)
	if err := d.link.Deinit(); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Link deinit failed", "error", err)
	}

	d.initialized = false
	d.recvCallback = nil
	d.sendDoneCallback = nil
	d.packetCallback = nil
	d.peers = make(map[common.Address]*common.Peer)
	return nil
}

func (d *Driver) IsInitialized() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.initialized
}

// AddPeer registers peer with the link. Registering a known peer succeeds.
func (d *Driver) AddPeer(peer common.Peer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return common.ErrNotInitialized
	}

	err := d.link.AddPeer(peer)
	switch {
	case err == nil:
		debug.Log(debug.DEBUG_INFO, "Added peer", "peer", peer.Address.String(), "channel", peer.Channel, "encrypt", peer.Encrypt)
	case errors.Is(err, common.ErrPeerExists):
		debug.Log(debug.DEBUG_ERROR, "Peer already exists", "peer", peer.Address.String())
		if _, ok := d.peers[peer.Address]; ok {
			return nil
		}
	default:
		debug.Log(debug.DEBUG_ERROR, "Failed to add peer", "peer", peer.Address.String(), "error", err)
		return fmt.Errorf("%w: add peer %s: %v", common.ErrLink, peer.Address, err)
	}

	if existing, ok := d.peers[peer.Address]; ok {
		peer.RSSI = existing.RSSI
	}
	p := peer
	d.peers[peer.Address] = &p
	return nil
}

func (d *Driver) RemovePeer(addr common.Address) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return common.ErrNotInitialized
	}

	if err := d.link.RemovePeer(addr); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to remove peer", "peer", addr.String(), "error", err)
		return fmt.Errorf("%w: remove peer %s: %v", common.ErrLink, addr, err)
	}

	delete(d.peers, addr)
	debug.Log(debug.DEBUG_INFO, "Removed peer", "peer", addr.String())
	return nil
}

// Peers returns the registered peers ordered by address.
func (d *Driver) Peers() []common.Peer {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	peers := make([]common.Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return string(peers[i].Address[:]) < string(peers[j].Address[:])
	})
	return peers
}

// PeerRSSI returns the last signal strength seen from a registered peer.
func (d *Driver) PeerRSSI(addr common.Address) (int8, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	p, ok := d.peers[addr]
	if !ok {
		return 0, false
	}
	return p.RSSI, true
}

func (d *Driver) RegisterReceiveCallback(cb common.ReceiveCallback) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.recvCallback = cb
}

func (d *Driver) RegisterSendDoneCallback(cb common.SendDoneCallback) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.sendDoneCallback = cb
}

// SetPacketCallback installs a hook that sees verified fragments with their
// headers, for consumers that reassemble messages.
func (d *Driver) SetPacketCallback(cb PacketCallback) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.packetCallback = cb
}

// GetSendState returns a snapshot of the send context state.
func (d *Driver) GetSendState() common.SendState {
	d.mutex.RLock()
	sender := d.sender
	d.mutex.RUnlock()

	if sender == nil {
		return common.SEND_STATE_IDLE
	}
	return sender.State()
}

// SendContext returns a snapshot of the whole send context.
func (d *Driver) SendContext() common.SendContext {
	d.mutex.RLock()
	sender := d.sender
	d.mutex.RUnlock()

	if sender == nil {
		return common.SendContext{State: common.SEND_STATE_IDLE}
	}
	return sender.Context()
}

func (d *Driver) GetLastRSSI() int8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.lastRSSI
}

// Sequence returns the last sequence number handed out.
func (d *Driver) Sequence() uint16 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.sequence
}

func (d *Driver) nextSequence() uint16 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.sequence++
	return d.sequence
}

func (d *Driver) Stats() common.Stats {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	stats := d.stats
	if d.sender != nil {
		stats.Retries = d.sender.Retries()
	}
	return stats
}

// ExportState returns what a node needs to resume after losing RAM.
func (d *Driver) ExportState() (uint16, []common.Peer) {
	return d.Sequence(), d.Peers()
}

// RestoreState resumes the sequence counter and re-registers peers.
func (d *Driver) RestoreState(sequence uint16, peers []common.Peer) error {
	if !d.IsInitialized() {
		return common.ErrNotInitialized
	}

	d.mutex.Lock()
	d.sequence = sequence
	d.mutex.Unlock()

	for _, p := range peers {
		if err := d.AddPeer(p); err != nil {
			return err
		}
	}
	debug.Log(debug.DEBUG_VERBOSE, "Restored driver state", "sequence", sequence, "peers", len(peers))
	return nil
}

func (d *Driver) handleSendComplete(dst common.Address, success bool) {
	d.mutex.RLock()
	sender := d.sender
	d.mutex.RUnlock()

	if sender == nil {
		return
	}

	if success {
		debug.Log(debug.DEBUG_TRACE, "Link send complete", "dest", dst.String())
	} else {
		debug.Log(debug.DEBUG_VERBOSE, "Link send failed", "dest", dst.String())
	}
	sender.Complete(success)
}

// WaitSendDone polls until no send is in flight or timeout elapses.
func (d *Driver) WaitSendDone(timeout time.Duration) error {
	d.mutex.RLock()
	cfg := d.config
	sender := d.sender
	initialized := d.initialized
	d.mutex.RUnlock()

	if !initialized || sender == nil {
		return common.ErrNotInitialized
	}

	poll := cfg.WaitPoll()
	deadline := time.Now().Add(timeout)
	for sender.IsSending() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: send still in progress after %v", common.ErrTimeout, timeout)
		}
		if remaining < poll {
			time.Sleep(remaining)
		} else {
			time.Sleep(poll)
		}
	}

	if sender.State() == common.SEND_STATE_FAILED {
		return common.ErrSendFailed
	}
	return nil
}
