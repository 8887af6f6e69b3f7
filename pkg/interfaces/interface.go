package interfaces

import (
	"fmt"
	"sync"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

// BaseLink holds the state every link shares: the peer table, the radio
// channel, the primary key and the driver callbacks.
type BaseLink struct {
	mutex sync.RWMutex

	Name   string
	Online bool

	channel uint8
	pmk     []byte
	peers   map[common.Address]common.Peer

	sendCallback common.LinkSendCallback
	recvCallback common.LinkRecvCallback

	TxFrames uint64
	RxFrames uint64
	TxBytes  uint64
	RxBytes  uint64
}

func NewBaseLink(name string) *BaseLink {
	return &BaseLink{
		Name:    name,
		channel: common.DEFAULT_CHANNEL,
		peers:   make(map[common.Address]common.Peer),
	}
}

func (b *BaseLink) GetName() string {
	return b.Name
}

func (b *BaseLink) IsOnline() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.Online
}

func (b *BaseLink) setOnline(online bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.Online = online
}

func (b *BaseLink) SetChannel(channel uint8) error {
	if channel < common.CHANNEL_MIN || channel > common.CHANNEL_MAX {
		return fmt.Errorf("%w: channel %d", common.ErrInvalidArgument, channel)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.channel = channel
	return nil
}

func (b *BaseLink) Channel() uint8 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.channel
}

func (b *BaseLink) SetPrimaryKey(pmk []byte) error {
	if len(pmk) != common.KEY_LEN {
		return fmt.Errorf("%w: primary key must be %d bytes", common.ErrInvalidArgument, common.KEY_LEN)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.pmk = append([]byte(nil), pmk...)
	return nil
}

func (b *BaseLink) PrimaryKey() []byte {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.pmk
}

func (b *BaseLink) AddPeer(peer common.Peer) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.peers[peer.Address]; ok {
		return common.ErrPeerExists
	}
	if len(b.peers) >= common.MAX_PEERS {
		return fmt.Errorf("%w: peer table full", common.ErrLink)
	}
	b.peers[peer.Address] = peer
	return nil
}

func (b *BaseLink) RemovePeer(addr common.Address) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.peers[addr]; !ok {
		return common.ErrPeerNotFound
	}
	delete(b.peers, addr)
	return nil
}

func (b *BaseLink) GetPeer(addr common.Address) (common.Peer, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	p, ok := b.peers[addr]
	return p, ok
}

func (b *BaseLink) PeerCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.peers)
}

func (b *BaseLink) clearPeers() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.peers = make(map[common.Address]common.Peer)
}

// checkTransmit applies the rules the radio enforces before accepting a frame.
func (b *BaseLink) checkTransmit(dst common.Address, frame []byte) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if !b.Online {
		return fmt.Errorf("%w: link offline", common.ErrLink)
	}
	if len(frame) == 0 || len(frame) > common.LINK_MTU {
		return fmt.Errorf("%w: frame length %d", common.ErrInvalidArgument, len(frame))
	}
	if !dst.IsBroadcast() {
		if _, ok := b.peers[dst]; !ok {
			return fmt.Errorf("%w: %s", common.ErrPeerNotFound, dst)
		}
	}
	return nil
}

func (b *BaseLink) SetSendCallback(cb common.LinkSendCallback) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.sendCallback = cb
}

func (b *BaseLink) SetRecvCallback(cb common.LinkRecvCallback) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.recvCallback = cb
}

// NotifySent reports the outcome of a transmission to the driver.
func (b *BaseLink) NotifySent(dst common.Address, success bool) {
	b.mutex.RLock()
	cb := b.sendCallback
	b.mutex.RUnlock()

	if cb != nil {
		cb(dst, success)
	}
}

// ProcessIncoming hands a received frame to the driver.
func (b *BaseLink) ProcessIncoming(src common.Address, frame []byte, rssi int8) {
	b.mutex.Lock()
	b.RxFrames++
	b.RxBytes += uint64(len(frame))
	cb := b.recvCallback
	b.mutex.Unlock()

	if cb != nil {
		cb(src, frame, rssi)
	}
}

// ProcessOutgoing accounts for a frame accepted for transmission.
func (b *BaseLink) ProcessOutgoing(frame []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.TxFrames++
	b.TxBytes += uint64(len(frame))
}

func (b *BaseLink) GetTxBytes() uint64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.TxBytes
}

func (b *BaseLink) GetRxBytes() uint64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.RxBytes
}
