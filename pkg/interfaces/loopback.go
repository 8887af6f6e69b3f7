package interfaces

import (
	"fmt"
	"sync"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
)

// Bus is an in-memory radio medium shared by loopback links.
type Bus struct {
	mutex sync.RWMutex
	links map[common.Address]*LoopbackLink
}

func NewBus() *Bus {
	return &Bus{links: make(map[common.Address]*LoopbackLink)}
}

func (b *Bus) attach(l *LoopbackLink) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.links[l.addr]; ok {
		return fmt.Errorf("%w: address %s already on bus", common.ErrLinkInit, l.addr)
	}
	b.links[l.addr] = l
	return nil
}

func (b *Bus) detach(l *LoopbackLink) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.links, l.addr)
}

// deliver hands frame to every link dst selects on the sender's channel and
// reports whether a unicast receiver was reached.
func (b *Bus) deliver(from *LoopbackLink, dst common.Address, frame []byte) bool {
	channel := from.Channel()

	b.mutex.RLock()
	var targets []*LoopbackLink
	if dst.IsBroadcast() {
		for addr, l := range b.links {
			if addr != from.addr {
				targets = append(targets, l)
			}
		}
	} else if l, ok := b.links[dst]; ok {
		targets = append(targets, l)
	}
	b.mutex.RUnlock()

	delivered := false
	for _, l := range targets {
		if l.Channel() != channel || !l.IsOnline() {
			continue
		}
		l.ProcessIncoming(from.addr, append([]byte(nil), frame...), l.RSSI())
		delivered = true
	}
	return delivered
}

// Faults scripts the outcome of upcoming transmissions. Each counter covers
// that many transmissions.
type Faults struct {
	Reject  int // Transmit returns an error
	Drop    int // frame lost, no completion reported
	Fail    int // frame lost, completion reports failure
	Corrupt int // one payload byte flipped in flight, completion reports success
}

// Transmission records a frame accepted by a loopback link.
type Transmission struct {
	Dst   common.Address
	Frame []byte
}

// LoopbackLink is a link on a Bus. Delivery is synchronous: when Transmit
// returns, receivers have seen the frame and the completion has fired.
type LoopbackLink struct {
	*BaseLink

	bus  *Bus
	addr common.Address

	faultMutex sync.Mutex
	faults     Faults
	rssi       int8
	sent       []Transmission
}

func NewLoopbackLink(bus *Bus, addr common.Address) *LoopbackLink {
	return &LoopbackLink{
		BaseLink: NewBaseLink("loopback-" + addr.String()),
		bus:      bus,
		addr:     addr,
		rssi:     -40,
	}
}

func (l *LoopbackLink) Address() common.Address {
	return l.addr
}

func (l *LoopbackLink) Init() error {
	if l.IsOnline() {
		return nil
	}
	if err := l.bus.attach(l); err != nil {
		return err
	}
	l.setOnline(true)
	debug.Log(debug.DEBUG_VERBOSE, "Loopback link attached", "addr", l.addr.String())
	return nil
}

func (l *LoopbackLink) Deinit() error {
	l.bus.detach(l)
	l.setOnline(false)
	l.clearPeers()
	return nil
}

// SetRSSI sets the signal strength reported for frames this link receives.
func (l *LoopbackLink) SetRSSI(rssi int8) {
	l.faultMutex.Lock()
	defer l.faultMutex.Unlock()
	l.rssi = rssi
}

func (l *LoopbackLink) RSSI() int8 {
	l.faultMutex.Lock()
	defer l.faultMutex.Unlock()
	return l.rssi
}

func (l *LoopbackLink) SetFaults(f Faults) {
	l.faultMutex.Lock()
	defer l.faultMutex.Unlock()
	l.faults = f
}

// Transmitted returns the frames accepted so far.
func (l *LoopbackLink) Transmitted() []Transmission {
	l.faultMutex.Lock()
	defer l.faultMutex.Unlock()
	return append([]Transmission(nil), l.sent...)
}

type outcome int

const (
	outcomeDeliver outcome = iota
	outcomeReject
	outcomeDrop
	outcomeFail
	outcomeCorrupt
)

func (l *LoopbackLink) nextOutcome() outcome {
	l.faultMutex.Lock()
	defer l.faultMutex.Unlock()

	switch {
	case l.faults.Reject > 0:
		l.faults.Reject--
		return outcomeReject
	case l.faults.Drop > 0:
		l.faults.Drop--
		return outcomeDrop
	case l.faults.Fail > 0:
		l.faults.Fail--
		return outcomeFail
	case l.faults.Corrupt > 0:
		l.faults.Corrupt--
		return outcomeCorrupt
	}
	return outcomeDeliver
}

func (l *LoopbackLink) Transmit(dst common.Address, frame []byte) error {
	if err := l.checkTransmit(dst, frame); err != nil {
		return err
	}

	o := l.nextOutcome()
	if o == outcomeReject {
		return fmt.Errorf("%w: transmit queue full", common.ErrLink)
	}

	l.faultMutex.Lock()
	l.sent = append(l.sent, Transmission{Dst: dst, Frame: append([]byte(nil), frame...)})
	l.faultMutex.Unlock()
	l.ProcessOutgoing(frame)

	switch o {
	case outcomeDrop:
		return nil
	case outcomeFail:
		l.NotifySent(dst, false)
		return nil
	case outcomeCorrupt:
		frame = append([]byte(nil), frame...)
		frame[len(frame)-1] ^= 0xFF
	}

	delivered := l.bus.deliver(l, dst, frame)
	l.NotifySent(dst, delivered || dst.IsBroadcast())
	return nil
}
