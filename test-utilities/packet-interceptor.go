package testutils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

const (
	// LINKTYPE_USER0, reserved for private encapsulations
	LinkTypeCapture = layers.LinkType(147)

	// direction(1) | peer(6) | rssi(1) | flags(1)
	PseudoHeaderSize = 9

	DirectionOutgoing = 0x00
	DirectionIncoming = 0x01

	FlagBroadcast = 0x01

	snapLen = PseudoHeaderSize + common.LINK_MTU
)

// PacketInterceptor wraps a link and writes every frame it carries to a pcap
// stream.
type PacketInterceptor struct {
	common.Link

	mutex       sync.Mutex
	file        io.Closer
	writer      *pcapgo.Writer
	isEnabled   bool
	packetCount uint64
	now         func() time.Time
}

func NewPacketInterceptor(outputPath string, link common.Link) (*PacketInterceptor, error) {
	file, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %v", err)
	}

	pi, err := NewPacketInterceptorWriter(file, link)
	if err != nil {
		file.Close()
		return nil, err
	}
	pi.file = file
	return pi, nil
}

// NewPacketInterceptorWriter captures to w, which the caller closes.
func NewPacketInterceptorWriter(w io.Writer, link common.Link) (*PacketInterceptor, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(snapLen, LinkTypeCapture); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %v", err)
	}

	return &PacketInterceptor{
		Link:      link,
		writer:    writer,
		isEnabled: true,
		now:       time.Now,
	}, nil
}

func (pi *PacketInterceptor) Close() error {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()

	pi.isEnabled = false
	if pi.file != nil {
		return pi.file.Close()
	}
	return nil
}

func (pi *PacketInterceptor) InterceptPacket(direction byte, peer common.Address, frame []byte, rssi int8) error {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()

	if !pi.isEnabled {
		return nil
	}

	var flags byte
	if peer.IsBroadcast() {
		flags |= FlagBroadcast
	}

	data := make([]byte, 0, PseudoHeaderSize+len(frame))
	data = append(data, direction)
	data = append(data, peer[:]...)
	data = append(data, byte(rssi), flags)
	data = append(data, frame...)

	ci := gopacket.CaptureInfo{
		Timestamp:     pi.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := pi.writer.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write capture record: %v", err)
	}

	pi.packetCount++
	return nil
}

// Transmit records the frame before handing it to the link, so a synchronous
// link cannot log the reply ahead of the request.
func (pi *PacketInterceptor) Transmit(dst common.Address, frame []byte) error {
	_ = pi.InterceptPacket(DirectionOutgoing, dst, frame, 0)
	return pi.Link.Transmit(dst, frame)
}

func (pi *PacketInterceptor) SetRecvCallback(cb common.LinkRecvCallback) {
	if cb == nil {
		pi.Link.SetRecvCallback(nil)
		return
	}
	pi.Link.SetRecvCallback(func(src common.Address, frame []byte, rssi int8) {
		_ = pi.InterceptPacket(DirectionIncoming, src, frame, rssi)
		cb(src, frame, rssi)
	})
}

func (pi *PacketInterceptor) Count() uint64 {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()
	return pi.packetCount
}

func (pi *PacketInterceptor) Enable() {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()
	pi.isEnabled = true
}

func (pi *PacketInterceptor) Disable() {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()
	pi.isEnabled = false
}
