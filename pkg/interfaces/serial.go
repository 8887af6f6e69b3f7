package interfaces

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
)

// Commands exchanged with the bridge dongle, one per KISS frame.
const (
	SERIAL_CMD_TX          = 0x01 // dst(6) | frame
	SERIAL_CMD_TX_STATUS   = 0x02 // dst(6) | status(1), 0 means acknowledged
	SERIAL_CMD_RX          = 0x03 // src(6) | rssi(1) | frame
	SERIAL_CMD_ADD_PEER    = 0x04 // addr(6) | channel(1) | encrypt(1) | lmk(16)
	SERIAL_CMD_DEL_PEER    = 0x05 // addr(6)
	SERIAL_CMD_SET_CHANNEL = 0x06 // channel(1)
	SERIAL_CMD_SET_PMK     = 0x07 // pmk(16)

	SERIAL_MAX_COMMAND = 1 + common.ADDRESS_LEN + 1 + common.LINK_MTU
)

// SerialLink drives a USB radio dongle that bridges frames over a serial
// port with KISS framing.
type SerialLink struct {
	*BaseLink

	portName string
	baud     int
	open     func() (io.ReadWriteCloser, error)

	writeMutex sync.Mutex
	port       io.ReadWriteCloser
	done       chan struct{}
	wg         sync.WaitGroup
}

func NewSerialLink(portName string, baud int) *SerialLink {
	sl := &SerialLink{
		BaseLink: NewBaseLink("serial-" + portName),
		portName: portName,
		baud:     baud,
	}
	sl.open = func() (io.ReadWriteCloser, error) {
		return serial.Open(sl.portName, &serial.Mode{
			BaudRate: sl.baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		})
	}
	return sl
}

// NewSerialLinkFromConn runs the link over an already open stream.
func NewSerialLinkFromConn(name string, conn io.ReadWriteCloser) *SerialLink {
	return &SerialLink{
		BaseLink: NewBaseLink("serial-" + name),
		portName: name,
		open:     func() (io.ReadWriteCloser, error) { return conn, nil },
	}
}

func (sl *SerialLink) Init() error {
	if sl.IsOnline() {
		return nil
	}

	port, err := sl.open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrLinkInit, sl.portName, err)
	}

	sl.port = port
	sl.done = make(chan struct{})
	sl.setOnline(true)

	sl.wg.Add(1)
	go sl.readLoop(port, sl.done)

	debug.Log(debug.DEBUG_INFO, "Serial link opened", "port", sl.portName, "baud", sl.baud)
	return nil
}

func (sl *SerialLink) Deinit() error {
	if !sl.IsOnline() {
		return nil
	}
	sl.setOnline(false)
	close(sl.done)
	err := sl.port.Close()
	sl.wg.Wait()
	sl.clearPeers()
	return err
}

func (sl *SerialLink) command(cmd byte, args ...[]byte) error {
	payload := []byte{cmd}
	for _, a := range args {
		payload = append(payload, a...)
	}

	sl.writeMutex.Lock()
	defer sl.writeMutex.Unlock()

	if sl.port == nil {
		return fmt.Errorf("%w: port not open", common.ErrLink)
	}
	if _, err := sl.port.Write(encodeKISS(payload)); err != nil {
		return fmt.Errorf("%w: serial write failed: %v", common.ErrLink, err)
	}
	return nil
}

func (sl *SerialLink) SetChannel(channel uint8) error {
	if err := sl.BaseLink.SetChannel(channel); err != nil {
		return err
	}
	return sl.command(SERIAL_CMD_SET_CHANNEL, []byte{channel})
}

func (sl *SerialLink) SetPrimaryKey(pmk []byte) error {
	if err := sl.BaseLink.SetPrimaryKey(pmk); err != nil {
		return err
	}
	return sl.command(SERIAL_CMD_SET_PMK, pmk)
}

func (sl *SerialLink) AddPeer(peer common.Peer) error {
	if err := sl.BaseLink.AddPeer(peer); err != nil {
		return err
	}
	encrypt := byte(0)
	if peer.Encrypt {
		encrypt = 1
	}
	if err := sl.command(SERIAL_CMD_ADD_PEER, peer.Address[:], []byte{peer.Channel, encrypt}, peer.LMK[:]); err != nil {
		_ = sl.BaseLink.RemovePeer(peer.Address)
		return err
	}
	return nil
}

func (sl *SerialLink) RemovePeer(addr common.Address) error {
	if err := sl.BaseLink.RemovePeer(addr); err != nil {
		return err
	}
	return sl.command(SERIAL_CMD_DEL_PEER, addr[:])
}

func (sl *SerialLink) Transmit(dst common.Address, frame []byte) error {
	if err := sl.checkTransmit(dst, frame); err != nil {
		return err
	}
	if err := sl.command(SERIAL_CMD_TX, dst[:], frame); err != nil {
		return err
	}
	sl.ProcessOutgoing(frame)
	return nil
}

func (sl *SerialLink) readLoop(port io.Reader, done chan struct{}) {
	defer sl.wg.Done()

	decoder := newKISSDecoder(SERIAL_MAX_COMMAND)
	buffer := make([]byte, 512)

	for {
		n, err := port.Read(buffer)
		if n > 0 {
			for _, cmd := range decoder.Feed(buffer[:n]) {
				sl.handleCommand(cmd)
			}
		}
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				debug.Log(debug.DEBUG_ERROR, "Serial port closed", "port", sl.portName)
				sl.setOnline(false)
				return
			}
			debug.Log(debug.DEBUG_ERROR, "Serial read failed", "port", sl.portName, "error", err)
			return
		}
	}
}

func (sl *SerialLink) handleCommand(cmd []byte) {
	switch cmd[0] {
	case SERIAL_CMD_TX_STATUS:
		if len(cmd) != 1+common.ADDRESS_LEN+1 {
			return
		}
		var dst common.Address
		copy(dst[:], cmd[1:7])
		sl.NotifySent(dst, cmd[7] == 0)

	case SERIAL_CMD_RX:
		if len(cmd) < 1+common.ADDRESS_LEN+1+1 {
			return
		}
		var src common.Address
		copy(src[:], cmd[1:7])
		rssi := int8(cmd[7])
		frame := append([]byte(nil), cmd[8:]...)
		sl.ProcessIncoming(src, frame, rssi)

	default:
		debug.Log(debug.DEBUG_VERBOSE, "Unknown serial command", "cmd", cmd[0])
	}
}
