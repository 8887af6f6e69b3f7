package interfaces

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

func TestKISSRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		{KISS_FEND, KISS_FESC, KISS_TFEND, KISS_TFESC},
		bytes.Repeat([]byte{KISS_FEND}, 10),
	}

	var stream []byte
	for _, p := range payloads {
		stream = append(stream, encodeKISS(p)...)
	}

	decoder := newKISSDecoder(64)
	var frames [][]byte
	// Feed one byte at a time to exercise partial reads
	for i := range stream {
		frames = append(frames, decoder.Feed(stream[i:i+1])...)
	}

	if len(frames) != len(payloads) {
		t.Fatalf("decoded %d frames; want %d", len(frames), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(frames[i], payloads[i]) {
			t.Errorf("frame %d = %x; want %x", i, frames[i], payloads[i])
		}
	}
}

func TestKISSDecoderDropsOversized(t *testing.T) {
	decoder := newKISSDecoder(4)
	stream := append(encodeKISS([]byte{1, 2, 3, 4, 5, 6}), encodeKISS([]byte{7})...)
	frames := decoder.Feed(stream)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{7}) {
		t.Errorf("frames = %x; want only the short frame", frames)
	}
}

// dongle plays the bridge side of a serial link.
type dongle struct {
	conn    net.Conn
	decoder *kissDecoder
}

func (d *dongle) next(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 512)
	_ = d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			t.Fatalf("dongle read failed: %v", err)
		}
		if frames := d.decoder.Feed(buf[:n]); len(frames) > 0 {
			return frames[0]
		}
	}
}

func (d *dongle) send(t *testing.T, cmd []byte) {
	t.Helper()
	if _, err := d.conn.Write(encodeKISS(cmd)); err != nil {
		t.Fatalf("dongle write failed: %v", err)
	}
}

func TestSerialLinkCommands(t *testing.T) {
	host, device := net.Pipe()
	sl := NewSerialLinkFromConn("pipe", host)
	d := &dongle{conn: device, decoder: newKISSDecoder(SERIAL_MAX_COMMAND)}

	if err := sl.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer sl.Deinit()

	sent := make(chan bool, 1)
	recv := make(chan received, 1)
	sl.SetSendCallback(func(dst common.Address, success bool) { sent <- success })
	sl.SetRecvCallback(func(src common.Address, frame []byte, rssi int8) { recv <- received{src, frame, rssi} })

	go func() { _ = sl.SetChannel(6) }()
	if cmd := d.next(t); !bytes.Equal(cmd, []byte{SERIAL_CMD_SET_CHANNEL, 6}) {
		t.Errorf("set channel command = %x", cmd)
	}

	peer := common.Peer{Address: testAddr(2), Channel: 6}
	go func() { _ = sl.AddPeer(peer) }()
	cmd := d.next(t)
	if cmd[0] != SERIAL_CMD_ADD_PEER || !bytes.Equal(cmd[1:7], peer.Address[:]) || len(cmd) != 1+6+2+16 {
		t.Errorf("add peer command = %x", cmd)
	}

	go func() { _ = sl.Transmit(peer.Address, []byte{0xC0, 0x01}) }()
	cmd = d.next(t)
	want := append([]byte{SERIAL_CMD_TX}, peer.Address[:]...)
	want = append(want, 0xC0, 0x01)
	if !bytes.Equal(cmd, want) {
		t.Errorf("tx command = %x; want %x", cmd, want)
	}

	status := append([]byte{SERIAL_CMD_TX_STATUS}, peer.Address[:]...)
	d.send(t, append(status, 0))
	select {
	case ok := <-sent:
		if !ok {
			t.Error("TX_STATUS 0 reported as failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no send completion")
	}

	rx := append([]byte{SERIAL_CMD_RX}, peer.Address[:]...)
	rx = append(rx, byte(0xBE), 0xAA, 0xBB)
	d.send(t, rx)
	select {
	case r := <-recv:
		if r.src != peer.Address || r.rssi != -66 || !bytes.Equal(r.frame, []byte{0xAA, 0xBB}) {
			t.Errorf("received %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no received frame")
	}
}
