package driver

import (
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
)

// handleReceive runs on the link's delivery goroutine.
func (d *Driver) handleReceive(src common.Address, frame []byte, rssi int8) {
	if len(frame) < packet.HEADER_SIZE {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping short frame", "src", src.String(), "len", len(frame))
		d.mutex.Lock()
		d.stats.MalformedDrops++
		d.mutex.Unlock()
		return
	}

	// Signal strength is recorded before the frame is verified.
	d.mutex.Lock()
	d.lastRSSI = rssi
	if p, ok := d.peers[src]; ok {
		p.RSSI = rssi
	}
	d.mutex.Unlock()

	pkt, err := packet.Decode(frame)
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping malformed frame", "src", src.String(), "error", err)
		d.mutex.Lock()
		d.stats.MalformedDrops++
		d.mutex.Unlock()
		return
	}

	if !pkt.VerifyChecksum() {
		debug.Log(debug.DEBUG_ERROR, "Checksum mismatch", "src", src.String(),
			"expected", packet.Checksum16(pkt.Payload), "got", pkt.Checksum)
		d.mutex.Lock()
		d.stats.ChecksumDrops++
		d.mutex.Unlock()
		return
	}

	debug.Log(debug.DEBUG_PACKETS, "Received fragment", "src", src.String(), "node_id", pkt.NodeID,
		"seq", pkt.Sequence, "chunk", pkt.ChunkIndex, "total", pkt.TotalChunks, "len", pkt.PayloadLength, "rssi", rssi)

	d.mutex.Lock()
	d.stats.FragmentsRecv++
	d.stats.LastUpdated = time.Now()
	recv := d.recvCallback
	onPacket := d.packetCallback
	d.mutex.Unlock()

	if onPacket != nil {
		onPacket(src, pkt, rssi)
	}
	if recv != nil {
		recv(src, append([]byte(nil), pkt.Payload...), int(pkt.PayloadLength), rssi)
	}
}
