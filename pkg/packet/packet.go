package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

// Header is the fixed 9-byte little-endian fragment header.
type Header struct {
	NodeID        uint8
	Sequence      uint16
	TotalChunks   uint8
	ChunkIndex    uint8
	PayloadLength uint16
	Checksum      uint16
}

// Packet is one fragment: header plus at most MAX_PAYLOAD_SIZE payload bytes.
type Packet struct {
	Header

	Payload []byte
	Raw     []byte
	Packed  bool
}

// NewPacket builds a fragment around payload and stamps its checksum.
func NewPacket(nodeID uint8, sequence uint16, totalChunks, chunkIndex uint8, payload []byte) (*Packet, error) {
	if len(payload) > MAX_PAYLOAD_SIZE {
		return nil, fmt.Errorf("%w: fragment payload %d exceeds %d bytes", common.ErrPayloadTooLarge, len(payload), MAX_PAYLOAD_SIZE)
	}

	data := make([]byte, len(payload), MAX_PAYLOAD_SIZE)
	copy(data, payload)

	p := &Packet{
		Header: Header{
			NodeID:        nodeID,
			Sequence:      sequence,
			TotalChunks:   totalChunks,
			ChunkIndex:    chunkIndex,
			PayloadLength: uint16(len(payload)),
			Checksum:      Checksum16(payload),
		},
		Payload: data,
	}

	if err := p.Header.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the header invariants that do not depend on payload bytes.
func (h *Header) Validate() error {
	if h.TotalChunks == 0 || h.TotalChunks > MAX_CHUNKS {
		return fmt.Errorf("%w: total_chunks %d outside 1-%d", common.ErrMalformedPacket, h.TotalChunks, MAX_CHUNKS)
	}
	if h.ChunkIndex >= h.TotalChunks {
		return fmt.Errorf("%w: chunk_index %d >= total_chunks %d", common.ErrMalformedPacket, h.ChunkIndex, h.TotalChunks)
	}
	if h.PayloadLength > MAX_PAYLOAD_SIZE {
		return fmt.Errorf("%w: payload_length %d exceeds %d", common.ErrMalformedPacket, h.PayloadLength, MAX_PAYLOAD_SIZE)
	}
	return nil
}

// Pack writes the header and exactly PayloadLength payload bytes into Raw.
func (p *Packet) Pack() error {
	if p.Packed {
		return nil
	}

	if int(p.PayloadLength) != len(p.Payload) {
		return fmt.Errorf("%w: payload_length %d does not match %d payload bytes", common.ErrMalformedPacket, p.PayloadLength, len(p.Payload))
	}
	if err := p.Header.Validate(); err != nil {
		return err
	}

	raw := make([]byte, HEADER_SIZE+len(p.Payload))
	raw[offNodeID] = p.NodeID
	binary.LittleEndian.PutUint16(raw[offSequence:], p.Sequence)
	raw[offTotalChunks] = p.TotalChunks
	raw[offChunkIndex] = p.ChunkIndex
	binary.LittleEndian.PutUint16(raw[offPayloadLength:], p.PayloadLength)
	binary.LittleEndian.PutUint16(raw[offChecksum:], p.Checksum)
	copy(raw[HEADER_SIZE:], p.Payload)

	p.Raw = raw
	p.Packed = true
	return nil
}

// Unpack parses Raw. Bytes past the declared payload are ignored so peers that
// transmit the whole fixed-size buffer still decode.
func (p *Packet) Unpack() error {
	if len(p.Raw) < HEADER_SIZE {
		return fmt.Errorf("%w: %d bytes is shorter than the header", common.ErrMalformedPacket, len(p.Raw))
	}

	p.NodeID = p.Raw[offNodeID]
	p.Sequence = binary.LittleEndian.Uint16(p.Raw[offSequence:])
	p.TotalChunks = p.Raw[offTotalChunks]
	p.ChunkIndex = p.Raw[offChunkIndex]
	p.PayloadLength = binary.LittleEndian.Uint16(p.Raw[offPayloadLength:])
	p.Checksum = binary.LittleEndian.Uint16(p.Raw[offChecksum:])

	if err := p.Header.Validate(); err != nil {
		return err
	}

	end := HEADER_SIZE + int(p.PayloadLength)
	if len(p.Raw) < end {
		return fmt.Errorf("%w: payload_length %d but only %d payload bytes", common.ErrMalformedPacket, p.PayloadLength, len(p.Raw)-HEADER_SIZE)
	}

	p.Payload = make([]byte, p.PayloadLength)
	copy(p.Payload, p.Raw[HEADER_SIZE:end])
	p.Raw = p.Raw[:end]
	p.Packed = false
	return nil
}

// Serialize returns the wire frame, packing first if needed.
func (p *Packet) Serialize() ([]byte, error) {
	if !p.Packed {
		if err := p.Pack(); err != nil {
			return nil, fmt.Errorf("failed to pack packet: %w", err)
		}
	}
	return p.Raw, nil
}

// VerifyChecksum recomputes the checksum over the payload.
func (p *Packet) VerifyChecksum() bool {
	return Checksum16(p.Payload) == p.Checksum
}

// Size is the number of bytes the fragment occupies on the wire.
func (p *Packet) Size() int {
	return HEADER_SIZE + int(p.PayloadLength)
}

// Decode parses a received frame. Checksum verification is left to the caller.
func Decode(frame []byte) (*Packet, error) {
	p := &Packet{Raw: frame}
	if err := p.Unpack(); err != nil {
		return nil, err
	}
	return p, nil
}
