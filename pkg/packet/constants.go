package packet

const (
	// Wire layout sizes
	HEADER_SIZE      = 9   // node_id(1) sequence(2) total(1) index(1) length(2) checksum(2)
	MAX_PAYLOAD_SIZE = 200 // Payload bytes carried by a single fragment
	MAX_FRAME_SIZE   = HEADER_SIZE + MAX_PAYLOAD_SIZE

	// Fragmentation bounds
	MAX_CHUNKS       = 32
	MAX_MESSAGE_SIZE = MAX_PAYLOAD_SIZE * MAX_CHUNKS

	// Header field offsets
	offNodeID        = 0
	offSequence      = 1
	offTotalChunks   = 3
	offChunkIndex    = 4
	offPayloadLength = 5
	offChecksum      = 7
)
