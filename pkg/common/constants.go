package common

const (
	// Address size of a link-layer hardware address in bytes
	ADDRESS_LEN = 6

	// Primary and local master key length
	KEY_LEN = 16

	// Radio channel range accepted by the link
	CHANNEL_MIN = 1
	CHANNEL_MAX = 14

	// Driver defaults
	DEFAULT_CHANNEL         = 1
	DEFAULT_SEND_TIMEOUT_MS = 100
	DEFAULT_MAX_RETRIES     = 3
	DEFAULT_BACKOFF_BASE_MS = 10
	DEFAULT_CHUNK_DELAY_MS  = 10
	DEFAULT_BUSY_TIMEOUT_MS = 5000
	DEFAULT_WAIT_POLL_MS    = 10

	// Maximum number of peers a radio keeps in its table
	MAX_PEERS = 20

	// Largest frame the radio accepts in one transmission
	LINK_MTU = 250

	DEFAULT_ACK_TIMEOUT_MS = 50

	DEFAULT_LOG_LEVEL = 3
)

// Link types selectable from configuration
const (
	LINK_TYPE_LOOPBACK = "loopback"
	LINK_TYPE_UDP      = "udp"
	LINK_TYPE_SERIAL   = "serial"
)
