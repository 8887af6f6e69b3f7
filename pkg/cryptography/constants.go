package cryptography

const (
	// Length of the derived per-peer session key
	LinkKeySize = 32

	// Bytes a sealed body grows by: nonce prefix plus authentication tag
	SealOverhead = 12 + 16
)

var linkKeyInfo = []byte("espnow-go link key")
