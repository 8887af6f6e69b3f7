package cryptography

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveLinkKey turns the primary master key and a peer's local master key
// into the key that protects frames exchanged with that peer.
func DeriveLinkKey(pmk, lmk []byte) ([]byte, error) {
	return DeriveKey(lmk, pmk, linkKeyInfo, LinkKeySize)
}
