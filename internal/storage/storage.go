package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
)

// PeerRecord is the persisted form of a registered peer.
type PeerRecord struct {
	Address []byte `msgpack:"address"`
	Channel uint8  `msgpack:"channel"`
	Encrypt bool   `msgpack:"encrypt"`
	LMK     []byte `msgpack:"lmk,omitempty"`
}

// State is what a node needs to resume after losing RAM: the last sequence
// number it sent and the peers it had registered.
type State struct {
	Sequence uint16       `msgpack:"sequence"`
	Peers    []PeerRecord `msgpack:"peers"`
	SavedAt  int64        `msgpack:"saved_at"`
}

func NewState(sequence uint16, peers []common.Peer) *State {
	s := &State{Sequence: sequence, Peers: make([]PeerRecord, 0, len(peers))}
	for _, p := range peers {
		rec := PeerRecord{Address: append([]byte(nil), p.Address[:]...), Channel: p.Channel, Encrypt: p.Encrypt}
		if p.Encrypt {
			rec.LMK = append([]byte(nil), p.LMK[:]...)
		}
		s.Peers = append(s.Peers, rec)
	}
	return s
}

// CommonPeers converts the stored records back into peers, skipping records
// whose address is not six bytes.
func (s *State) CommonPeers() []common.Peer {
	peers := make([]common.Peer, 0, len(s.Peers))
	for _, rec := range s.Peers {
		if len(rec.Address) != common.ADDRESS_LEN {
			debug.Log(debug.DEBUG_ERROR, "Skipping stored peer with bad address", "len", len(rec.Address))
			continue
		}
		var p common.Peer
		copy(p.Address[:], rec.Address)
		p.Channel = rec.Channel
		p.Encrypt = rec.Encrypt
		copy(p.LMK[:], rec.LMK)
		peers = append(peers, p)
	}
	return peers
}

type Manager struct {
	path  string
	mutex sync.RWMutex
}

// NewManager stores state at path, creating its directory.
func NewManager(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	return &Manager{path: path}, nil
}

func (m *Manager) Path() string {
	return m.path
}

// Save writes state atomically.
func (m *Manager) Save(state *State) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	state.SavedAt = time.Now().Unix()
	data, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	outPath := m.path + ".out"
	if err := os.WriteFile(outPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(outPath, m.path); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("failed to move state file: %w", err)
	}

	debug.Log(debug.DEBUG_VERBOSE, "Saved state", "path", m.path, "sequence", state.Sequence, "peers", len(state.Peers))
	return nil
}

// Load reads the saved state. A missing file yields an empty state.
func (m *Manager) Load() (*State, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	debug.Log(debug.DEBUG_VERBOSE, "Loaded state", "path", m.path, "sequence", state.Sequence, "peers", len(state.Peers))
	return &state, nil
}
