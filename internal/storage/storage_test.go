package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

func TestSaveLoadState(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "nested", "state.msgpack"))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	encrypted := common.Peer{Address: common.Address{1, 2, 3, 4, 5, 6}, Channel: 6, Encrypt: true}
	encrypted.LMK[0] = 0xAB
	plain := common.Peer{Address: common.Address{6, 5, 4, 3, 2, 1}, Channel: 1, RSSI: -60}

	if err := m.Save(NewState(65535, []common.Peer{encrypted, plain})); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(m.Path() + ".out"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	state, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Sequence != 65535 || state.SavedAt == 0 {
		t.Errorf("state = %+v", state)
	}

	peers := state.CommonPeers()
	if len(peers) != 2 {
		t.Fatalf("restored %d peers; want 2", len(peers))
	}
	if peers[0] != encrypted {
		t.Errorf("peer 0 = %+v; want %+v", peers[0], encrypted)
	}
	// RSSI is not persisted
	if peers[1].Address != plain.Address || peers[1].RSSI != 0 || peers[1].Encrypt {
		t.Errorf("peer 1 = %+v", peers[1])
	}
}

func TestLoadMissingIsEmpty(t *testing.T) {
	m, _ := NewManager(filepath.Join(t.TempDir(), "state"))
	state, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Sequence != 0 || len(state.Peers) != 0 {
		t.Errorf("state = %+v; want empty", state)
	}
}

func TestLoadCorrupt(t *testing.T) {
	m, _ := NewManager(filepath.Join(t.TempDir(), "state"))
	if err := os.WriteFile(m.Path(), []byte{0xC1, 0x00}, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(); err == nil {
		t.Error("Load accepted a corrupt file")
	}
}

func TestCommonPeersSkipsBadAddress(t *testing.T) {
	s := &State{Peers: []PeerRecord{{Address: []byte{1, 2, 3}}, {Address: make([]byte, 6), Channel: 2}}}
	peers := s.CommonPeers()
	if len(peers) != 1 || peers[0].Channel != 2 {
		t.Errorf("CommonPeers() = %+v", peers)
	}
}
