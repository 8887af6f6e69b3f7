package main

import (
	"fmt"

	"github.com/Sudo-Ivan/espnow-go/internal/storage"
	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/driver"
	"github.com/Sudo-Ivan/espnow-go/pkg/interfaces"
	testutils "github.com/Sudo-Ivan/espnow-go/test-utilities"
)

// Node ties a configured link, the driver and persisted state together.
type Node struct {
	config      *common.Config
	link        common.Link
	interceptor *testutils.PacketInterceptor
	driver      *driver.Driver
	storage     *storage.Manager
}

func buildLink(cfg common.LinkConfig) (common.Link, error) {
	switch cfg.Type {
	case common.LINK_TYPE_UDP:
		return interfaces.NewUDPLinkFromConfig(cfg)
	case common.LINK_TYPE_SERIAL:
		if cfg.Port == "" {
			return nil, fmt.Errorf("%w: serial link needs a port", common.ErrInvalidArgument)
		}
		return interfaces.NewSerialLink(cfg.Port, cfg.Baud), nil
	case common.LINK_TYPE_LOOPBACK:
		addr, err := common.StringToAddress(cfg.Address)
		if err != nil {
			return nil, err
		}
		return interfaces.NewLoopbackLink(interfaces.NewBus(), addr), nil
	default:
		return nil, fmt.Errorf("%w: unknown link type %q", common.ErrInvalidArgument, cfg.Type)
	}
}

func NewNode(cfg *common.Config, capturePath string) (*Node, error) {
	link, err := buildLink(cfg.Link)
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	n := &Node{config: cfg, link: link}

	if capturePath == "" {
		capturePath = cfg.CapturePath
	}
	if capturePath != "" {
		n.interceptor, err = testutils.NewPacketInterceptor(capturePath, link)
		if err != nil {
			return nil, err
		}
		n.link = n.interceptor
		debug.Log(debug.DEBUG_INFO, "Capturing frames", "path", capturePath)
	}

	if cfg.StoragePath != "" {
		n.storage, err = storage.NewManager(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
	}

	n.driver = driver.New(n.link)
	return n, nil
}

// Start initializes the driver, restores saved state and registers the
// configured peers.
func (n *Node) Start() error {
	if err := n.driver.Init(n.config.Driver); err != nil {
		return err
	}

	if n.storage != nil {
		state, err := n.storage.Load()
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Ignoring unreadable state", "error", err)
		} else if err := n.driver.RestoreState(state.Sequence, state.CommonPeers()); err != nil {
			return fmt.Errorf("failed to restore state: %w", err)
		}
	}

	for _, pc := range n.config.Peers {
		peer, err := pc.Peer()
		if err != nil {
			return err
		}
		if err := n.driver.AddPeer(peer); err != nil {
			return err
		}
	}
	return nil
}

// Stop saves state and releases the link.
func (n *Node) Stop() error {
	if n.storage != nil && n.driver.IsInitialized() {
		seq, peers := n.driver.ExportState()
		if err := n.storage.Save(storage.NewState(seq, peers)); err != nil {
			debug.Log(debug.DEBUG_ERROR, "Failed to save state", "error", err)
		}
	}

	err := n.driver.Deinit()
	if n.interceptor != nil {
		if cerr := n.interceptor.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
