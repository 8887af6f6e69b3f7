package common

import (
	"encoding/hex"
	"fmt"
	"time"
)

// DriverConfig holds the driver settings. The driver copies it at init time.
type DriverConfig struct {
	NodeID           uint8  `toml:"node_id" yaml:"node_id"`
	Channel          uint8  `toml:"channel" yaml:"channel"`
	EnableEncryption bool   `toml:"encrypt" yaml:"encrypt"`
	PMK              string `toml:"pmk" yaml:"pmk"`
	SendTimeoutMs    uint32 `toml:"send_timeout_ms" yaml:"send_timeout_ms"`
	MaxRetries       uint8  `toml:"max_retries" yaml:"max_retries"`
	BackoffBaseMs    uint32 `toml:"backoff_base_ms" yaml:"backoff_base_ms"`
	ChunkDelayMs     uint32 `toml:"chunk_delay_ms" yaml:"chunk_delay_ms"`
	BusyTimeoutMs    uint32 `toml:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	WaitPollMs       uint32 `toml:"wait_poll_ms" yaml:"wait_poll_ms"`
}

// LinkConfig selects and parameterizes the link implementation
type LinkConfig struct {
	Type      string            `toml:"type" yaml:"type"`
	Address   string            `toml:"address" yaml:"address"`
	Listen    string            `toml:"listen" yaml:"listen"`
	Endpoints map[string]string `toml:"endpoints" yaml:"endpoints"`
	RSSI      int8              `toml:"rssi" yaml:"rssi"`
	Port      string            `toml:"port" yaml:"port"`
	Baud      int               `toml:"baud" yaml:"baud"`

	AckTimeoutMs uint32 `toml:"ack_timeout_ms" yaml:"ack_timeout_ms"`
}

// PeerConfig describes a peer registered at startup
type PeerConfig struct {
	Address string `toml:"address" yaml:"address"`
	Channel uint8  `toml:"channel" yaml:"channel"`
	Encrypt bool   `toml:"encrypt" yaml:"encrypt"`
	LMK     string `toml:"lmk" yaml:"lmk"`
}

// Config represents the main configuration structure
type Config struct {
	ConfigPath  string       `toml:"-" yaml:"-"`
	LogLevel    int          `toml:"log_level" yaml:"log_level"`
	Driver      DriverConfig `toml:"driver" yaml:"driver"`
	Link        LinkConfig   `toml:"link" yaml:"link"`
	Peers       []PeerConfig `toml:"peers" yaml:"peers"`
	StoragePath string       `toml:"storage_path" yaml:"storage_path"`
	CapturePath string       `toml:"capture_path" yaml:"capture_path"`
	NATSURL     string       `toml:"nats_url" yaml:"nats_url"`
	NATSSubject string       `toml:"nats_subject" yaml:"nats_subject"`
}

// NewDriverConfig creates a DriverConfig with default values
func NewDriverConfig() DriverConfig {
	return DriverConfig{
		Channel:       DEFAULT_CHANNEL,
		SendTimeoutMs: DEFAULT_SEND_TIMEOUT_MS,
		MaxRetries:    DEFAULT_MAX_RETRIES,
		BackoffBaseMs: DEFAULT_BACKOFF_BASE_MS,
		ChunkDelayMs:  DEFAULT_CHUNK_DELAY_MS,
		BusyTimeoutMs: DEFAULT_BUSY_TIMEOUT_MS,
		WaitPollMs:    DEFAULT_WAIT_POLL_MS,
	}
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		LogLevel: DEFAULT_LOG_LEVEL,
		Driver:   NewDriverConfig(),
		Link: LinkConfig{
			Type:      LINK_TYPE_UDP,
			Listen:    "127.0.0.1:4210",
			Endpoints: make(map[string]string),
			RSSI:      -40,
			Baud:      115200,

			AckTimeoutMs: DEFAULT_ACK_TIMEOUT_MS,
		},
		NATSSubject: "espnow",
	}
}

// Validate checks if the driver configuration is valid
func (c *DriverConfig) Validate() error {
	if c.Channel < CHANNEL_MIN || c.Channel > CHANNEL_MAX {
		return fmt.Errorf("%w: channel %d outside %d-%d", ErrInvalidArgument, c.Channel, CHANNEL_MIN, CHANNEL_MAX)
	}
	if c.SendTimeoutMs == 0 {
		return fmt.Errorf("%w: send timeout must be positive", ErrInvalidArgument)
	}
	if c.EnableEncryption {
		if _, err := c.PrimaryKey(); err != nil {
			return err
		}
	}
	return nil
}

// PrimaryKey decodes the hex encoded primary master key
func (c *DriverConfig) PrimaryKey() ([]byte, error) {
	return DecodeKey(c.PMK)
}

func (c *DriverConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c *DriverConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c *DriverConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

func (c *DriverConfig) BusyTimeout() time.Duration {
	if c.BusyTimeoutMs == 0 {
		return DEFAULT_BUSY_TIMEOUT_MS * time.Millisecond
	}
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}

func (c *DriverConfig) WaitPoll() time.Duration {
	if c.WaitPollMs == 0 {
		return DEFAULT_WAIT_POLL_MS * time.Millisecond
	}
	return time.Duration(c.WaitPollMs) * time.Millisecond
}

func (c *LinkConfig) AckTimeout() time.Duration {
	if c.AckTimeoutMs == 0 {
		return DEFAULT_ACK_TIMEOUT_MS * time.Millisecond
	}
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// DecodeKey parses a 16 byte key written as 32 hex characters
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != KEY_LEN {
		return nil, fmt.Errorf("%w: key must be %d hex encoded bytes", ErrInvalidFormat, KEY_LEN)
	}
	return key, nil
}

// Peer converts the configured entry into a Peer
func (p PeerConfig) Peer() (Peer, error) {
	addr, err := StringToAddress(p.Address)
	if err != nil {
		return Peer{}, err
	}

	peer := Peer{Address: addr, Channel: p.Channel, Encrypt: p.Encrypt}
	if p.Encrypt {
		lmk, err := DecodeKey(p.LMK)
		if err != nil {
			return Peer{}, fmt.Errorf("peer %s: %w", p.Address, err)
		}
		copy(peer.LMK[:], lmk)
	}
	return peer, nil
}
