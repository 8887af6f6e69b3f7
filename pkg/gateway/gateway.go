// Package gateway forwards reassembled messages to a NATS subject tree.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/reassembly"
)

// Publisher is the part of a NATS connection the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the msgpack record published for each message.
type Envelope struct {
	Source     string `msgpack:"source"`
	NodeID     uint8  `msgpack:"node_id"`
	Sequence   uint16 `msgpack:"sequence"`
	RSSI       int8   `msgpack:"rssi"`
	ReceivedAt int64  `msgpack:"received_at"`
	Data       []byte `msgpack:"data"`
}

func NewEnvelope(msg reassembly.Message) Envelope {
	return Envelope{
		Source:     msg.Source.String(),
		NodeID:     msg.NodeID,
		Sequence:   msg.Sequence,
		RSSI:       msg.RSSI,
		ReceivedAt: msg.ReceivedAt.UnixMilli(),
		Data:       msg.Data,
	}
}

func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.ReceivedAt)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := msgpack.Unmarshal(data, &e)
	return e, err
}

type NATSForwarder struct {
	mutex     sync.Mutex
	publisher Publisher
	conn      *nats.Conn
	subject   string
	published uint64
	failed    uint64
}

func NewNATSForwarder(publisher Publisher, subject string) *NATSForwarder {
	return &NATSForwarder{publisher: publisher, subject: subject}
}

// Connect dials url and returns a forwarder that owns the connection.
func Connect(url, subject string) (*NATSForwarder, error) {
	conn, err := nats.Connect(url,
		nats.Name("espnow-go"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			debug.Log(debug.DEBUG_ERROR, "NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			debug.Log(debug.DEBUG_INFO, "NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	f := NewNATSForwarder(conn, subject)
	f.conn = conn
	debug.Log(debug.DEBUG_INFO, "Connected to NATS", "url", url, "subject", subject)
	return f, nil
}

// Subject returns the subject a message from nodeID is published on.
func (f *NATSForwarder) Subject(nodeID uint8) string {
	return fmt.Sprintf("%s.%d", f.subject, nodeID)
}

// Forward publishes msg. Its signature fits as a reassembly handler.
func (f *NATSForwarder) Forward(msg reassembly.Message) error {
	data, err := msgpack.Marshal(NewEnvelope(msg))
	if err != nil {
		return err
	}

	subject := f.Subject(msg.NodeID)
	if err := f.publisher.Publish(subject, data); err != nil {
		f.mutex.Lock()
		f.failed++
		f.mutex.Unlock()
		debug.Log(debug.DEBUG_ERROR, "Failed to publish message", "subject", subject, "error", err)
		return err
	}

	f.mutex.Lock()
	f.published++
	f.mutex.Unlock()
	debug.Log(debug.DEBUG_TRACE, "Published message", "subject", subject, "len", len(msg.Data))
	return nil
}

// Handler adapts Forward to the reassembly callback.
func (f *NATSForwarder) Handler() func(reassembly.Message) {
	return func(msg reassembly.Message) {
		_ = f.Forward(msg)
	}
}

func (f *NATSForwarder) Counts() (published, failed uint64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.published, f.failed
}

// Close drains the owned connection, if any.
func (f *NATSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}
