// Package reassembly rebuilds messages from the fragments the driver delivers.
package reassembly

import (
	"sync"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
)

const (
	DEFAULT_TIMEOUT     = 5 * time.Second
	DEFAULT_MAX_ENTRIES = 16
)

// Message is a complete payload rebuilt from its fragments.
type Message struct {
	Source     common.Address
	NodeID     uint8
	Sequence   uint16
	Data       []byte
	RSSI       int8
	ReceivedAt time.Time
}

type Stats struct {
	Completed  uint64
	Duplicates uint64
	Expired    uint64
	Evicted    uint64
	Resets     uint64
}

type key struct {
	src    common.Address
	nodeID uint8
	seq    uint16
}

type entry struct {
	total    uint8
	chunks   [][]byte
	received int
	first    time.Time
	rssi     int8
}

type Reassembler struct {
	mutex      sync.Mutex
	timeout    time.Duration
	maxEntries int
	entries    map[key]*entry
	completed  map[key]time.Time
	handler    func(Message)
	stats      Stats
	now        func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a reassembler that calls handler with every completed message.
// Non-positive limits select the defaults.
func New(timeout time.Duration, maxEntries int, handler func(Message)) *Reassembler {
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	if maxEntries <= 0 {
		maxEntries = DEFAULT_MAX_ENTRIES
	}
	return &Reassembler{
		timeout:    timeout,
		maxEntries: maxEntries,
		entries:    make(map[key]*entry),
		completed:  make(map[key]time.Time),
		handler:    handler,
		now:        time.Now,
	}
}

// HandlePacket accepts one verified fragment. Its signature matches the
// driver's packet callback.
func (r *Reassembler) HandlePacket(src common.Address, pkt *packet.Packet, rssi int8) {
	k := key{src: src, nodeID: pkt.NodeID, seq: pkt.Sequence}

	r.mutex.Lock()
	now := r.now()

	if _, ok := r.completed[k]; ok {
		r.stats.Duplicates++
		r.mutex.Unlock()
		return
	}

	e, ok := r.entries[k]
	if ok && e.total != pkt.TotalChunks {
		debug.Log(debug.DEBUG_VERBOSE, "Fragment count changed, restarting message",
			"src", src.String(), "seq", pkt.Sequence, "was", e.total, "now", pkt.TotalChunks)
		r.stats.Resets++
		ok = false
	}
	if !ok {
		if _, exists := r.entries[k]; !exists && len(r.entries) >= r.maxEntries {
			r.evictOldestLocked()
		}
		e = &entry{total: pkt.TotalChunks, chunks: make([][]byte, pkt.TotalChunks), first: now}
		r.entries[k] = e
	}

	if e.chunks[pkt.ChunkIndex] != nil {
		r.stats.Duplicates++
		r.mutex.Unlock()
		return
	}
	e.chunks[pkt.ChunkIndex] = append([]byte(nil), pkt.Payload...)
	e.received++
	e.rssi = rssi

	if e.received < int(e.total) {
		r.mutex.Unlock()
		return
	}

	delete(r.entries, k)
	r.completed[k] = now
	r.stats.Completed++
	handler := r.handler
	r.mutex.Unlock()

	size := 0
	for _, c := range e.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range e.chunks {
		data = append(data, c...)
	}

	debug.Log(debug.DEBUG_TRACE, "Message reassembled", "src", src.String(), "seq", k.seq, "len", len(data), "chunks", e.total)

	if handler != nil {
		handler(Message{
			Source:     src,
			NodeID:     k.nodeID,
			Sequence:   k.seq,
			Data:       data,
			RSSI:       e.rssi,
			ReceivedAt: now,
		})
	}
}

func (r *Reassembler) evictOldestLocked() {
	var oldest key
	var oldestTime time.Time
	found := false
	for k, e := range r.entries {
		if !found || e.first.Before(oldestTime) {
			oldest, oldestTime, found = k, e.first, true
		}
	}
	if found {
		delete(r.entries, oldest)
		r.stats.Evicted++
		debug.Log(debug.DEBUG_VERBOSE, "Evicted incomplete message", "src", oldest.src.String(), "seq", oldest.seq)
	}
}

// Cleanup drops incomplete messages older than the timeout and forgets
// completed ones. It returns how many incomplete messages were dropped.
func (r *Reassembler) Cleanup() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	expired := 0
	for k, e := range r.entries {
		if now.Sub(e.first) >= r.timeout {
			delete(r.entries, k)
			expired++
		}
	}
	for k, t := range r.completed {
		if now.Sub(t) >= r.timeout {
			delete(r.completed, k)
		}
	}
	r.stats.Expired += uint64(expired)

	if expired > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Expired incomplete messages", "count", expired)
	}
	return expired
}

// Start runs Cleanup every interval until Stop.
func (r *Reassembler) Start(interval time.Duration) {
	r.mutex.Lock()
	if r.done != nil {
		r.mutex.Unlock()
		return
	}
	r.done = make(chan struct{})
	done := r.done
	r.mutex.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Cleanup()
			case <-done:
				return
			}
		}
	}()
}

func (r *Reassembler) Stop() {
	r.mutex.Lock()
	done := r.done
	r.done = nil
	r.mutex.Unlock()

	if done != nil {
		close(done)
		r.wg.Wait()
	}
}

// Pending returns the number of incomplete messages held.
func (r *Reassembler) Pending() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.entries)
}

func (r *Reassembler) Stats() Stats {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.stats
}
