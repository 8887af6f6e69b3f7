package driver

import (
	"fmt"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
)

func (d *Driver) acquire(timeout time.Duration) bool {
	select {
	case d.sendLock <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d.sendLock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (d *Driver) release() {
	<-d.sendLock
}

// Send delivers data to dst, fragmenting it as needed. It blocks until every
// fragment is acknowledged or one of them exhausts its retries.
func (d *Driver) Send(dst common.Address, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", common.ErrInvalidArgument)
	}

	d.mutex.RLock()
	initialized := d.initialized
	cfg := d.config
	sender := d.sender
	pacer := d.pacer
	d.mutex.RUnlock()

	if !initialized {
		return common.ErrNotInitialized
	}

	if !d.acquire(cfg.BusyTimeout()) {
		debug.Log(debug.DEBUG_ERROR, "Failed to acquire send lock", "timeout", cfg.BusyTimeout())
		return common.ErrBusy
	}
	defer d.release()

	seq := d.nextSequence()
	packets, err := packet.Fragment(data, cfg.NodeID, seq)
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to fragment payload", "len", len(data), "error", err)
		return err
	}

	debug.Log(debug.DEBUG_VERBOSE, "Sending message", "dest", dst.String(), "len", len(data), "chunks", len(packets), "seq", seq)

	sender.Begin(len(packets))
	pacer.Reset()

	sent := 0
	for i, p := range packets {
		if i > 0 {
			pacer.Wait()
		}
		err = sender.SendFragment(dst, p, cfg.SendTimeout(), int(cfg.MaxRetries))
		pacer.Mark()
		if err != nil {
			break
		}
		sent++
	}

	success := err == nil
	sender.Finish(success)

	d.mutex.Lock()
	d.stats.FragmentsSent += uint64(sent)
	if success {
		d.stats.MessagesSent++
	} else {
		d.stats.MessagesFailed++
	}
	d.stats.LastUpdated = time.Now()
	cb := d.sendDoneCallback
	d.mutex.Unlock()

	if success {
		debug.Log(debug.DEBUG_VERBOSE, "Message sent", "dest", dst.String(), "seq", seq)
	} else {
		debug.Log(debug.DEBUG_ERROR, "Message send failed", "dest", dst.String(), "seq", seq, "error", err)
	}

	if cb != nil {
		cb(dst, success)
	}
	return err
}

// Broadcast sends data to the all-ones address.
func (d *Driver) Broadcast(data []byte) error {
	return d.Send(common.BroadcastAddress, data)
}
