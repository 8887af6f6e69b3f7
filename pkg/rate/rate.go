package rate

import (
	"sync"
	"time"
)

// Pacer spaces consecutive events at least interval apart.
type Pacer struct {
	interval time.Duration
	last     time.Time
	mutex    sync.Mutex

	now   func() time.Time
	sleep func(time.Duration)
}

func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Mark records that an event just finished.
func (p *Pacer) Mark() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.last = p.now()
}

// Reset forgets the last event so the next Wait returns immediately.
func (p *Pacer) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.last = time.Time{}
}

// Wait blocks until interval has passed since the last Mark and returns how
// long it slept.
func (p *Pacer) Wait() time.Duration {
	p.mutex.Lock()
	if p.last.IsZero() || p.interval <= 0 {
		p.mutex.Unlock()
		return 0
	}
	remaining := p.interval - p.now().Sub(p.last)
	p.mutex.Unlock()

	if remaining <= 0 {
		return 0
	}
	p.sleep(remaining)
	return remaining
}

func (p *Pacer) Interval() time.Duration {
	return p.interval
}
