package platform

import (
	"bytes"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollingMonitor samples a resource on the adaptive ladder. It is the
// fallback used on every OS when the native notification path is
// unavailable, and the only strategy on platforms without one.
type PollingMonitor struct {
	read   ReadFunc
	ladder *Ladder
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	lastValue []byte
	primed    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPollingMonitor wraps read in an adaptive polling loop. A nil
// ladder gets the defaults, a nil logger is replaced with a no-op.
func NewPollingMonitor(read ReadFunc, ladder *Ladder, logger *zap.Logger) *PollingMonitor {
	if ladder == nil {
		ladder = NewLadder(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingMonitor{
		read:   read,
		ladder: ladder,
		logger: logger,
	}
}

func (p *PollingMonitor) Start(cb Callback) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.loop(cb, stopCh, doneCh)
	return nil
}

func (p *PollingMonitor) loop(cb Callback, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	// Prime the comparison value so startup does not replay whatever is
	// already on the resource as a change.
	if value, err := p.read(); err == nil {
		p.mu.Lock()
		p.lastValue = value
		p.primed = true
		p.mu.Unlock()
	}

	interval := p.ladder.Current()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			p.logger.Debug("polling monitor stopping")
			return
		case <-timer.C:
		}

		value, err := p.read()
		if err != nil {
			p.logger.Debug("poll read failed", zap.Error(err))
			timer.Reset(p.ladder.Idle())
			continue
		}

		p.mu.Lock()
		changed := !p.primed || !bytes.Equal(value, p.lastValue)
		if changed {
			p.lastValue = value
			p.primed = true
		}
		p.mu.Unlock()

		if changed {
			cb(value)
			interval = p.ladder.Reset()
		} else {
			interval = p.ladder.Idle()
		}
		timer.Reset(interval)
	}
}

func (p *PollingMonitor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (p *PollingMonitor) Current() ([]byte, error) {
	return p.read()
}

func (p *PollingMonitor) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ModePollingFallback
	}
	return ModeIdle
}

func (p *PollingMonitor) SetBaseInterval(d time.Duration) {
	p.ladder.Rebase(d)
}
