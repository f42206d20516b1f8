package proxy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor expires ledger entries whose deadline has passed. It sleeps until
// the earliest deadline and is woken early whenever an earlier one is armed.
type Monitor struct {
	ledger *Ledger
	log    zerolog.Logger

	stop     chan struct{}
	stopped  chan struct{}
	startOne sync.Once
	stopOne  sync.Once
}

func NewMonitor(ledger *Ledger, log zerolog.Logger) *Monitor {
	return &Monitor{
		ledger:  ledger,
		log:     log,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.startOne.Do(func() { go m.run() })
}

// Stop ends the loop and waits for it. Entries still armed are left in the
// ledger for the owner to cancel.
func (m *Monitor) Stop() {
	m.stopOne.Do(func() {
		close(m.stop)
		m.startOne.Do(func() { close(m.stopped) })
	})
	<-m.stopped
}

// Scan expires everything due at now.
func (m *Monitor) Scan(now time.Time) {
	m.ledger.Expire(now)
}

func (m *Monitor) run() {
	defer close(m.stopped)
	m.log.Debug().Msg("timeout monitor started")
	for {
		next, pending := m.ledger.Expire(m.ledger.now())
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if pending {
			timer = time.NewTimer(next.Sub(m.ledger.now()))
			fire = timer.C
		}
		select {
		case <-m.stop:
			if timer != nil {
				timer.Stop()
			}
			m.log.Debug().Msg("timeout monitor stopped")
			return
		case <-m.ledger.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
