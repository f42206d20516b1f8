package util

import (
	"sync"
	"time"
)

// Poller runs work for every target on each tick, spread over a fixed pool
// of workers. A target still queued from the previous round is skipped.
type Poller struct {
	Frequency time.Duration
	Workers   int

	targets func() []string
	work    func(string)

	mu      sync.Mutex
	queue   chan string
	queued  map[string]bool
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewPoller(frequency time.Duration, workers int, targets func() []string, work func(string)) *Poller {
	if workers <= 0 {
		workers = 1
	}
	if frequency <= 0 {
		frequency = 30 * time.Second
	}
	return &Poller{
		Frequency: frequency,
		Workers:   workers,
		targets:   targets,
		work:      work,
		queued:    make(map[string]bool),
	}
}

func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.queue = make(chan string, p.Workers*4)
	p.stop = make(chan struct{})
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go p.poll_worker(p.queue)
	}
	p.ticker = time.NewTicker(p.Frequency)
	p.wg.Add(1)
	go func(ticker *time.Ticker, stop chan struct{}) {
		defer p.wg.Done()
		for {
			select {
			case <-ticker.C:
				p.Trigger()
			case <-stop:
				return
			}
		}
	}(p.ticker, p.stop)
}

// Stop halts the ticker and waits for the workers to drain.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.ticker.Stop()
	close(p.stop)
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.mu.Lock()
	p.queued = make(map[string]bool)
	p.mu.Unlock()
}

// Trigger queues one round now.
func (p *Poller) Trigger() {
	for _, target := range p.targets() {
		p.enqueue(target)
	}
}

func (p *Poller) enqueue(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if p.queued[target] {
		Logger.Debug().Msgf("poll of %s still queued, skipping", target)
		return
	}
	select {
	case p.queue <- target:
		p.queued[target] = true
	default:
		Logger.Warn().Msgf("poll queue full, skipping %s", target)
	}
}

func (p *Poller) poll_worker(jobs <-chan string) {
	defer p.wg.Done()
	for job := range jobs {
		p.mu.Lock()
		delete(p.queued, job)
		p.mu.Unlock()
		p.work(job)
	}
}
