package dimse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// PoolConfig configures a bounded per-called-AE association pool (§4.5).
type PoolConfig struct {
	Config
	Proposals       []Proposal
	Size            int           // maximum concurrent associations to this AET
	MaxIdleTime     time.Duration // idle associations older than this are released
	WaitTimeout     time.Duration // how long Acquire waits for a slot before PoolTimeout
	CleanupInterval time.Duration // how often idle associations are swept for expiry, defaults to a minute
}

// Pool hands out associations to one called AE title, queueing acquirers
// FIFO once Size is reached (§4.5, §5). Associations are created lazily
// and released gracefully when idle too long or when the pool is closed.
type Pool struct {
	cfg PoolConfig
	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Association
	closed bool

	cleanupTicker *time.Ticker
	done          chan struct{}
	log           zerolog.Logger
}

// NewPool constructs a pool for one called AE title. Associations are not
// pre-warmed; the first Acquire dials and negotiates.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	p := &Pool{
		cfg:           cfg,
		sem:           semaphore.NewWeighted(int64(cfg.Size)),
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
		done:          make(chan struct{}),
		log:           log.With().Str("component", "dimse.pool").Str("calledAET", cfg.CalledAET).Logger(),
	}
	go p.cleanupLoop()
	return p
}

// Acquire blocks, FIFO among concurrent callers, until a slot is free or
// the pool's WaitTimeout / ctx deadline elapses, then returns either a
// reused idle association or a freshly negotiated one.
func (p *Pool) Acquire(ctx context.Context) (*Association, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &PoolClosed{}
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &PoolTimeout{AETitle: p.cfg.CalledAET, Waited: p.cfg.WaitTimeout.String()}
	}

	p.mu.Lock()
	for len(p.idle) > 0 {
		a := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		if a.IsUsable() {
			return a, nil
		}
		a.Close()
		p.mu.Lock()
	}
	p.mu.Unlock()

	a := NewAssociation(p.cfg.Config)
	if err := a.Connect(ctx, p.cfg.Proposals); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return a, nil
}

// Release returns an association to the pool if it is still usable,
// otherwise closes it. Either way the acquired slot is freed.
func (p *Pool) Release(a *Association) {
	p.mu.Lock()
	closed := p.closed
	if !closed && a.IsUsable() {
		a.Touch()
		p.idle = append(p.idle, a)
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	p.mu.Unlock()
	a.Close()
	p.sem.Release(1)
}

func (p *Pool) cleanupLoop() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.releaseIdleExpired()
		case <-p.done:
			return
		}
	}
}

func (p *Pool) releaseIdleExpired() {
	p.mu.Lock()
	var keep []*Association
	var expired []*Association
	now := time.Now()
	for _, a := range p.idle {
		if !a.IsUsable() || now.Sub(a.LastUsed()) > p.cfg.MaxIdleTime {
			expired = append(expired, a)
		} else {
			keep = append(keep, a)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, a := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Release(ctx)
		cancel()
	}
}

// Close gracefully releases every idle association and stops accepting new
// acquisitions. In-flight Acquire callers still waiting will time out or
// observe PoolClosed on their next call.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	p.cleanupTicker.Stop()

	for _, a := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Release(ctx)
		cancel()
	}
	return nil
}

// Stats reports the pool's current occupancy for the metrics gauges (§10).
type Stats struct {
	CalledAET string
	Idle      int
	Size      int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{CalledAET: p.cfg.CalledAET, Idle: len(p.idle), Size: p.cfg.Size}
}
