// Package mediator correlates inbound C-STORE sub-operations, received by
// the store-SCP listener, with the outbound C-MOVE request a WADO-RS
// handler is waiting on (§4.6).
package mediator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode selects how subscriptions are matched to inbound C-STORE
// sub-operations. Concurrent mode keys on the MoveOriginator AET/MessageID
// carried in each C-STORE-RQ; Sequential mode ignores that correlation
// (some PACS do not set it reliably) and instead allows exactly one move
// in flight at a time, routing every inbound file to it.
type Mode int

const (
	ModeConcurrent Mode = iota
	ModeSequential
)

// Correlator keys a subscription in Concurrent mode, matching PS3.7's
// Move Originator Application Entity Title / Message ID pair carried on
// each relayed C-STORE-RQ.
type Correlator struct {
	MoveOriginatorAET       string
	MoveOriginatorMessageID uint16
}

// ReceivedFile is one instance handed to a subscription by the store-SCP
// listener, already reconstructed into Part-10 bytes.
type ReceivedFile struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// ErrSequentialBusy is returned by Subscribe in Sequential mode when
// another move is already in flight.
var ErrSequentialBusy = errors.New("mediator: a move is already in flight in sequential mode")

// ErrStalled is reported by a subscription's Err once its stream has ended
// because no file or completion arrived within the configured stall timeout.
var ErrStalled = errors.New("mediator: subscription stalled waiting for C-STORE sub-operations")

// ErrCancelled marks a subscription torn down by Cancel.
var ErrCancelled = errors.New("mediator: subscription cancelled")

// Subscription is a WADO-RS handler's claim on the files a C-MOVE it
// issued will produce.
type Subscription struct {
	ID         string
	correlator Correlator

	mu            sync.Mutex
	files         chan ReceivedFile
	delivered     int
	expectedTotal *int
	closed        bool
	err           error
	done          chan struct{}

	stallTimer *time.Timer
}

// Files streams received instances in arrival order. The channel is
// closed once the expected count has been delivered, or the subscription
// is cancelled/stalled (check Err after the channel closes).
func (s *Subscription) Files() <-chan ReceivedFile { return s.files }

// Done is closed when the subscription's stream has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended (nil if it ended by normal completion).
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	if s.stallTimer != nil {
		s.stallTimer.Stop()
	}
	close(s.files)
	close(s.done)
}

func (s *Subscription) resetStall(d time.Duration, onStall func()) {
	if d <= 0 {
		return
	}
	if s.stallTimer != nil {
		s.stallTimer.Stop()
	}
	s.stallTimer = time.AfterFunc(d, onStall)
}

// Mediator owns the subscription table, shared by the store-SCP listener
// and every WADO-RS handler in the process (§9 Design Notes: "explicitly
// constructed service... store-SCP listener and HTTP handler layer share
// references to the same mediator instance").
type Mediator struct {
	mode         Mode
	queueSize    int
	stallTimeout time.Duration

	mu         sync.Mutex
	subs       map[Correlator]*Subscription
	sequential *Subscription

	log zerolog.Logger
}

// Config configures a Mediator.
type Config struct {
	Mode         Mode
	QueueSize    int           // per-subscription bounded channel capacity
	StallTimeout time.Duration // 0 disables the stall watchdog
}

func New(cfg Config) *Mediator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Mediator{
		mode:         cfg.Mode,
		queueSize:    cfg.QueueSize,
		stallTimeout: cfg.StallTimeout,
		subs:         make(map[Correlator]*Subscription),
		log:          log.With().Str("component", "mediator").Logger(),
	}
}

// Subscribe opens a subscription for an upcoming C-MOVE. The caller
// should pass the Correlator it will set as MoveOriginatorAET/MessageID
// on the C-MOVE-RQ (Concurrent mode); in Sequential mode the correlator is
// still recorded for logging but matching ignores it.
func (m *Mediator) Subscribe(correlator Correlator) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeSequential && m.sequential != nil {
		return nil, ErrSequentialBusy
	}

	sub := &Subscription{
		ID:         uuid.NewString(),
		correlator: correlator,
		files:      make(chan ReceivedFile, m.queueSize),
		done:       make(chan struct{}),
	}
	sub.resetStall(m.stallTimeout, func() { m.stall(sub) })

	if m.mode == ModeSequential {
		m.sequential = sub
	} else {
		m.subs[correlator] = sub
	}
	m.log.Debug().Str("subscription", sub.ID).Str("moveOriginatorAET", correlator.MoveOriginatorAET).Msg("subscribed")
	return sub, nil
}

func (m *Mediator) lookup(correlator Correlator) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeSequential {
		return m.sequential
	}
	return m.subs[correlator]
}

// Publish delivers a received instance to the matching subscription. It
// returns false if no subscription matched (the store-SCP listener should
// fall back to rejecting or sequentially routing the instance per its own
// policy).
func (m *Mediator) Publish(correlator Correlator, file ReceivedFile) bool {
	sub := m.lookup(correlator)
	if sub == nil {
		return false
	}
	return m.deliver(sub, file)
}

// PublishFallback applies the Sequential routing rule (§4.6) as a last
// resort when Concurrent-mode correlation failed to match any
// subscription: if exactly one subscription is currently open, the file is
// routed to it regardless of its correlator. It returns false if zero or
// more than one subscription is open, leaving the caller to reject the
// store.
func (m *Mediator) PublishFallback(file ReceivedFile) bool {
	m.mu.Lock()
	var only *Subscription
	switch m.mode {
	case ModeSequential:
		only = m.sequential
	default:
		if len(m.subs) == 1 {
			for _, s := range m.subs {
				only = s
			}
		}
	}
	m.mu.Unlock()
	if only == nil {
		return false
	}
	return m.deliver(only, file)
}

func (m *Mediator) deliver(sub *Subscription, file ReceivedFile) bool {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return false
	}
	select {
	case sub.files <- file:
		sub.delivered++
		done := sub.expectedTotal != nil && sub.delivered >= *sub.expectedTotal
		sub.resetStall(m.stallTimeout, func() { m.stall(sub) })
		if done {
			sub.closeLocked(nil)
			m.remove(sub)
		}
		sub.mu.Unlock()
		return true
	default:
		sub.mu.Unlock()
		m.log.Warn().Str("subscription", sub.ID).Msg("subscription queue full, dropping file")
		return false
	}
}

// Complete records the C-MOVE's final sub-operation tally. The
// subscription closes immediately if the expected count has already been
// delivered, otherwise it closes as soon as the remaining files arrive.
func (m *Mediator) Complete(correlator Correlator, completed, warning int) {
	sub := m.lookup(correlator)
	if sub == nil {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	total := completed + warning
	sub.expectedTotal = &total
	if sub.delivered >= total {
		sub.closeLocked(nil)
		m.remove(sub)
	}
}

// Cancel tears down a subscription on HTTP client disconnect or timeout
// (§5 Cancellation). In-flight files already queued are discarded with
// the subscription.
func (m *Mediator) Cancel(sub *Subscription) {
	sub.mu.Lock()
	if !sub.closed {
		sub.closeLocked(ErrCancelled)
		for range sub.files {
		}
	}
	sub.mu.Unlock()
	m.remove(sub)
}

func (m *Mediator) stall(sub *Subscription) {
	sub.mu.Lock()
	sub.closeLocked(ErrStalled)
	sub.mu.Unlock()
	m.remove(sub)
	m.log.Warn().Str("subscription", sub.ID).Msg("subscription stalled, closing")
}

func (m *Mediator) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeSequential {
		if m.sequential == sub {
			m.sequential = nil
		}
		return
	}
	delete(m.subs, sub.correlator)
}

// Stats reports the current subscription count for the metrics gauges.
func (m *Mediator) Stats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeSequential {
		if m.sequential != nil {
			return 1
		}
		return 0
	}
	return len(m.subs)
}
