// Package dimse implements a DICOM upper-layer association: negotiation,
// the C-ECHO/C-FIND/C-MOVE/C-STORE SCU operations, and a bounded
// per-called-AE connection pool. It wraps pkg/dimse/pdu (wire framing) and
// pkg/dimse/dimsemsg (command-set encode/decode).
package dimse

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/pdu"
)

// State is the association's position in the state machine of §4.2:
// Idle -> Negotiating -> Established -> {Releasing, Aborting, Broken} -> Closed.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateEstablished
	StateReleasing
	StateAborting
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateReleasing:
		return "releasing"
	case StateAborting:
		return "aborting"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Proposal is one abstract syntax (SOP class or Verification) this side
// wants a presentation context for, with the transfer syntaxes it is
// willing to use, in preference order.
type Proposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

type negotiatedContext struct {
	contextID      byte
	abstractSyntax string
	transferSyntax string
}

// Config holds the parameters for one association.
type Config struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32
}

// ImplementationClassUID and ImplementationVersionName self-identify this
// gateway in the User Information item, PS3.7 D.3.3.2.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1287"
	ImplementationVersionName = "RISDICOMGW_1"
)

// Association represents one DICOM upper-layer association as the
// requestor (SCU operations). internal/scp builds the acceptor side on
// top of the same pdu/dimsemsg packages.
type Association struct {
	conn         net.Conn
	callingAET   string
	calledAET    string
	host         string
	port         int
	maxPDULength uint32
	peerMaxPDU   uint32
	timeout      time.Duration

	mu    sync.Mutex
	state State

	contextsBySyntax map[string]*negotiatedContext
	contextsByID     map[byte]*negotiatedContext

	messageID uint32

	pendingMu sync.Mutex
	pending   map[uint16]chan incomingMessage

	releaseCh chan struct{}
	closeOnce sync.Once

	lastUsed time.Time
	log      zerolog.Logger
}

// NewAssociation constructs an unconnected association.
func NewAssociation(cfg Config) *Association {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = 16384
	}
	return &Association{
		callingAET:       cfg.CallingAET,
		calledAET:        cfg.CalledAET,
		host:             cfg.Host,
		port:             cfg.Port,
		maxPDULength:     cfg.MaxPDULength,
		timeout:          cfg.Timeout,
		state:            StateIdle,
		contextsBySyntax: make(map[string]*negotiatedContext),
		contextsByID:     make(map[byte]*negotiatedContext),
		pending:          make(map[uint16]chan incomingMessage),
		releaseCh:        make(chan struct{}),
		log:              log.With().Str("component", "dimse.association").Str("calledAET", cfg.CalledAET).Logger(),
	}
}

// Connect dials the peer, negotiates presentation contexts for the given
// proposals, and starts the background read loop. On a rejection the
// returned error is *AssociationRejected.
func (a *Association) Connect(ctx context.Context, proposals []Proposal) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("Connect called in state %s", a.state)}
	}
	a.state = StateNegotiating
	a.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	dialer := &net.Dialer{Timeout: a.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		a.setState(StateBroken)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	a.conn = conn

	rq := a.buildAssociateRQ(proposals)
	if err := pdu.WriteRaw(conn, pdu.TypeAssociateRQ, pdu.EncodeAssociateRQ(rq)); err != nil {
		a.abortLocal()
		return fmt.Errorf("write A-ASSOCIATE-RQ: %w", err)
	}

	raw, err := pdu.ReadRaw(conn)
	if err != nil {
		a.abortLocal()
		return fmt.Errorf("read associate response: %w", err)
	}

	switch raw.Type {
	case pdu.TypeAssociateAC:
		ac, err := pdu.DecodeAssociateAC(raw.Payload)
		if err != nil {
			a.abortLocal()
			return err
		}
		a.applyAssociateAC(ac, proposals)
		if len(a.contextsByID) == 0 {
			a.abortLocal()
			return &UnacceptablePresentationContext{AbstractSyntax: proposals[0].AbstractSyntax}
		}
	case pdu.TypeAssociateRJ:
		rj, err := pdu.DecodeAssociateRJ(raw.Payload)
		if err != nil {
			a.abortLocal()
			return err
		}
		a.conn.Close()
		a.setState(StateClosed)
		return &AssociationRejected{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}
	default:
		a.abortLocal()
		return &ProtocolError{Reason: fmt.Sprintf("unexpected PDU %s while negotiating", raw.Type)}
	}

	a.setState(StateEstablished)
	a.lastUsed = time.Now()
	a.log.Debug().Int("contexts", len(a.contextsByID)).Msg("association established")
	go a.readLoop()
	return nil
}

func (a *Association) buildAssociateRQ(proposals []Proposal) *pdu.AssociateRQ {
	rq := &pdu.AssociateRQ{
		CalledAETitle:      a.calledAET,
		CallingAETitle:     a.callingAET,
		ApplicationContext: pdu.DICOMApplicationContextName,
		UserInformation: pdu.UserInformation{
			MaxPduLength:              a.maxPDULength,
			ImplementationClassUID:    ImplementationClassUID,
			ImplementationVersionName: ImplementationVersionName,
		},
	}
	contextID := byte(1)
	for _, p := range proposals {
		rq.PresentationContexts = append(rq.PresentationContexts, pdu.PresentationContext{
			ContextID:        contextID,
			AbstractSyntax:   p.AbstractSyntax,
			TransferSyntaxes: p.TransferSyntaxes,
		})
		contextID += 2
	}
	return rq
}

func (a *Association) applyAssociateAC(ac *pdu.AssociateAC, proposals []Proposal) {
	byID := make(map[byte]Proposal)
	id := byte(1)
	for _, p := range proposals {
		byID[id] = p
		id += 2
	}
	a.peerMaxPDU = ac.UserInformation.MaxPduLength
	for _, pc := range ac.PresentationContexts {
		if pc.Result != pdu.ResultAcceptance || len(pc.TransferSyntaxes) == 0 {
			continue
		}
		p, ok := byID[pc.ContextID]
		if !ok {
			continue
		}
		nc := &negotiatedContext{
			contextID:      pc.ContextID,
			abstractSyntax: p.AbstractSyntax,
			transferSyntax: pc.TransferSyntaxes[0],
		}
		a.contextsByID[pc.ContextID] = nc
		a.contextsBySyntax[p.AbstractSyntax] = nc
	}
}

// ContextFor returns the negotiated context id and transfer syntax for an
// abstract syntax, or ok=false if it was not accepted.
func (a *Association) ContextFor(abstractSyntax string) (contextID byte, transferSyntax string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nc, found := a.contextsBySyntax[abstractSyntax]
	if !found {
		return 0, "", false
	}
	return nc.contextID, nc.transferSyntax, true
}

// NextMessageID returns the next Message ID to use for a new request on
// this association.
func (a *Association) NextMessageID() uint16 {
	return uint16(atomic.AddUint32(&a.messageID, 1))
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// State returns the association's current state-machine position.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsUsable reports whether the association can still carry a new
// operation (established, not mid-release/abort).
func (a *Association) IsUsable() bool {
	return a.State() == StateEstablished
}

// Touch records that the association was just used, for the pool's idle
// TTL accounting.
func (a *Association) Touch() {
	a.mu.Lock()
	a.lastUsed = time.Now()
	a.mu.Unlock()
}

// LastUsed reports when the association was last handed a request.
func (a *Association) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// CalledAET returns the peer AE title this association was opened against.
func (a *Association) CalledAET() string { return a.calledAET }

// Release performs a graceful A-RELEASE exchange, per §5's shutdown
// sequence for idle associations.
func (a *Association) Release(ctx context.Context) error {
	if a.State() != StateEstablished {
		return nil
	}
	a.setState(StateReleasing)
	if err := pdu.WriteRaw(a.conn, pdu.TypeReleaseRQ, pdu.EncodeReleaseRQ()); err != nil {
		a.abortLocal()
		return err
	}
	select {
	case <-a.releaseCh:
	case <-ctx.Done():
		a.abortLocal()
		return ctx.Err()
	}
	a.closeOnce.Do(func() { a.conn.Close() })
	a.setState(StateClosed)
	return nil
}

// Abort sends an A-ABORT and tears down the connection immediately, used
// when a protocol violation or unrecoverable I/O error occurs.
func (a *Association) Abort(reason byte) error {
	a.setState(StateAborting)
	var err error
	if a.conn != nil {
		err = pdu.WriteRaw(a.conn, pdu.TypeAbort, pdu.EncodeAbort(&pdu.Abort{Source: pdu.AbortSourceServiceUser, Reason: reason}))
	}
	a.closeOnce.Do(func() {
		if a.conn != nil {
			a.conn.Close()
		}
	})
	a.setState(StateClosed)
	return err
}

func (a *Association) abortLocal() {
	a.setState(StateBroken)
	if a.conn != nil {
		a.closeOnce.Do(func() { a.conn.Close() })
	}
}

// Close tears down the connection without a graceful release, e.g. after
// the caller has already logged the failure driving it.
func (a *Association) Close() error {
	a.closeOnce.Do(func() {
		if a.conn != nil {
			a.conn.Close()
		}
	})
	a.setState(StateClosed)
	return nil
}
