package dimse

import "fmt"

// AssociationRejected is returned when the peer responds to an
// A-ASSOCIATE-RQ with an A-ASSOCIATE-RJ.
type AssociationRejected struct {
	Result byte
	Source byte
	Reason byte
}

func (e *AssociationRejected) Error() string {
	return fmt.Sprintf("association rejected: result=%d source=%d reason=%d", e.Result, e.Source, e.Reason)
}

// AssociationAborted is returned when the peer sends an A-ABORT. When the
// local side aborts after a protocol violation, pending requests receive
// the violation's own error instead; Local is not set by this package.
type AssociationAborted struct {
	Source byte
	Reason byte
	Local  bool
}

func (e *AssociationAborted) Error() string {
	who := "peer"
	if e.Local {
		who = "local"
	}
	return fmt.Sprintf("association aborted by %s: source=%d reason=%d", who, e.Source, e.Reason)
}

// UnacceptablePresentationContext is returned when no presentation context
// the caller needs was accepted during negotiation.
type UnacceptablePresentationContext struct {
	AbstractSyntax string
}

func (e *UnacceptablePresentationContext) Error() string {
	return fmt.Sprintf("no presentation context accepted for abstract syntax %s", e.AbstractSyntax)
}

// ProtocolError covers malformed PDUs, out-of-order messages, and other
// violations of the association state machine not covered by a more
// specific type.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "DIMSE protocol error: " + e.Reason }

// PoolTimeout is returned when Acquire could not obtain an association
// before the pool's configured wait timeout. If the caller's own context
// ends first, Acquire returns the context's error instead.
type PoolTimeout struct {
	AETitle string
	Waited  string
}

func (e *PoolTimeout) Error() string {
	return fmt.Sprintf("timed out waiting %s for an association to %s", e.Waited, e.AETitle)
}

// PoolClosed is returned by Acquire after the pool has been shut down.
type PoolClosed struct{}

func (e *PoolClosed) Error() string { return "association pool is closed" }
