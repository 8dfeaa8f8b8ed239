package dimse

import (
	"context"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
)

// MoveProgress is one C-MOVE-RSP's sub-operation tally, reported on every
// response, PENDING and final alike, so the caller (the move mediator, §4.6) can track
// completion independent of the C-STORE sub-operations it is correlating.
type MoveProgress struct {
	Remaining, Completed, Failed, Warning uint16
	Status                                dimsemsg.Status
}

// Move issues a C-MOVE-RQ naming moveDestination as the AE that should
// receive the resulting C-STORE sub-operations, and streams sub-operation
// progress to onProgress until the final response arrives. msgID is the
// caller-chosen Message ID (via NextMessageID); callers that correlate
// inbound C-STORE sub-operations by Move Originator Message ID (§4.6) need
// it before the request is sent, so Move does not allocate it itself.
func (a *Association) Move(ctx context.Context, msgID uint16, abstractSyntax, moveDestination string, priority uint16, queryIdentifier []byte, onProgress func(MoveProgress)) (dimsemsg.Status, error) {
	contextID, _, ok := a.ContextFor(abstractSyntax)
	if !ok {
		return 0, &UnacceptablePresentationContext{AbstractSyntax: abstractSyntax}
	}

	ch := a.registerPending(msgID)
	defer a.unregisterPending(msgID)

	rq := dimsemsg.CMoveRQ{
		MessageID:           msgID,
		AffectedSOPClassUID: abstractSyntax,
		Priority:            priority,
		MoveDestination:     moveDestination,
	}
	if err := a.SendMessage(contextID, rq.CommandSet(), queryIdentifier); err != nil {
		return 0, err
	}

	for {
		select {
		case msg := <-ch:
			if msg.err != nil {
				return 0, msg.err
			}
			status, err := dimsemsg.ParseStatus(msg.command)
			if err != nil {
				return 0, err
			}
			remaining, _ := msg.command.GetUint16(0x0000, 0x1020)
			completed, _ := msg.command.GetUint16(0x0000, 0x1021)
			failed, _ := msg.command.GetUint16(0x0000, 0x1022)
			warning, _ := msg.command.GetUint16(0x0000, 0x1023)
			if onProgress != nil {
				onProgress(MoveProgress{Remaining: remaining, Completed: completed, Failed: failed, Warning: warning, Status: status})
			}
			if status.Class() == dimsemsg.ClassPending {
				continue
			}
			a.Touch()
			return status, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// CancelMove sends a C-CANCEL-RQ for an in-flight C-MOVE identified by its
// original request's message id.
func (a *Association) CancelMove(abstractSyntax string, originalMessageID uint16) error {
	contextID, _, ok := a.ContextFor(abstractSyntax)
	if !ok {
		return &UnacceptablePresentationContext{AbstractSyntax: abstractSyntax}
	}
	cancel := dimsemsg.CCancelRQ{MessageIDBeingRespondedTo: originalMessageID}
	return a.SendMessage(contextID, cancel.CommandSet(), nil)
}
