package dimse

import (
	"context"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
)

// Store issues a C-STORE-RQ for one instance (used by STOW-RS's adapter
// when it pushes an uploaded instance straight to a PACS rather than
// through the move mediator). moveOriginatorAET/MessageID are left empty when this is
// an original (non-relayed) store, per PS3.7 9.3.1.1.
func (a *Association) Store(ctx context.Context, sopClassUID, sopInstanceUID string, priority uint16, dataset []byte, moveOriginatorAET string, moveOriginatorMessageID uint16) (dimsemsg.Status, error) {
	contextID, _, ok := a.ContextFor(sopClassUID)
	if !ok {
		return 0, &UnacceptablePresentationContext{AbstractSyntax: sopClassUID}
	}

	msgID := a.NextMessageID()
	ch := a.registerPending(msgID)
	defer a.unregisterPending(msgID)

	rq := dimsemsg.CStoreRQ{
		MessageID:               msgID,
		AffectedSOPClassUID:     sopClassUID,
		AffectedSOPInstanceUID:  sopInstanceUID,
		Priority:                priority,
		MoveOriginatorAET:       moveOriginatorAET,
		MoveOriginatorMessageID: moveOriginatorMessageID,
	}
	if err := a.SendMessage(contextID, rq.CommandSet(), dataset); err != nil {
		return 0, err
	}

	select {
	case msg := <-ch:
		if msg.err != nil {
			return 0, msg.err
		}
		status, err := dimsemsg.ParseStatus(msg.command)
		if err != nil {
			return 0, err
		}
		a.Touch()
		return status, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
