package dimse

import (
	"context"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
)

// Echo performs a C-ECHO exchange (PS3.7 9.3.5) over an established
// association's Verification presentation context. It backs both the SCU
// health-check operation (§13 supplemented feature) and gateway-ctl's
// "echo" subcommand.
func (a *Association) Echo(ctx context.Context) error {
	contextID, _, ok := a.ContextFor(VerificationSOPClass)
	if !ok {
		return &UnacceptablePresentationContext{AbstractSyntax: VerificationSOPClass}
	}

	msgID := a.NextMessageID()
	ch := a.registerPending(msgID)
	defer a.unregisterPending(msgID)

	rq := dimsemsg.CEchoRQ{MessageID: msgID, AffectedSOPClassUID: VerificationSOPClass}
	if err := a.SendMessage(contextID, rq.CommandSet(), nil); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		if msg.err != nil {
			return msg.err
		}
		status, err := dimsemsg.ParseStatus(msg.command)
		if err != nil {
			return err
		}
		if status.Class() != dimsemsg.ClassSuccess {
			return &ProtocolError{Reason: "C-ECHO-RSP returned non-success status " + status.String()}
		}
		a.Touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
