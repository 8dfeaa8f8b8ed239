package dimse

import (
	"context"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
)

// FindResult is one matching identifier returned by a C-FIND operation, in
// the association's negotiated transfer syntax for the query's abstract
// syntax. internal/adapters is responsible for decoding these into
// DICOMweb JSON (§4.7); this layer only speaks DIMSE.
type FindResult struct {
	Identifier []byte
}

// Find issues a C-FIND-RQ carrying queryIdentifier and collects PENDING
// responses until the final response arrives. If limit > 0 and that many
// matches have already been collected, a C-CANCEL-RQ is sent and the
// gateway keeps draining until the SCP's final (post-cancel) response,
// per invariant 3 (§8) / scenario S1.
func (a *Association) Find(ctx context.Context, abstractSyntax string, priority uint16, queryIdentifier []byte, limit int) ([]FindResult, dimsemsg.Status, error) {
	contextID, _, ok := a.ContextFor(abstractSyntax)
	if !ok {
		return nil, 0, &UnacceptablePresentationContext{AbstractSyntax: abstractSyntax}
	}

	msgID := a.NextMessageID()
	ch := a.registerPending(msgID)
	defer a.unregisterPending(msgID)

	rq := dimsemsg.CFindRQ{MessageID: msgID, AffectedSOPClassUID: abstractSyntax, Priority: priority}
	if err := a.SendMessage(contextID, rq.CommandSet(), queryIdentifier); err != nil {
		return nil, 0, err
	}

	var results []FindResult
	cancelled := false
	for {
		select {
		case msg := <-ch:
			if msg.err != nil {
				return results, 0, msg.err
			}
			status, err := dimsemsg.ParseStatus(msg.command)
			if err != nil {
				return results, 0, err
			}
			if status.Class() == dimsemsg.ClassPending {
				if cancelled {
					continue // drained after C-CANCEL-RQ, not returned
				}
				results = append(results, FindResult{Identifier: msg.dataset})
				if limit > 0 && len(results) >= limit {
					cancelled = true
					cancel := dimsemsg.CCancelRQ{MessageIDBeingRespondedTo: msgID}
					if err := a.SendMessage(contextID, cancel.CommandSet(), nil); err != nil {
						return results, status, err
					}
					a.log.Debug().Int("limit", limit).Msg("C-FIND limit reached, sent C-CANCEL-RQ")
				}
				continue
			}
			a.Touch()
			return results, status, nil
		case <-ctx.Done():
			return results, 0, ctx.Err()
		}
	}
}
