package dimse

import (
	"errors"
	"io"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/pdu"
)

// incomingMessage is one fully reassembled DIMSE message: a decoded
// command set plus its optional accompanying data set, surfaced as a unit
// per §4.1 ("surfaces whole DIMSE messages, never partial fragments").
type incomingMessage struct {
	contextID byte
	command   *dimsemsg.CommandSet
	dataset   []byte
	err       error
}

type reassemblyPhase int

const (
	phaseNone reassemblyPhase = iota
	phaseCommand
	phaseDataset
)

// contextReassembly accumulates P-DATA-TF fragments for one presentation
// context. A command set must fully complete (Last fragment) before any
// dataset fragment for the same context is accepted; a command fragment
// arriving while a dataset is still in progress is a protocol violation
// (§4.1 invariant: never interleave message-ids on one context before the
// last fragment).
type contextReassembly struct {
	phase   reassemblyPhase
	buf     []byte
	command *dimsemsg.CommandSet
}

// registerPending allocates a channel that will receive every response
// carrying MessageIDBeingRespondedTo == messageID (one for C-ECHO/C-STORE,
// possibly many for C-FIND/C-MOVE PENDING responses).
func (a *Association) registerPending(messageID uint16) chan incomingMessage {
	ch := make(chan incomingMessage, 4)
	a.pendingMu.Lock()
	a.pending[messageID] = ch
	a.pendingMu.Unlock()
	return ch
}

func (a *Association) unregisterPending(messageID uint16) {
	a.pendingMu.Lock()
	delete(a.pending, messageID)
	a.pendingMu.Unlock()
}

func (a *Association) deliver(msg incomingMessage) {
	if msg.command == nil {
		return
	}
	msgID, _ := msg.command.GetUint16(0x0000, 0x0120) // MessageIDBeingRespondedTo
	a.pendingMu.Lock()
	ch, ok := a.pending[msgID]
	a.pendingMu.Unlock()
	if !ok {
		a.log.Warn().Uint16("messageIDBeingRespondedTo", msgID).Msg("dropping unsolicited DIMSE response")
		return
	}
	select {
	case ch <- msg:
	default:
		a.log.Warn().Uint16("messageIDBeingRespondedTo", msgID).Msg("pending channel full, dropping response")
	}
}

func (a *Association) failPending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pending {
		select {
		case ch <- incomingMessage{err: err}:
		default:
		}
		delete(a.pending, id)
	}
}

// readLoop owns the connection's read side for the lifetime of the
// association: it frames PDUs, reassembles P-DATA-TF into whole DIMSE
// messages per context, and handles A-RELEASE-RP/A-ABORT.
func (a *Association) readLoop() {
	reassembly := make(map[byte]*contextReassembly)
	for {
		raw, err := pdu.ReadRaw(a.conn)
		if err != nil {
			if a.State() == StateClosed || a.State() == StateReleasing {
				return
			}
			if errors.Is(err, io.EOF) {
				a.setState(StateBroken)
				a.failPending(&AssociationAborted{Reason: 0})
				return
			}
			a.log.Error().Err(err).Msg("read loop error, marking association broken")
			a.setState(StateBroken)
			a.failPending(err)
			return
		}

		switch raw.Type {
		case pdu.TypeDataTF:
			pdvs, err := pdu.DecodePDataTF(raw.Payload)
			if err != nil {
				a.failPending(err)
				a.Abort(pdu.RejectReasonNoReasonGiven)
				return
			}
			for _, pdv := range pdvs {
				msg, done, rerr := a.feed(reassembly, pdv)
				if rerr != nil {
					a.failPending(rerr)
					a.Abort(pdu.RejectReasonNoReasonGiven)
					return
				}
				if done {
					a.deliver(msg)
				}
			}
		case pdu.TypeReleaseRQ:
			// Peer-initiated release: acknowledge and close, PS3.8 9.3.7.
			pdu.WriteRaw(a.conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP())
			a.setState(StateClosed)
			a.conn.Close()
			return
		case pdu.TypeReleaseRP:
			close(a.releaseCh)
			return
		case pdu.TypeAbort:
			ab, _ := pdu.DecodeAbort(raw.Payload)
			a.setState(StateBroken)
			if ab != nil {
				a.failPending(&AssociationAborted{Source: ab.Source, Reason: ab.Reason})
			} else {
				a.failPending(&AssociationAborted{})
			}
			a.conn.Close()
			return
		default:
			a.failPending(&ProtocolError{Reason: "unexpected PDU type on established association"})
			a.Abort(pdu.RejectReasonNoReasonGiven)
			return
		}
	}
}

// feed folds one PDV fragment into its context's reassembly state. It
// returns a completed message when the command (and, if signalled, its
// data set) has fully arrived.
func (a *Association) feed(state map[byte]*contextReassembly, pdv pdu.PresentationDataValue) (incomingMessage, bool, error) {
	cr, ok := state[pdv.ContextID]
	if !ok {
		cr = &contextReassembly{}
		state[pdv.ContextID] = cr
	}

	if pdv.Command {
		if cr.phase == phaseDataset {
			return incomingMessage{}, false, &ProtocolError{Reason: "command fragment arrived while a data set reassembly was in progress on the same context"}
		}
		cr.phase = phaseCommand
		cr.buf = append(cr.buf, pdv.Value...)
		if !pdv.Last {
			return incomingMessage{}, false, nil
		}
		cmd, err := dimsemsg.Decode(cr.buf)
		if err != nil {
			return incomingMessage{}, false, err
		}
		cr.command = cmd
		cr.buf = nil
		if dimsemsg.HasDataSet(cmd) {
			cr.phase = phaseDataset
			return incomingMessage{}, false, nil
		}
		cr.phase = phaseNone
		return incomingMessage{contextID: pdv.ContextID, command: cmd}, true, nil
	}

	// Data set fragment.
	if cr.phase != phaseDataset {
		return incomingMessage{}, false, &ProtocolError{Reason: "data set fragment arrived with no command in progress on the same context"}
	}
	cr.buf = append(cr.buf, pdv.Value...)
	if !pdv.Last {
		return incomingMessage{}, false, nil
	}
	msg := incomingMessage{contextID: pdv.ContextID, command: cr.command, dataset: cr.buf}
	cr.buf = nil
	cr.command = nil
	cr.phase = phaseNone
	return msg, true, nil
}

// maxFragmentSize is the largest value payload this association will pack
// into a single PDV, leaving room for the 6-byte PDU header and the PDV's
// own context-id/control-byte/length overhead within the peer's declared
// maximum PDU length.
func (a *Association) maxFragmentSize() int {
	max := a.peerMaxPDU
	if max == 0 {
		max = 16384
	}
	if max < 256 {
		max = 256
	}
	return int(max) - 6 - 6
}

func splitFragments(value []byte, maxSize int) [][]byte {
	if len(value) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(value) > 0 {
		n := len(value)
		if n > maxSize {
			n = maxSize
		}
		out = append(out, value[:n])
		value = value[n:]
	}
	return out
}

// SendMessage writes a command set (and optional accompanying data set) as
// one or more P-DATA-TF PDUs on the given context, fragmenting each to the
// peer's negotiated maximum PDU length.
func (a *Association) SendMessage(contextID byte, command *dimsemsg.CommandSet, dataset []byte) error {
	cmdBytes, err := command.Encode()
	if err != nil {
		return err
	}
	maxSize := a.maxFragmentSize()

	var pdvs []pdu.PresentationDataValue
	cmdFragments := splitFragments(cmdBytes, maxSize)
	for i, f := range cmdFragments {
		pdvs = append(pdvs, pdu.PresentationDataValue{
			ContextID: contextID,
			Command:   true,
			Last:      i == len(cmdFragments)-1 && len(dataset) == 0,
			Value:     f,
		})
	}
	if len(dataset) > 0 {
		dsFragments := splitFragments(dataset, maxSize)
		for i, f := range dsFragments {
			pdvs = append(pdvs, pdu.PresentationDataValue{
				ContextID: contextID,
				Command:   false,
				Last:      i == len(dsFragments)-1,
				Value:     f,
			})
		}
	}

	// Pack fragments into as few P-DATA-TF PDUs as fit the peer's maximum
	// PDU length; each PDV item costs its value plus 6 bytes of overhead.
	limit := maxSize + 6
	var batch []pdu.PresentationDataValue
	batchLen := 0
	for _, p := range pdvs {
		n := len(p.Value) + 6
		if len(batch) > 0 && batchLen+n > limit {
			if err := pdu.WriteRaw(a.conn, pdu.TypeDataTF, pdu.EncodePDataTF(batch)); err != nil {
				return err
			}
			batch, batchLen = nil, 0
		}
		batch = append(batch, p)
		batchLen += n
	}
	return pdu.WriteRaw(a.conn, pdu.TypeDataTF, pdu.EncodePDataTF(batch))
}
