// Package scp implements the store-SCP listener (§4.4): it accepts
// inbound associations from PACS acting as move-SCU targets, receives
// C-STORE-RQ sub-operations, and hands each instance to the move
// mediator keyed by its Move Originator AET/MessageID.
package scp

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/ris-dicom-connector/internal/mediator"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/pdu"
)

// Config configures the listener.
type Config struct {
	Addr             string
	AETitle          string   // this listener's own AE title; not compared with the peer's Called AE Title
	NotifiableAETs   []string // calling AE titles accepted; empty means accept any
	TransferSyntaxes []string // accepted transfer syntaxes, in preference order
}

// Listener accepts store-SCP associations and dispatches C-STORE-RQ
// sub-operations to a Mediator.
type Listener struct {
	cfg      Config
	mediator *mediator.Mediator
	listener net.Listener
	log      zerolog.Logger

	wg sync.WaitGroup
}

func New(cfg Config, m *mediator.Mediator) *Listener {
	return &Listener{
		cfg:      cfg,
		mediator: m,
		log:      log.With().Str("component", "scp.listener").Str("addr", cfg.Addr).Logger(),
	}
}

// Serve accepts connections until ctx is cancelled or Close is called. It
// blocks; run it in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.listener = ln

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-gctx.Done():
				l.wg.Wait()
				return nil
			default:
				return err
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveAssociation(conn)
		}()
	}
}

// Close stops accepting new associations.
func (l *Listener) Close() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) accepted(calling string) bool {
	if len(l.cfg.NotifiableAETs) == 0 {
		return true
	}
	for _, aet := range l.cfg.NotifiableAETs {
		if aet == calling {
			return true
		}
	}
	return false
}

// serveAssociation negotiates one inbound association as SCP and serves
// C-STORE-RQ/C-ECHO-RQ requests until release or abort.
func (l *Listener) serveAssociation(conn net.Conn) {
	defer conn.Close()
	alog := l.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	raw, err := pdu.ReadRaw(conn)
	if err != nil {
		alog.Warn().Err(err).Msg("failed to read A-ASSOCIATE-RQ")
		return
	}
	if raw.Type != pdu.TypeAssociateRQ {
		pdu.WriteRaw(conn, pdu.TypeAbort, pdu.EncodeAbort(&pdu.Abort{Source: pdu.AbortSourceServiceProvider}))
		return
	}
	rq, err := pdu.DecodeAssociateRQ(raw.Payload)
	if err != nil {
		pdu.WriteRaw(conn, pdu.TypeAbort, pdu.EncodeAbort(&pdu.Abort{Source: pdu.AbortSourceServiceProvider}))
		return
	}

	if !l.accepted(rq.CallingAETitle) {
		rj := &pdu.AssociateRJ{Result: pdu.RejectResultPermanent, Source: pdu.RejectSourceServiceUser, Reason: pdu.RejectReasonCallingAETitleNotRecognized}
		pdu.WriteRaw(conn, pdu.TypeAssociateRJ, pdu.EncodeAssociateRJ(rj))
		alog.Warn().Str("callingAET", rq.CallingAETitle).Msg("rejected association: calling AET not notifiable")
		return
	}

	ac, contexts := l.buildAssociateAC(rq)
	if err := pdu.WriteRaw(conn, pdu.TypeAssociateAC, pdu.EncodeAssociateAC(ac)); err != nil {
		return
	}
	alog.Debug().Int("contexts", len(contexts)).Msg("store-SCP association established")

	l.serveLoop(conn, contexts, alog)
}

type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

func (l *Listener) buildAssociateAC(rq *pdu.AssociateRQ) (*pdu.AssociateAC, map[byte]acceptedContext) {
	accepted := make(map[byte]acceptedContext)
	ac := &pdu.AssociateAC{
		CalledAETitle:      rq.CalledAETitle,
		CallingAETitle:     rq.CallingAETitle,
		ApplicationContext: pdu.DICOMApplicationContextName,
		UserInformation: pdu.UserInformation{
			MaxPduLength:              16384,
			ImplementationClassUID:    "1.2.826.0.1.3680043.10.1287",
			ImplementationVersionName: "RISDICOMGW_1",
		},
	}
	for _, pc := range rq.PresentationContexts {
		chosen := ""
		for _, proposed := range pc.TransferSyntaxes {
			for _, accept := range l.cfg.TransferSyntaxes {
				if proposed == accept {
					chosen = proposed
					break
				}
			}
			if chosen != "" {
				break
			}
		}
		if chosen == "" {
			ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContext{ContextID: pc.ContextID, Result: pdu.ResultTransferSyntaxesNotSupported})
			continue
		}
		ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContext{
			ContextID:        pc.ContextID,
			Result:           pdu.ResultAcceptance,
			TransferSyntaxes: []string{chosen},
		})
		accepted[pc.ContextID] = acceptedContext{abstractSyntax: pc.AbstractSyntax, transferSyntax: chosen}
	}
	return ac, accepted
}

// serveLoop reads P-DATA-TF fragments, reassembles whole DIMSE messages
// per context, and dispatches C-STORE-RQ/C-ECHO-RQ.
func (l *Listener) serveLoop(conn net.Conn, contexts map[byte]acceptedContext, alog zerolog.Logger) {
	reassembly := make(map[byte]*reassemblyState)
	for {
		raw, err := pdu.ReadRaw(conn)
		if err != nil {
			return
		}
		switch raw.Type {
		case pdu.TypeDataTF:
			pdvs, err := pdu.DecodePDataTF(raw.Payload)
			if err != nil {
				pdu.WriteRaw(conn, pdu.TypeAbort, pdu.EncodeAbort(&pdu.Abort{Source: pdu.AbortSourceServiceProvider}))
				return
			}
			for _, pdv := range pdvs {
				msg, done := feed(reassembly, pdv)
				if !done {
					continue
				}
				ctx, ok := contexts[pdv.ContextID]
				if !ok {
					continue
				}
				l.handleMessage(conn, pdv.ContextID, ctx, msg, alog)
			}
		case pdu.TypeReleaseRQ:
			pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP())
			return
		case pdu.TypeAbort:
			return
		default:
			pdu.WriteRaw(conn, pdu.TypeAbort, pdu.EncodeAbort(&pdu.Abort{Source: pdu.AbortSourceServiceProvider}))
			return
		}
	}
}

type dimseMessage struct {
	command *dimsemsg.CommandSet
	dataset []byte
}

type reassemblyState struct {
	inDataset bool
	buf       []byte
	command   *dimsemsg.CommandSet
}

func feed(state map[byte]*reassemblyState, pdv pdu.PresentationDataValue) (dimseMessage, bool) {
	st, ok := state[pdv.ContextID]
	if !ok {
		st = &reassemblyState{}
		state[pdv.ContextID] = st
	}
	if pdv.Command {
		st.buf = append(st.buf, pdv.Value...)
		if !pdv.Last {
			return dimseMessage{}, false
		}
		cmd, err := dimsemsg.Decode(st.buf)
		st.buf = nil
		if err != nil {
			return dimseMessage{}, false
		}
		st.command = cmd
		if dimsemsg.HasDataSet(cmd) {
			st.inDataset = true
			return dimseMessage{}, false
		}
		return dimseMessage{command: cmd}, true
	}
	st.buf = append(st.buf, pdv.Value...)
	if !pdv.Last {
		return dimseMessage{}, false
	}
	msg := dimseMessage{command: st.command, dataset: st.buf}
	st.buf, st.command, st.inDataset = nil, nil, false
	return msg, true
}

func (l *Listener) handleMessage(conn net.Conn, contextID byte, ctx acceptedContext, msg dimseMessage, alog zerolog.Logger) {
	field, _ := msg.command.CommandField()
	switch field {
	case dimsemsg.CommandCEchoRQ:
		msgID, _ := msg.command.GetUint16(0x0000, 0x0110)
		rsp := dimsemsg.CEchoRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: ctx.abstractSyntax, Status: dimsemsg.StatusSuccess}
		sendResponse(conn, contextID, rsp.CommandSet())
	case dimsemsg.CommandCStoreRQ:
		l.handleCStore(conn, contextID, ctx, msg, alog)
	default:
		alog.Warn().Uint16("commandField", field).Msg("store-SCP received unsupported command")
	}
}

func (l *Listener) handleCStore(conn net.Conn, contextID byte, ctx acceptedContext, msg dimseMessage, alog zerolog.Logger) {
	msgID, _ := msg.command.GetUint16(0x0000, 0x0110)
	sopInstanceUID, _ := msg.command.GetString(0x0000, 0x1000)
	originatorAET, _ := msg.command.GetString(0x0000, 0x1030)
	originatorMsgID, _ := msg.command.GetUint16(0x0000, 0x1031)

	correlator := mediator.Correlator{MoveOriginatorAET: originatorAET, MoveOriginatorMessageID: originatorMsgID}
	file := mediator.ReceivedFile{
		SOPClassUID:    ctx.abstractSyntax,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: ctx.transferSyntax,
		Data:           msg.dataset,
	}
	routed := l.mediator.Publish(correlator, file)
	if !routed {
		routed = l.mediator.PublishFallback(file)
		if routed {
			alog.Warn().Str("sopInstanceUID", sopInstanceUID).Str("moveOriginatorAET", originatorAET).Msg("no subscription matched by correlator, routed via sequential fallback")
		}
	}

	status := dimsemsg.StatusSuccess
	if !routed {
		alog.Warn().Str("sopInstanceUID", sopInstanceUID).Str("moveOriginatorAET", originatorAET).Msg("no subscription matched inbound C-STORE, rejecting with out-of-resources")
		status = dimsemsg.StatusOutOfResources
	}

	rsp := dimsemsg.CStoreRSP{
		MessageIDBeingRespondedTo: msgID,
		AffectedSOPClassUID:       ctx.abstractSyntax,
		AffectedSOPInstanceUID:    sopInstanceUID,
		Status:                    status,
	}
	sendResponse(conn, contextID, rsp.CommandSet())
}

func sendResponse(conn net.Conn, contextID byte, cmd *dimsemsg.CommandSet) {
	b, err := cmd.Encode()
	if err != nil {
		return
	}
	pdv := pdu.PresentationDataValue{ContextID: contextID, Command: true, Last: true, Value: b}
	pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{pdv}))
}
