package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Sub-item type bytes, PS3.8 9.3.2-9.3.3 and Annex D.
const (
	itemTypeApplicationContext          = 0x10
	itemTypePresentationContextRequest  = 0x20
	itemTypePresentationContextResponse = 0x21
	itemTypeAbstractSyntax              = 0x30
	itemTypeTransferSyntax              = 0x40
	itemTypeUserInformation             = 0x50
	itemTypeMaximumLength                = 0x51
	itemTypeImplementationClassUID       = 0x52
	itemTypeAsynchronousOpsWindow        = 0x53
	itemTypeImplementationVersionName    = 0x55
)

// DICOMApplicationContextName is the fixed application context proposed and
// accepted on every association, PS3.7 Annex A.
const DICOMApplicationContextName = "1.2.840.10008.3.1.1.1"

// Presentation context result codes, PS3.8 Table 9-18.
const (
	ResultAcceptance                      = 0
	ResultUserRejection                   = 1
	ResultNoReasonGiven                   = 2
	ResultAbstractSyntaxNotSupported       = 3
	ResultTransferSyntaxesNotSupported     = 4
)

// PresentationContext is the SCU-proposed or SCP-accepted form of a single
// presentation context, keyed by an odd ContextID.
type PresentationContext struct {
	ContextID          byte
	AbstractSyntax     string   // Proposals only; empty on accept responses.
	TransferSyntaxes   []string // Proposed syntaxes (request) or the one selected syntax (response, len==1).
	Result             byte     // Meaningful on response only.
}

// UserInformation carries negotiated PDU-size and implementation identity.
type UserInformation struct {
	MaxPduLength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	MaxOpsInvoked             uint16
	MaxOpsPerformed           uint16
	HasAsyncWindow            bool
}

// AssociateRQ is the decoded/encodable form of an A-ASSOCIATE-RQ payload.
type AssociateRQ struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContext
	UserInformation      UserInformation
}

// AssociateAC is the decoded/encodable form of an A-ASSOCIATE-AC payload.
type AssociateAC struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContext
	UserInformation      UserInformation
}

// RejectResult/Source/Reason, PS3.8 9.3.4.
const (
	RejectResultPermanent = 1
	RejectResultTransient = 2

	RejectSourceServiceUser                 = 1
	RejectSourceServiceProviderACSE         = 2
	RejectSourceServiceProviderPresentation = 3

	RejectReasonNoReasonGiven                       = 1
	RejectReasonApplicationContextNameNotSupported  = 2
	RejectReasonCallingAETitleNotRecognized         = 3
	RejectReasonCalledAETitleNotRecognized          = 7
)

// AssociateRJ is the decoded/encodable form of an A-ASSOCIATE-RJ payload.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// AbortSource/Reason, PS3.8 9.3.8.
const (
	AbortSourceServiceUser     = 0
	AbortSourceServiceProvider = 2
)

// Abort is the decoded/encodable form of an A-ABORT payload.
type Abort struct {
	Source byte
	Reason byte
}

func fillAET(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	for i := len(s); i < 16 && i >= 0; i++ {
		b[i] = ' '
	}
	if len(s) > 16 {
		copy(b, s[:16])
	}
	return b
}

func trimAET(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

func putItemHeader(buf *bytes.Buffer, itemType byte, length uint16) {
	buf.WriteByte(itemType)
	buf.WriteByte(0)
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], length)
	buf.Write(lb[:])
}

func putUIDItem(buf *bytes.Buffer, itemType byte, uid string) {
	putItemHeader(buf, itemType, uint16(len(uid)))
	buf.WriteString(uid)
}

// EncodeAssociateRQ renders an AssociateRQ into its PDU payload.
func EncodeAssociateRQ(rq *AssociateRQ) []byte {
	var buf bytes.Buffer
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], 1) // protocol version
	buf.Write(lb[:])
	buf.WriteByte(0)
	buf.WriteByte(0) // reserved
	buf.Write(fillAET(rq.CalledAETitle))
	buf.Write(fillAET(rq.CallingAETitle))
	buf.Write(make([]byte, 32)) // reserved

	appCtx := rq.ApplicationContext
	if appCtx == "" {
		appCtx = DICOMApplicationContextName
	}
	putUIDItem(&buf, itemTypeApplicationContext, appCtx)

	for _, pc := range rq.PresentationContexts {
		var item bytes.Buffer
		item.WriteByte(pc.ContextID)
		item.Write(make([]byte, 3)) // reserved
		putUIDItem(&item, itemTypeAbstractSyntax, pc.AbstractSyntax)
		for _, ts := range pc.TransferSyntaxes {
			putUIDItem(&item, itemTypeTransferSyntax, ts)
		}
		putItemHeader(&buf, itemTypePresentationContextRequest, uint16(item.Len()))
		buf.Write(item.Bytes())
	}

	var ui bytes.Buffer
	putItemHeader(&ui, itemTypeMaximumLength, 4)
	var mb [4]byte
	binary.BigEndian.PutUint32(mb[:], rq.UserInformation.MaxPduLength)
	ui.Write(mb[:])
	implClass := rq.UserInformation.ImplementationClassUID
	if implClass != "" {
		putUIDItem(&ui, itemTypeImplementationClassUID, implClass)
	}
	implVer := rq.UserInformation.ImplementationVersionName
	if implVer != "" {
		putUIDItem(&ui, itemTypeImplementationVersionName, implVer)
	}
	putItemHeader(&buf, itemTypeUserInformation, uint16(ui.Len()))
	buf.Write(ui.Bytes())

	return buf.Bytes()
}

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ payload.
func DecodeAssociateRQ(payload []byte) (*AssociateRQ, error) {
	r := newItemReader(payload)
	if r.remaining() < 68 {
		return nil, &MalformedPdu{Reason: "A-ASSOCIATE-RQ payload too short"}
	}
	r.skip(2) // protocol version
	r.skip(2) // reserved
	called := trimAET(r.take(16))
	calling := trimAET(r.take(16))
	r.skip(32)

	rq := &AssociateRQ{CalledAETitle: called, CallingAETitle: calling}
	pending := map[byte]*PresentationContext{}
	for r.remaining() > 0 {
		itemType, body, err := r.readItem()
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemTypeApplicationContext:
			rq.ApplicationContext = string(body)
		case itemTypePresentationContextRequest:
			pc, err := decodePresentationContextBody(body)
			if err != nil {
				return nil, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, *pc)
			pending[pc.ContextID] = &rq.PresentationContexts[len(rq.PresentationContexts)-1]
		case itemTypeUserInformation:
			ui, err := decodeUserInformationBody(body)
			if err != nil {
				return nil, err
			}
			rq.UserInformation = *ui
		default:
			// Unknown/unsupported sub-items are tolerated, per peer extensibility.
		}
	}
	return rq, nil
}

// EncodeAssociateAC renders an AssociateAC into its PDU payload.
func EncodeAssociateAC(ac *AssociateAC) []byte {
	var buf bytes.Buffer
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], 1)
	buf.Write(lb[:])
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.Write(fillAET(ac.CalledAETitle))
	buf.Write(fillAET(ac.CallingAETitle))
	buf.Write(make([]byte, 32))

	appCtx := ac.ApplicationContext
	if appCtx == "" {
		appCtx = DICOMApplicationContextName
	}
	putUIDItem(&buf, itemTypeApplicationContext, appCtx)

	for _, pc := range ac.PresentationContexts {
		var item bytes.Buffer
		item.WriteByte(pc.ContextID)
		item.WriteByte(0)
		item.WriteByte(pc.Result)
		item.WriteByte(0)
		ts := ""
		if len(pc.TransferSyntaxes) > 0 {
			ts = pc.TransferSyntaxes[0]
		}
		if ts != "" {
			putUIDItem(&item, itemTypeTransferSyntax, ts)
		}
		putItemHeader(&buf, itemTypePresentationContextResponse, uint16(item.Len()))
		buf.Write(item.Bytes())
	}

	var ui bytes.Buffer
	putItemHeader(&ui, itemTypeMaximumLength, 4)
	var mb [4]byte
	binary.BigEndian.PutUint32(mb[:], ac.UserInformation.MaxPduLength)
	ui.Write(mb[:])
	if ac.UserInformation.ImplementationClassUID != "" {
		putUIDItem(&ui, itemTypeImplementationClassUID, ac.UserInformation.ImplementationClassUID)
	}
	if ac.UserInformation.ImplementationVersionName != "" {
		putUIDItem(&ui, itemTypeImplementationVersionName, ac.UserInformation.ImplementationVersionName)
	}
	putItemHeader(&buf, itemTypeUserInformation, uint16(ui.Len()))
	buf.Write(ui.Bytes())

	return buf.Bytes()
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC payload.
func DecodeAssociateAC(payload []byte) (*AssociateAC, error) {
	r := newItemReader(payload)
	if r.remaining() < 68 {
		return nil, &MalformedPdu{Reason: "A-ASSOCIATE-AC payload too short"}
	}
	r.skip(2)
	r.skip(2)
	called := trimAET(r.take(16))
	calling := trimAET(r.take(16))
	r.skip(32)

	ac := &AssociateAC{CalledAETitle: called, CallingAETitle: calling}
	for r.remaining() > 0 {
		itemType, body, err := r.readItem()
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemTypeApplicationContext:
			ac.ApplicationContext = string(body)
		case itemTypePresentationContextResponse:
			pc, err := decodePresentationContextResponseBody(body)
			if err != nil {
				return nil, err
			}
			ac.PresentationContexts = append(ac.PresentationContexts, *pc)
		case itemTypeUserInformation:
			ui, err := decodeUserInformationBody(body)
			if err != nil {
				return nil, err
			}
			ac.UserInformation = *ui
		}
	}
	return ac, nil
}

func decodePresentationContextBody(body []byte) (*PresentationContext, error) {
	if len(body) < 4 {
		return nil, &MalformedPdu{Reason: "presentation context item too short"}
	}
	pc := &PresentationContext{ContextID: body[0]}
	if pc.ContextID%2 != 1 {
		return nil, &MalformedPdu{Reason: fmt.Sprintf("presentation context id %d not odd", pc.ContextID)}
	}
	r := newItemReader(body[4:])
	for r.remaining() > 0 {
		itemType, sub, err := r.readItem()
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemTypeAbstractSyntax:
			pc.AbstractSyntax = string(sub)
		case itemTypeTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub))
		}
	}
	return pc, nil
}

func decodePresentationContextResponseBody(body []byte) (*PresentationContext, error) {
	if len(body) < 4 {
		return nil, &MalformedPdu{Reason: "presentation context response item too short"}
	}
	pc := &PresentationContext{ContextID: body[0], Result: body[2]}
	r := newItemReader(body[4:])
	for r.remaining() > 0 {
		itemType, sub, err := r.readItem()
		if err != nil {
			return nil, err
		}
		if itemType == itemTypeTransferSyntax {
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub))
		}
	}
	return pc, nil
}

func decodeUserInformationBody(body []byte) (*UserInformation, error) {
	ui := &UserInformation{}
	r := newItemReader(body)
	for r.remaining() > 0 {
		itemType, sub, err := r.readItem()
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemTypeMaximumLength:
			if len(sub) != 4 {
				return nil, &MalformedPdu{Reason: "maximum-length item must be 4 bytes"}
			}
			ui.MaxPduLength = binary.BigEndian.Uint32(sub)
		case itemTypeImplementationClassUID:
			ui.ImplementationClassUID = string(sub)
		case itemTypeImplementationVersionName:
			ui.ImplementationVersionName = string(sub)
		case itemTypeAsynchronousOpsWindow:
			if len(sub) == 4 {
				ui.MaxOpsInvoked = binary.BigEndian.Uint16(sub[0:2])
				ui.MaxOpsPerformed = binary.BigEndian.Uint16(sub[2:4])
				ui.HasAsyncWindow = true
			}
		}
	}
	return ui, nil
}

// EncodeAssociateRJ renders an AssociateRJ into its PDU payload.
func EncodeAssociateRJ(rj *AssociateRJ) []byte {
	return []byte{0, rj.Result, rj.Source, rj.Reason}
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ payload.
func DecodeAssociateRJ(payload []byte) (*AssociateRJ, error) {
	if len(payload) != 4 {
		return nil, &MalformedPdu{Reason: "A-ASSOCIATE-RJ must be 4 bytes"}
	}
	return &AssociateRJ{Result: payload[1], Source: payload[2], Reason: payload[3]}, nil
}

// EncodeAbort renders an Abort into its PDU payload.
func EncodeAbort(a *Abort) []byte {
	return []byte{0, 0, a.Source, a.Reason}
}

// DecodeAbort parses an A-ABORT payload.
func DecodeAbort(payload []byte) (*Abort, error) {
	if len(payload) != 4 {
		return nil, &MalformedPdu{Reason: "A-ABORT must be 4 bytes"}
	}
	return &Abort{Source: payload[2], Reason: payload[3]}, nil
}

// EncodeReleaseRQ/RP: fixed 4-byte reserved payloads, PS3.8 9.3.6-9.3.7.
func EncodeReleaseRQ() []byte { return make([]byte, 4) }
func EncodeReleaseRP() []byte { return make([]byte, 4) }

// itemReader walks a flat byte slice, decoding ⟨1-byte type, 1 reserved,
// 2-byte length, length bytes⟩ sub-items.
type itemReader struct {
	buf []byte
	pos int
}

func newItemReader(buf []byte) *itemReader { return &itemReader{buf: buf} }

func (r *itemReader) remaining() int { return len(r.buf) - r.pos }

func (r *itemReader) skip(n int) { r.pos += n }

func (r *itemReader) take(n int) []byte {
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *itemReader) readItem() (itemType byte, body []byte, err error) {
	if r.remaining() < 4 {
		return 0, nil, &MalformedPdu{Reason: "truncated sub-item header"}
	}
	itemType = r.buf[r.pos]
	length := binary.BigEndian.Uint16(r.buf[r.pos+2 : r.pos+4])
	r.pos += 4
	if r.remaining() < int(length) {
		return 0, nil, &MalformedPdu{Reason: "truncated sub-item body"}
	}
	body = r.take(int(length))
	return itemType, body, nil
}
