// Package pdu frames and parses DICOM upper-layer Protocol Data Units on a
// TCP byte stream, per PS3.8.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type identifies the kind of upper-layer PDU.
type Type byte

const (
	TypeAssociateRQ Type = 0x01
	TypeAssociateAC Type = 0x02
	TypeAssociateRJ Type = 0x03
	TypeDataTF      Type = 0x04
	TypeReleaseRQ   Type = 0x05
	TypeReleaseRP   Type = 0x06
	TypeAbort       Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypeAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case TypeAssociateAC:
		return "A-ASSOCIATE-AC"
	case TypeAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case TypeDataTF:
		return "P-DATA-TF"
	case TypeReleaseRQ:
		return "A-RELEASE-RQ"
	case TypeReleaseRP:
		return "A-RELEASE-RP"
	case TypeAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("PDU(0x%02x)", byte(t))
	}
}

// MalformedPdu is returned when length fields in a PDU disagree with the
// bytes actually present.
type MalformedPdu struct {
	Reason string
}

func (e *MalformedPdu) Error() string { return "malformed PDU: " + e.Reason }

// UnsupportedPduType is returned for a PDU type byte the codec doesn't know.
type UnsupportedPduType struct {
	Type Type
}

func (e *UnsupportedPduType) Error() string {
	return fmt.Sprintf("unsupported PDU type: 0x%02x", byte(e.Type))
}

// Truncated is returned when the stream ends before a full PDU is read.
type Truncated struct {
	Wanted int
	Got    int
}

func (e *Truncated) Error() string {
	return fmt.Sprintf("truncated PDU: wanted %d bytes, read %d", e.Wanted, e.Got)
}

// MaxPduLength bounds the length field to guard against a peer advertising
// an unreasonable payload size.
const MaxPduLength = 128 * 1024 * 1024

// Raw is a decoded PDU: its type and its payload, exactly as framed on the
// wire (6-byte header stripped). Higher layers (Items, P-DATA-TF value
// parsing) decode Payload further.
type Raw struct {
	Type    Type
	Payload []byte
}

// ReadRaw reads one PDU header+payload from r.
func ReadRaw(r io.Reader) (*Raw, error) {
	header := make([]byte, 6)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &Truncated{Wanted: 6, Got: n}
		}
		return nil, err
	}
	pduType := Type(header[0])
	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxPduLength {
		return nil, &MalformedPdu{Reason: fmt.Sprintf("length %d exceeds max %d", length, MaxPduLength)}
	}
	payload := make([]byte, length)
	if length > 0 {
		if n, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, &Truncated{Wanted: int(length), Got: n}
			}
			return nil, err
		}
	}
	switch pduType {
	case TypeAssociateRQ, TypeAssociateAC, TypeAssociateRJ, TypeDataTF, TypeReleaseRQ, TypeReleaseRP, TypeAbort:
	default:
		return nil, &UnsupportedPduType{Type: pduType}
	}
	return &Raw{Type: pduType, Payload: payload}, nil
}

// WriteRaw frames and writes a PDU to w.
func WriteRaw(w io.Writer, t Type, payload []byte) error {
	if len(payload) > MaxPduLength {
		return &MalformedPdu{Reason: fmt.Sprintf("payload %d exceeds max %d", len(payload), MaxPduLength)}
	}
	header := make([]byte, 6)
	header[0] = byte(t)
	header[1] = 0
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
