package pdu

import "encoding/binary"

// PresentationDataValue is one fragment of a P-DATA-TF PDU. Command and Last
// are the low two bits of the control byte, PS3.8 9.3.5.1.
type PresentationDataValue struct {
	ContextID byte
	Command   bool
	Last      bool
	Value     []byte
}

// EncodePDataTF renders a set of PDVs into a P-DATA-TF payload.
func EncodePDataTF(items []PresentationDataValue) []byte {
	var out []byte
	for _, it := range items {
		length := uint32(len(it.Value) + 2) // context id + control byte + value
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], length)
		out = append(out, lb[:]...)
		out = append(out, it.ContextID)
		var ctrl byte
		if it.Command {
			ctrl |= 0x01
		}
		if it.Last {
			ctrl |= 0x02
		}
		out = append(out, ctrl)
		out = append(out, it.Value...)
	}
	return out
}

// DecodePDataTF parses a P-DATA-TF payload into its PDV fragments.
func DecodePDataTF(payload []byte) ([]PresentationDataValue, error) {
	var items []PresentationDataValue
	pos := 0
	for pos < len(payload) {
		if len(payload)-pos < 6 {
			return nil, &MalformedPdu{Reason: "truncated PDV item header"}
		}
		length := binary.BigEndian.Uint32(payload[pos : pos+4])
		pos += 4
		if length < 2 {
			return nil, &MalformedPdu{Reason: "PDV item length must cover context id and control byte"}
		}
		if uint32(len(payload)-pos) < length {
			return nil, &MalformedPdu{Reason: "truncated PDV item body"}
		}
		contextID := payload[pos]
		ctrl := payload[pos+1]
		value := payload[pos+2 : pos+int(length)]
		items = append(items, PresentationDataValue{
			ContextID: contextID,
			Command:   ctrl&0x01 != 0,
			Last:      ctrl&0x02 != 0,
			Value:     value,
		})
		pos += int(length)
	}
	return items, nil
}
