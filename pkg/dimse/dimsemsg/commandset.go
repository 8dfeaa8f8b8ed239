package dimsemsg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CommandSet is the ⟨tag, value⟩ sequence that makes up a DIMSE command,
// PS3.7 6.3. Command sets are always encoded Implicit VR Little Endian
// regardless of the presentation context's negotiated transfer syntax
// (PS3.7 6.3.1), so this package hand-rolls that one fixed encoding rather
// than going through a general DICOM codec.
type CommandSet struct {
	elements map[uint32]any
	order    []uint32
}

func NewCommandSet() *CommandSet {
	return &CommandSet{elements: make(map[uint32]any)}
}

func tagKey(group, element uint16) uint32 {
	return uint32(group)<<16 | uint32(element)
}

func (c *CommandSet) setRaw(group, element uint16, v any) {
	k := tagKey(group, element)
	if _, ok := c.elements[k]; !ok {
		c.order = append(c.order, k)
	}
	c.elements[k] = v
}

func (c *CommandSet) PutUint16(group, element uint16, v uint16) { c.setRaw(group, element, v) }
func (c *CommandSet) PutUint32(group, element uint16, v uint32) { c.setRaw(group, element, v) }
func (c *CommandSet) PutString(group, element uint16, v string) { c.setRaw(group, element, v) }

func (c *CommandSet) GetUint16(group, element uint16) (uint16, bool) {
	v, ok := c.elements[tagKey(group, element)]
	if !ok {
		return 0, false
	}
	u, ok := v.(uint16)
	return u, ok
}

func (c *CommandSet) GetUint32(group, element uint16) (uint32, bool) {
	v, ok := c.elements[tagKey(group, element)]
	if !ok {
		return 0, false
	}
	u, ok := v.(uint32)
	return u, ok
}

func (c *CommandSet) GetString(group, element uint16) (string, bool) {
	v, ok := c.elements[tagKey(group, element)]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Well-known command-set tags, PS3.7 E.1.
const (
	groupCommand uint16 = 0x0000
)

const (
	elemCommandGroupLength           uint16 = 0x0000
	elemAffectedSOPClassUID          uint16 = 0x0002
	elemCommandField                 uint16 = 0x0100
	elemMessageID                    uint16 = 0x0110
	elemMessageIDBeingRespondedTo    uint16 = 0x0120
	elemPriority                     uint16 = 0x0700
	elemCommandDataSetType           uint16 = 0x0800
	elemStatus                       uint16 = 0x0900
	elemAffectedSOPInstanceUID       uint16 = 0x1000
	elemMoveDestination              uint16 = 0x0600
	elemMoveOriginatorAET            uint16 = 0x1030
	elemMoveOriginatorMessageID      uint16 = 0x1031
	elemNumberOfRemainingSuboperations uint16 = 0x1020
	elemNumberOfCompletedSuboperations uint16 = 0x1021
	elemNumberOfFailedSuboperations    uint16 = 0x1022
	elemNumberOfWarningSuboperations   uint16 = 0x1023
	elemErrorComment                 uint16 = 0x0902
)

// Implicit-VR-LE element encoding: ⟨group uint16, element uint16, length
// uint32, value⟩. VRs are not carried on the wire (dictionary-implied) but
// we still need to know each tag's shape to choose a fixed-length numeric
// field vs. a padded string field.
func isUSorUL(element uint16) bool {
	switch element {
	case elemCommandField, elemMessageID, elemMessageIDBeingRespondedTo,
		elemPriority, elemCommandDataSetType, elemStatus, elemMoveOriginatorMessageID,
		elemNumberOfRemainingSuboperations, elemNumberOfCompletedSuboperations,
		elemNumberOfFailedSuboperations, elemNumberOfWarningSuboperations,
		elemCommandGroupLength:
		return true
	default:
		return false
	}
}

// Encode renders the command set as Implicit VR Little Endian bytes. Any
// stored (0000,0000) group length element is skipped; Encode computes the
// group length over the remaining elements and prepends it (PS3.7 6.3.1).
func (c *CommandSet) Encode() ([]byte, error) {
	var body bytes.Buffer
	for _, k := range c.order {
		group := uint16(k >> 16)
		element := uint16(k & 0xFFFF)
		if group == groupCommand && element == elemCommandGroupLength {
			continue
		}
		if err := encodeElement(&body, group, element, c.elements[k]); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := encodeElement(&out, groupCommand, elemCommandGroupLength, uint32(body.Len())); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func encodeElement(buf *bytes.Buffer, group, element uint16, v any) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], group)
	binary.LittleEndian.PutUint16(hdr[2:4], element)

	var value []byte
	switch t := v.(type) {
	case uint16:
		value = make([]byte, 2)
		binary.LittleEndian.PutUint16(value, t)
	case uint32:
		value = make([]byte, 4)
		binary.LittleEndian.PutUint32(value, t)
	case string:
		value = []byte(t)
		if len(value)%2 != 0 {
			value = append(value, 0)
		}
	default:
		return fmt.Errorf("dimsemsg: unsupported command element value type %T", v)
	}
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
	return nil
}

// Decode parses an Implicit VR Little Endian command set, as produced by
// Encode (no VR bytes on the wire; numeric vs. string shape is inferred
// from the tag dictionary above).
func Decode(b []byte) (*CommandSet, error) {
	c := NewCommandSet()
	pos := 0
	for pos < len(b) {
		if len(b)-pos < 8 {
			return nil, fmt.Errorf("dimsemsg: truncated command element header")
		}
		group := binary.LittleEndian.Uint16(b[pos : pos+2])
		element := binary.LittleEndian.Uint16(b[pos+2 : pos+4])
		length := binary.LittleEndian.Uint32(b[pos+4 : pos+8])
		pos += 8
		if uint32(len(b)-pos) < length {
			return nil, fmt.Errorf("dimsemsg: truncated command element value")
		}
		value := b[pos : pos+int(length)]
		pos += int(length)

		if group == groupCommand && element == elemCommandGroupLength {
			continue
		}
		if isUSorUL(element) {
			switch len(value) {
			case 2:
				c.PutUint16(group, element, binary.LittleEndian.Uint16(value))
			case 4:
				c.PutUint32(group, element, binary.LittleEndian.Uint32(value))
			default:
				return nil, fmt.Errorf("dimsemsg: unexpected numeric element length %d", len(value))
			}
		} else {
			c.PutString(group, element, string(bytes.TrimRight(value, "\x00")))
		}
	}
	return c, nil
}

// CommandField returns the command field of a decoded command set.
func (c *CommandSet) CommandField() (uint16, bool) { return c.GetUint16(groupCommand, elemCommandField) }
