package dimsemsg

import "fmt"

// CEchoRQ is a C-ECHO-RQ command, PS3.7 9.3.5.
type CEchoRQ struct {
	MessageID         uint16
	AffectedSOPClassUID string
}

func (m CEchoRQ) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCEchoRQ)
	c.PutUint16(groupCommand, elemMessageID, m.MessageID)
	c.PutUint16(groupCommand, elemCommandDataSetType, DataSetTypeNull)
	return c
}

// CEchoRSP is a C-ECHO-RSP command, PS3.7 9.3.5.
type CEchoRSP struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	Status                    Status
}

func (m CEchoRSP) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCEchoRSP)
	c.PutUint16(groupCommand, elemMessageIDBeingRespondedTo, m.MessageIDBeingRespondedTo)
	c.PutUint16(groupCommand, elemCommandDataSetType, DataSetTypeNull)
	c.PutUint16(groupCommand, elemStatus, uint16(m.Status))
	return c
}

// CFindRQ is a C-FIND-RQ command. The accompanying identifier data set
// (query keys) travels as a separate, non-command PDV.
type CFindRQ struct {
	MessageID           uint16
	AffectedSOPClassUID string
	Priority            uint16
}

func (m CFindRQ) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCFindRQ)
	c.PutUint16(groupCommand, elemMessageID, m.MessageID)
	c.PutUint16(groupCommand, elemPriority, m.Priority)
	c.PutUint16(groupCommand, elemCommandDataSetType, 1) // non-null: identifier follows
	return c
}

// CFindRSP is a C-FIND-RSP command. A non-null CommandDataSetType means a
// matching identifier accompanies this response (true for every PENDING
// response, absent on the final SUCCESS/FAILURE response).
type CFindRSP struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	Status                    Status
	HasIdentifier             bool
}

func (m CFindRSP) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCFindRSP)
	c.PutUint16(groupCommand, elemMessageIDBeingRespondedTo, m.MessageIDBeingRespondedTo)
	if m.HasIdentifier {
		c.PutUint16(groupCommand, elemCommandDataSetType, 1)
	} else {
		c.PutUint16(groupCommand, elemCommandDataSetType, DataSetTypeNull)
	}
	c.PutUint16(groupCommand, elemStatus, uint16(m.Status))
	return c
}

// CMoveRQ is a C-MOVE-RQ command, carrying the destination AE that the
// resulting C-STORE sub-operations should target.
type CMoveRQ struct {
	MessageID           uint16
	AffectedSOPClassUID string
	Priority            uint16
	MoveDestination     string
}

func (m CMoveRQ) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCMoveRQ)
	c.PutUint16(groupCommand, elemMessageID, m.MessageID)
	c.PutUint16(groupCommand, elemPriority, m.Priority)
	c.PutString(groupCommand, elemMoveDestination, m.MoveDestination)
	c.PutUint16(groupCommand, elemCommandDataSetType, 1)
	return c
}

// CMoveRSP is a C-MOVE-RSP command, tracking sub-operation progress.
type CMoveRSP struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	Status                    Status
	Remaining, Completed, Failed, Warning uint16
}

func (m CMoveRSP) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCMoveRSP)
	c.PutUint16(groupCommand, elemMessageIDBeingRespondedTo, m.MessageIDBeingRespondedTo)
	c.PutUint16(groupCommand, elemCommandDataSetType, DataSetTypeNull)
	c.PutUint16(groupCommand, elemStatus, uint16(m.Status))
	c.PutUint16(groupCommand, elemNumberOfRemainingSuboperations, m.Remaining)
	c.PutUint16(groupCommand, elemNumberOfCompletedSuboperations, m.Completed)
	c.PutUint16(groupCommand, elemNumberOfFailedSuboperations, m.Failed)
	c.PutUint16(groupCommand, elemNumberOfWarningSuboperations, m.Warning)
	return c
}

// CStoreRQ is a C-STORE-RQ command; the data set is the instance itself.
type CStoreRQ struct {
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	MoveOriginatorAET         string
	MoveOriginatorMessageID   uint16
}

func (m CStoreRQ) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCStoreRQ)
	c.PutUint16(groupCommand, elemMessageID, m.MessageID)
	c.PutUint16(groupCommand, elemPriority, m.Priority)
	c.PutUint16(groupCommand, elemCommandDataSetType, 1)
	c.PutString(groupCommand, elemAffectedSOPInstanceUID, m.AffectedSOPInstanceUID)
	if m.MoveOriginatorAET != "" {
		c.PutString(groupCommand, elemMoveOriginatorAET, m.MoveOriginatorAET)
		c.PutUint16(groupCommand, elemMoveOriginatorMessageID, m.MoveOriginatorMessageID)
	}
	return c
}

// CStoreRSP is a C-STORE-RSP command.
type CStoreRSP struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    Status
}

func (m CStoreRSP) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutString(groupCommand, elemAffectedSOPClassUID, m.AffectedSOPClassUID)
	c.PutUint16(groupCommand, elemCommandField, CommandCStoreRSP)
	c.PutUint16(groupCommand, elemMessageIDBeingRespondedTo, m.MessageIDBeingRespondedTo)
	c.PutUint16(groupCommand, elemCommandDataSetType, DataSetTypeNull)
	c.PutString(groupCommand, elemAffectedSOPInstanceUID, m.AffectedSOPInstanceUID)
	c.PutUint16(groupCommand, elemStatus, uint16(m.Status))
	return c
}

// CCancelRQ cancels an outstanding C-FIND or C-MOVE by the original
// request's message id.
type CCancelRQ struct {
	MessageIDBeingRespondedTo uint16
}

func (m CCancelRQ) CommandSet() *CommandSet {
	c := NewCommandSet()
	c.PutUint16(groupCommand, elemCommandField, CommandCCancelRQ)
	c.PutUint16(groupCommand, elemMessageIDBeingRespondedTo, m.MessageIDBeingRespondedTo)
	c.PutUint16(groupCommand, elemCommandDataSetType, DataSetTypeNull)
	return c
}

// HasDataSet reports whether a decoded command set's CommandDataSetType
// indicates an accompanying identifier/instance data set.
func HasDataSet(c *CommandSet) bool {
	v, ok := c.GetUint16(groupCommand, elemCommandDataSetType)
	return ok && v != DataSetTypeNull
}

// ParseStatus extracts the response status from a decoded command set.
func ParseStatus(c *CommandSet) (Status, error) {
	v, ok := c.GetUint16(groupCommand, elemStatus)
	if !ok {
		return 0, fmt.Errorf("dimsemsg: command set has no Status element")
	}
	return Status(v), nil
}
