package dimse

import (
	"fmt"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

// C_STORE_RQ requests storage of one SOP instance. P3.7 9.1.1.
type C_STORE_RQ struct {
	AffectedSOPClassUID                  string
	MessageID                            uint16
	Priority                             uint16
	CommandDataSetType                   uint16
	AffectedSOPInstanceUID               string
	MoveOriginatorApplicationEntityTitle string
	MoveOriginatorMessageID              uint16
	Extra                                []*dicom.Element // Unparsed elements
}

func (v *C_STORE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCStoreRq))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagPriority, v.Priority)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	if v.MoveOriginatorApplicationEntityTitle != "" {
		encodeField(e, dicom.TagMoveOriginatorApplicationEntityTitle, v.MoveOriginatorApplicationEntityTitle)
	}
	if v.MoveOriginatorMessageID != 0 {
		encodeField(e, dicom.TagMoveOriginatorMessageID, v.MoveOriginatorMessageID)
	}
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_STORE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RQ) CommandField() int {
	return CommandFieldCStoreRq
}

func (v *C_STORE_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_STORE_RQ) GetStatus() *Status {
	return nil
}

func (v *C_STORE_RQ) String() string {
	return fmt.Sprintf("C_STORE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v MoveOriginatorApplicationEntityTitle:%v MoveOriginatorMessageID:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.MoveOriginatorApplicationEntityTitle, v.MoveOriginatorMessageID)
}

func decodeC_STORE_RQ(d *messageDecoder) *C_STORE_RQ {
	v := &C_STORE_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, requiredElement)
	v.Priority = d.getUInt16(dicom.TagPriority, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, requiredElement)
	v.MoveOriginatorApplicationEntityTitle = d.getString(dicom.TagMoveOriginatorApplicationEntityTitle, optionalElement)
	v.MoveOriginatorMessageID = d.getUInt16(dicom.TagMoveOriginatorMessageID, optionalElement)
	v.Extra = d.unparsedElements()
	return v
}

// C_STORE_RSP answers a C_STORE_RQ. P3.7 9.1.1.
type C_STORE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_STORE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCStoreRsp))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_STORE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RSP) CommandField() int {
	return CommandFieldCStoreRsp
}

func (v *C_STORE_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_STORE_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_STORE_RSP) String() string {
	return fmt.Sprintf("C_STORE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func decodeC_STORE_RSP(d *messageDecoder) *C_STORE_RSP {
	v := &C_STORE_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// C_FIND_RQ starts a query; the identifier dataset follows in the data
// fragments. P3.7 9.1.2.
type C_FIND_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	CommandDataSetType  uint16
	Extra               []*dicom.Element // Unparsed elements
}

func (v *C_FIND_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCFindRq))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagPriority, v.Priority)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_FIND_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_FIND_RQ) CommandField() int {
	return CommandFieldCFindRq
}

func (v *C_FIND_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_FIND_RQ) GetStatus() *Status {
	return nil
}

func (v *C_FIND_RQ) String() string {
	return fmt.Sprintf("C_FIND_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

func decodeC_FIND_RQ(d *messageDecoder) *C_FIND_RQ {
	v := &C_FIND_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, requiredElement)
	v.Priority = d.getUInt16(dicom.TagPriority, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

// C_FIND_RSP reports one match (status pending, with data) or the end of the
// query (final status, no data). P3.7 9.1.2.
type C_FIND_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_FIND_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCFindRsp))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_FIND_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_FIND_RSP) CommandField() int {
	return CommandFieldCFindRsp
}

func (v *C_FIND_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_FIND_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_FIND_RSP) String() string {
	return fmt.Sprintf("C_FIND_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func decodeC_FIND_RSP(d *messageDecoder) *C_FIND_RSP {
	v := &C_FIND_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// C_GET_RQ retrieves matching instances over the same association. P3.7 9.1.3.
type C_GET_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	CommandDataSetType  uint16
	Extra               []*dicom.Element // Unparsed elements
}

func (v *C_GET_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCGetRq))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagPriority, v.Priority)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_GET_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_GET_RQ) CommandField() int {
	return CommandFieldCGetRq
}

func (v *C_GET_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_GET_RQ) GetStatus() *Status {
	return nil
}

func (v *C_GET_RQ) String() string {
	return fmt.Sprintf("C_GET_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType)
}

func decodeC_GET_RQ(d *messageDecoder) *C_GET_RQ {
	v := &C_GET_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, requiredElement)
	v.Priority = d.getUInt16(dicom.TagPriority, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

// C_GET_RSP reports sub-operation progress and the final outcome. P3.7 9.1.3.
type C_GET_RSP struct {
	AffectedSOPClassUID            string
	MessageIDBeingRespondedTo      uint16
	CommandDataSetType             uint16
	NumberOfRemainingSuboperations uint16
	NumberOfCompletedSuboperations uint16
	NumberOfFailedSuboperations    uint16
	NumberOfWarningSuboperations   uint16
	Status                         Status
	Extra                          []*dicom.Element // Unparsed elements
}

func (v *C_GET_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCGetRsp))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	if v.NumberOfRemainingSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfRemainingSuboperations, v.NumberOfRemainingSuboperations)
	}
	if v.NumberOfCompletedSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfCompletedSuboperations, v.NumberOfCompletedSuboperations)
	}
	if v.NumberOfFailedSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfFailedSuboperations, v.NumberOfFailedSuboperations)
	}
	if v.NumberOfWarningSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfWarningSuboperations, v.NumberOfWarningSuboperations)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_GET_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_GET_RSP) CommandField() int {
	return CommandFieldCGetRsp
}

func (v *C_GET_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_GET_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_GET_RSP) String() string {
	return fmt.Sprintf("C_GET_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v NumberOfRemainingSuboperations:%v NumberOfCompletedSuboperations:%v NumberOfFailedSuboperations:%v NumberOfWarningSuboperations:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.NumberOfRemainingSuboperations, v.NumberOfCompletedSuboperations, v.NumberOfFailedSuboperations, v.NumberOfWarningSuboperations, v.Status)
}

func decodeC_GET_RSP(d *messageDecoder) *C_GET_RSP {
	v := &C_GET_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.NumberOfRemainingSuboperations = d.getUInt16(dicom.TagNumberOfRemainingSuboperations, optionalElement)
	v.NumberOfCompletedSuboperations = d.getUInt16(dicom.TagNumberOfCompletedSuboperations, optionalElement)
	v.NumberOfFailedSuboperations = d.getUInt16(dicom.TagNumberOfFailedSuboperations, optionalElement)
	v.NumberOfWarningSuboperations = d.getUInt16(dicom.TagNumberOfWarningSuboperations, optionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// C_MOVE_RQ retrieves matching instances to a third-party AE. P3.7 9.1.4.
type C_MOVE_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	Priority            uint16
	MoveDestination     string
	CommandDataSetType  uint16
	Extra               []*dicom.Element // Unparsed elements
}

func (v *C_MOVE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCMoveRq))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagPriority, v.Priority)
	encodeField(e, dicom.TagMoveDestination, v.MoveDestination)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_MOVE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_MOVE_RQ) CommandField() int {
	return CommandFieldCMoveRq
}

func (v *C_MOVE_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_MOVE_RQ) GetStatus() *Status {
	return nil
}

func (v *C_MOVE_RQ) String() string {
	return fmt.Sprintf("C_MOVE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v MoveDestination:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.MoveDestination, v.CommandDataSetType)
}

func decodeC_MOVE_RQ(d *messageDecoder) *C_MOVE_RQ {
	v := &C_MOVE_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, requiredElement)
	v.Priority = d.getUInt16(dicom.TagPriority, requiredElement)
	v.MoveDestination = d.getString(dicom.TagMoveDestination, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

// C_MOVE_RSP reports sub-operation progress and the final outcome. P3.7 9.1.4.
type C_MOVE_RSP struct {
	AffectedSOPClassUID            string
	MessageIDBeingRespondedTo      uint16
	CommandDataSetType             uint16
	NumberOfRemainingSuboperations uint16
	NumberOfCompletedSuboperations uint16
	NumberOfFailedSuboperations    uint16
	NumberOfWarningSuboperations   uint16
	Status                         Status
	Extra                          []*dicom.Element // Unparsed elements
}

func (v *C_MOVE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCMoveRsp))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	if v.NumberOfRemainingSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfRemainingSuboperations, v.NumberOfRemainingSuboperations)
	}
	if v.NumberOfCompletedSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfCompletedSuboperations, v.NumberOfCompletedSuboperations)
	}
	if v.NumberOfFailedSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfFailedSuboperations, v.NumberOfFailedSuboperations)
	}
	if v.NumberOfWarningSuboperations != 0 {
		encodeField(e, dicom.TagNumberOfWarningSuboperations, v.NumberOfWarningSuboperations)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_MOVE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_MOVE_RSP) CommandField() int {
	return CommandFieldCMoveRsp
}

func (v *C_MOVE_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_MOVE_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_MOVE_RSP) String() string {
	return fmt.Sprintf("C_MOVE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v NumberOfRemainingSuboperations:%v NumberOfCompletedSuboperations:%v NumberOfFailedSuboperations:%v NumberOfWarningSuboperations:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.NumberOfRemainingSuboperations, v.NumberOfCompletedSuboperations, v.NumberOfFailedSuboperations, v.NumberOfWarningSuboperations, v.Status)
}

func decodeC_MOVE_RSP(d *messageDecoder) *C_MOVE_RSP {
	v := &C_MOVE_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.NumberOfRemainingSuboperations = d.getUInt16(dicom.TagNumberOfRemainingSuboperations, optionalElement)
	v.NumberOfCompletedSuboperations = d.getUInt16(dicom.TagNumberOfCompletedSuboperations, optionalElement)
	v.NumberOfFailedSuboperations = d.getUInt16(dicom.TagNumberOfFailedSuboperations, optionalElement)
	v.NumberOfWarningSuboperations = d.getUInt16(dicom.TagNumberOfWarningSuboperations, optionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// C_ECHO_RQ pings the peer. P3.7 9.1.5.
type C_ECHO_RQ struct {
	MessageID          uint16
	CommandDataSetType uint16
	Extra              []*dicom.Element // Unparsed elements
}

func (v *C_ECHO_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCEchoRq))
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_ECHO_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RQ) CommandField() int {
	return CommandFieldCEchoRq
}

func (v *C_ECHO_RQ) GetMessageID() uint16 {
	return v.MessageID
}

func (v *C_ECHO_RQ) GetStatus() *Status {
	return nil
}

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{MessageID:%v CommandDataSetType:%v}", v.MessageID, v.CommandDataSetType)
}

func decodeC_ECHO_RQ(d *messageDecoder) *C_ECHO_RQ {
	v := &C_ECHO_RQ{}
	v.MessageID = d.getUInt16(dicom.TagMessageID, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

// C_ECHO_RSP answers a C_ECHO_RQ. P3.7 9.1.5.
type C_ECHO_RSP struct {
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *C_ECHO_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(CommandFieldCEchoRsp))
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.WriteElement(e, elem)
	}
}

func (v *C_ECHO_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RSP) CommandField() int {
	return CommandFieldCEchoRsp
}

func (v *C_ECHO_RSP) GetMessageID() uint16 {
	return v.MessageIDBeingRespondedTo
}

func (v *C_ECHO_RSP) GetStatus() *Status {
	return &v.Status
}

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}",
		v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func decodeC_ECHO_RSP(d *messageDecoder) *C_ECHO_RSP {
	v := &C_ECHO_RSP{}
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

func decodeMessageForType(d *messageDecoder, commandField uint16) Message {
	switch int(commandField) {
	case CommandFieldCStoreRq:
		return decodeC_STORE_RQ(d)
	case CommandFieldCStoreRsp:
		return decodeC_STORE_RSP(d)
	case CommandFieldCFindRq:
		return decodeC_FIND_RQ(d)
	case CommandFieldCFindRsp:
		return decodeC_FIND_RSP(d)
	case CommandFieldCGetRq:
		return decodeC_GET_RQ(d)
	case CommandFieldCGetRsp:
		return decodeC_GET_RSP(d)
	case CommandFieldCMoveRq:
		return decodeC_MOVE_RQ(d)
	case CommandFieldCMoveRsp:
		return decodeC_MOVE_RSP(d)
	case CommandFieldCEchoRq:
		return decodeC_ECHO_RQ(d)
	case CommandFieldCEchoRsp:
		return decodeC_ECHO_RSP(d)
	default:
		d.setError(fmt.Errorf("unknown DIMSE command 0x%x", commandField))
		return nil
	}
}
