package pdu

// Implements the DICOM Upper Layer PDU types defined in P3.8. It sits below
// the DIMSE layer.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/yasushi-saito/go-dicom/dicomio"
)

// PDU is the interface for DUL messages like A-ASSOCIATE-AC and P-DATA-TF.
type PDU interface {
	fmt.Stringer // Print human-readable description for debugging.

	// WritePayload encodes the PDU payload. The "payload" here excludes the
	// first 6 bytes that are common to all PDU types - they are encoded in
	// EncodePDU separately.
	WritePayload(*dicomio.Encoder)
}

// Type is the 1-byte type tag at the start of every PDU.
type Type byte

const (
	TypeA_ASSOCIATE_RQ Type = 1
	TypeA_ASSOCIATE_AC Type = 2
	TypeA_ASSOCIATE_RJ Type = 3
	TypeP_DATA_TF      Type = 4
	TypeA_RELEASE_RQ   Type = 5
	TypeA_RELEASE_RP   Type = 6
	TypeA_ABORT        Type = 7
)

// CurrentProtocolVersion is the A-ASSOCIATE protocol version this package
// speaks. Bit 0 is the only version defined by the standard.
const CurrentProtocolVersion uint16 = 1

// DefaultMaxPDUSize is the P-DATA-TF size advertised when the user provides
// none. The value matches what Osirix and pynetdicom default to.
const DefaultMaxPDUSize = 16384

// SubItem is the interface for DUL items nested inside a PDU, such as
// ApplicationContextItem and TransferSyntaxSubItem.
type SubItem interface {
	fmt.Stringer            // Print human-readable description for debugging.
	Write(*dicomio.Encoder) // Serialize the item.
}

// Possible Type field values for SubItem.
const (
	ItemTypeApplicationContext           = 0x10
	ItemTypePresentationContextRequest   = 0x20
	ItemTypePresentationContextResponse  = 0x21
	ItemTypeAbstractSyntax               = 0x30
	ItemTypeTransferSyntax               = 0x40
	ItemTypeUserInformation              = 0x50
	ItemTypeUserInformationMaximumLength = 0x51
	ItemTypeImplementationClassUID       = 0x52
	ItemTypeAsynchronousOperationsWindow = 0x53
	ItemTypeImplementationVersionName    = 0x55
)

func decodeSubItem(d *dicomio.Decoder) SubItem {
	itemType := d.ReadByte()
	d.Skip(1)
	length := d.ReadUInt16()
	if d.Error() != nil {
		return nil
	}
	switch itemType {
	case ItemTypeApplicationContext:
		return decodeApplicationContextItem(d, length)
	case ItemTypeAbstractSyntax:
		return decodeAbstractSyntaxSubItem(d, length)
	case ItemTypeTransferSyntax:
		return decodeTransferSyntaxSubItem(d, length)
	case ItemTypePresentationContextRequest, ItemTypePresentationContextResponse:
		return decodePresentationContextItem(d, itemType, length)
	case ItemTypeUserInformation:
		return decodeUserInformationItem(d, length)
	case ItemTypeUserInformationMaximumLength:
		return decodeUserInformationMaximumLengthItem(d, length)
	case ItemTypeImplementationClassUID:
		return decodeImplementationClassUIDSubItem(d, length)
	case ItemTypeAsynchronousOperationsWindow:
		return decodeAsynchronousOperationsWindowSubItem(d, length)
	case ItemTypeImplementationVersionName:
		return decodeImplementationVersionNameSubItem(d, length)
	default:
		// Unknown item inside a recognized PDU: skip by declared length,
		// but preserve the bytes so encoding round-trips.
		return decodeSubItemUnsupported(d, itemType, length)
	}
}

func encodeSubItemHeader(e *dicomio.Encoder, itemType byte, length uint16) {
	e.WriteByte(itemType)
	e.WriteZeros(1)
	e.WriteUInt16(length)
}

type subItemWithName struct {
	Name string
}

func encodeSubItemWithName(e *dicomio.Encoder, itemType byte, name string) {
	encodeSubItemHeader(e, itemType, uint16(len(name)))
	e.WriteBytes([]byte(name))
}

func decodeSubItemWithName(d *dicomio.Decoder, length uint16) string {
	return d.ReadString(int(length))
}

// ApplicationContextItem is the first item in an A-ASSOCIATE-RQ. P3.8 9.3.2.1.
type ApplicationContextItem subItemWithName

// DICOMApplicationContextItemName is the sole application context defined by
// the standard.
const DICOMApplicationContextItemName = "1.2.840.10008.3.1.1.1"

func decodeApplicationContextItem(d *dicomio.Decoder, length uint16) *ApplicationContextItem {
	return &ApplicationContextItem{Name: decodeSubItemWithName(d, length)}
}

func (v *ApplicationContextItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeApplicationContext, v.Name)
}

func (v *ApplicationContextItem) String() string {
	return fmt.Sprintf("applicationcontext{name: %q}", v.Name)
}

// AbstractSyntaxSubItem names the SOP class proposed inside a presentation
// context. P3.8 9.3.2.2.1.
type AbstractSyntaxSubItem subItemWithName

func decodeAbstractSyntaxSubItem(d *dicomio.Decoder, length uint16) *AbstractSyntaxSubItem {
	return &AbstractSyntaxSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *AbstractSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeAbstractSyntax, v.Name)
}

func (v *AbstractSyntaxSubItem) String() string {
	return fmt.Sprintf("abstractsyntax{name: %q}", v.Name)
}

// TransferSyntaxSubItem names one encoding proposed or accepted for a
// presentation context. P3.8 9.3.2.2.2.
type TransferSyntaxSubItem subItemWithName

func decodeTransferSyntaxSubItem(d *dicomio.Decoder, length uint16) *TransferSyntaxSubItem {
	return &TransferSyntaxSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *TransferSyntaxSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeTransferSyntax, v.Name)
}

func (v *TransferSyntaxSubItem) String() string {
	return fmt.Sprintf("transfersyntax{name: %q}", v.Name)
}

// PresentationContextResult is the outcome of the abstract/transfer syntax
// handshake for one context. P3.8 9.3.3.2, table 9-18.
type PresentationContextResult byte

const (
	PresentationContextAccepted                                    PresentationContextResult = 0
	PresentationContextUserRejection                               PresentationContextResult = 1
	PresentationContextProviderRejectionNoReason                   PresentationContextResult = 2
	PresentationContextProviderRejectionAbstractSyntaxNotSupported PresentationContextResult = 3
	PresentationContextProviderRejectionTransferSyntaxNotSupported PresentationContextResult = 4
)

func (p PresentationContextResult) String() string {
	switch p {
	case PresentationContextAccepted:
		return "Accepted"
	case PresentationContextUserRejection:
		return "User rejection"
	case PresentationContextProviderRejectionNoReason:
		return "Provider rejection (no reason)"
	case PresentationContextProviderRejectionAbstractSyntaxNotSupported:
		return "Provider rejection (abstract syntax not supported)"
	case PresentationContextProviderRejectionTransferSyntaxNotSupported:
		return "Provider rejection (transfer syntax not supported)"
	default:
		return fmt.Sprintf("Unknown presentationcontextresult %d", byte(p))
	}
}

// PresentationContextItem is one proposed or negotiated presentation context.
// P3.8 9.3.2.2 (request form) and 9.3.3.2 (response form).
type PresentationContextItem struct {
	Type      byte // ItemTypePresentationContext{Request,Response}
	ContextID byte // Odd, unique within the association.

	// Result is meaningful iff Type == ItemTypePresentationContextResponse;
	// zero in requests.
	Result PresentationContextResult

	Items []SubItem // {Abstract,Transfer}SyntaxSubItem
}

func decodePresentationContextItem(d *dicomio.Decoder, itemType byte, length uint16) *PresentationContextItem {
	v := &PresentationContextItem{Type: itemType}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	v.ContextID = d.ReadByte()
	d.Skip(1)
	v.Result = PresentationContextResult(d.ReadByte())
	d.Skip(1)
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		v.Items = append(v.Items, item)
	}
	if v.ContextID%2 != 1 {
		d.SetError(fmt.Errorf("PresentationContextItem ID must be odd, but found %x", v.ContextID))
	}
	return v
}

func (v *PresentationContextItem) Write(e *dicomio.Encoder) {
	if v.Type != ItemTypePresentationContextRequest &&
		v.Type != ItemTypePresentationContextResponse {
		e.SetError(fmt.Errorf("wrong PresentationContextItem type 0x%x", v.Type))
		return
	}
	itemEncoder := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range v.Items {
		s.Write(itemEncoder)
	}
	if err := itemEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	itemBytes := itemEncoder.Bytes()
	encodeSubItemHeader(e, v.Type, uint16(4+len(itemBytes)))
	e.WriteByte(v.ContextID)
	e.WriteZeros(1)
	e.WriteByte(byte(v.Result))
	e.WriteZeros(1)
	e.WriteBytes(itemBytes)
}

func (v *PresentationContextItem) String() string {
	itemType := "rq"
	if v.Type == ItemTypePresentationContextResponse {
		itemType = "ac"
	}
	return fmt.Sprintf("presentationcontext%s{id: %d result: %v, items:%s}",
		itemType, v.ContextID, v.Result, subItemListString(v.Items))
}

// UserInformationItem wraps the user-data sub-items of an A-ASSOCIATE PDU.
// P3.8 9.3.2.3 and Annex D.
type UserInformationItem struct {
	Items []SubItem
}

func decodeUserInformationItem(d *dicomio.Decoder, length uint16) *UserInformationItem {
	v := &UserInformationItem{}
	d.PushLimit(int64(length))
	defer d.PopLimit()
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		v.Items = append(v.Items, item)
	}
	return v
}

func (v *UserInformationItem) Write(e *dicomio.Encoder) {
	itemEncoder := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	for _, s := range v.Items {
		s.Write(itemEncoder)
	}
	if err := itemEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	itemBytes := itemEncoder.Bytes()
	encodeSubItemHeader(e, ItemTypeUserInformation, uint16(len(itemBytes)))
	e.WriteBytes(itemBytes)
}

func (v *UserInformationItem) String() string {
	return fmt.Sprintf("userinformationitem{items: %s}", subItemListString(v.Items))
}

// UserInformationMaximumLengthItem advertises the largest P-DATA-TF PDU the
// sender is willing to receive. P3.8 Annex D.1.
type UserInformationMaximumLengthItem struct {
	MaximumLengthReceived uint32
}

func decodeUserInformationMaximumLengthItem(d *dicomio.Decoder, length uint16) *UserInformationMaximumLengthItem {
	if length != 4 {
		d.SetError(fmt.Errorf("UserInformationMaximumLengthItem must be 4 bytes, but found %dB", length))
	}
	return &UserInformationMaximumLengthItem{MaximumLengthReceived: d.ReadUInt32()}
}

func (v *UserInformationMaximumLengthItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeUserInformationMaximumLength, 4)
	e.WriteUInt32(v.MaximumLengthReceived)
}

func (v *UserInformationMaximumLengthItem) String() string {
	return fmt.Sprintf("userinformationmaximumlengthitem{%d}", v.MaximumLengthReceived)
}

// ImplementationClassUIDSubItem identifies the sending implementation.
// PS3.7 Annex D.3.3.2.1.
type ImplementationClassUIDSubItem subItemWithName

func decodeImplementationClassUIDSubItem(d *dicomio.Decoder, length uint16) *ImplementationClassUIDSubItem {
	return &ImplementationClassUIDSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *ImplementationClassUIDSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeImplementationClassUID, v.Name)
}

func (v *ImplementationClassUIDSubItem) String() string {
	return fmt.Sprintf("implementationclassuid{name: %q}", v.Name)
}

// ImplementationVersionNameSubItem carries the free-form implementation
// version. PS3.7 Annex D.3.3.2.3.
type ImplementationVersionNameSubItem subItemWithName

func decodeImplementationVersionNameSubItem(d *dicomio.Decoder, length uint16) *ImplementationVersionNameSubItem {
	return &ImplementationVersionNameSubItem{Name: decodeSubItemWithName(d, length)}
}

func (v *ImplementationVersionNameSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemWithName(e, ItemTypeImplementationVersionName, v.Name)
}

func (v *ImplementationVersionNameSubItem) String() string {
	return fmt.Sprintf("implementationversionname{name: %q}", v.Name)
}

// AsynchronousOperationsWindowSubItem negotiates the number of outstanding
// operations. PS3.7 Annex D.3.3.3.1.
type AsynchronousOperationsWindowSubItem struct {
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16
}

func decodeAsynchronousOperationsWindowSubItem(d *dicomio.Decoder, length uint16) *AsynchronousOperationsWindowSubItem {
	return &AsynchronousOperationsWindowSubItem{
		MaxOpsInvoked:   d.ReadUInt16(),
		MaxOpsPerformed: d.ReadUInt16(),
	}
}

func (v *AsynchronousOperationsWindowSubItem) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, ItemTypeAsynchronousOperationsWindow, 2*2)
	e.WriteUInt16(v.MaxOpsInvoked)
	e.WriteUInt16(v.MaxOpsPerformed)
}

func (v *AsynchronousOperationsWindowSubItem) String() string {
	return fmt.Sprintf("asynchronousopswindow{invoked: %d performed: %d}",
		v.MaxOpsInvoked, v.MaxOpsPerformed)
}

// SubItemUnsupported preserves a sub-item this package does not recognize.
type SubItemUnsupported struct {
	Type byte
	Data []byte
}

func decodeSubItemUnsupported(d *dicomio.Decoder, itemType byte, length uint16) *SubItemUnsupported {
	return &SubItemUnsupported{
		Type: itemType,
		Data: d.ReadBytes(int(length)),
	}
}

func (v *SubItemUnsupported) Write(e *dicomio.Encoder) {
	encodeSubItemHeader(e, v.Type, uint16(len(v.Data)))
	e.WriteBytes(v.Data)
}

func (v *SubItemUnsupported) String() string {
	return fmt.Sprintf("subitemunsupported{type: 0x%0x data: %dbytes}",
		v.Type, len(v.Data))
}

func subItemListString(items []SubItem) string {
	buf := bytes.Buffer{}
	buf.WriteString("[")
	for i, subitem := range items {
		if i > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(subitem.String())
	}
	buf.WriteString("]")
	return buf.String()
}

// A_ASSOCIATE defines the A-ASSOCIATE-RQ and -AC PDUs. P3.8 9.3.2, 9.3.3.
type A_ASSOCIATE struct {
	Type            Type // TypeA_ASSOCIATE_{RQ,AC}
	ProtocolVersion uint16
	CalledAETitle   string // For .._AC, the value is copied from the RQ.
	CallingAETitle  string // For .._AC, the value is copied from the RQ.
	Items           []SubItem
}

func decodeA_ASSOCIATE(d *dicomio.Decoder, pduType Type) *A_ASSOCIATE {
	pdu := &A_ASSOCIATE{Type: pduType}
	pdu.ProtocolVersion = d.ReadUInt16()
	d.Skip(2) // Reserved
	pdu.CalledAETitle = d.ReadString(16)
	pdu.CallingAETitle = d.ReadString(16)
	d.Skip(8 * 4)
	for d.Len() > 0 {
		item := decodeSubItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	if pdu.CalledAETitle == "" || pdu.CallingAETitle == "" {
		d.SetError(fmt.Errorf("A_ASSOCIATE.{Called,Calling}AETitle must not be empty, in %v", pdu.String()))
	}
	return pdu
}

func (pdu *A_ASSOCIATE) WritePayload(e *dicomio.Encoder) {
	if pdu.Type == 0 || pdu.CalledAETitle == "" || pdu.CallingAETitle == "" {
		e.SetError(fmt.Errorf("malformed A_ASSOCIATE: %v", pdu.String()))
		return
	}
	e.WriteUInt16(pdu.ProtocolVersion)
	e.WriteZeros(2) // Reserved
	e.WriteString(fillString(pdu.CalledAETitle))
	e.WriteString(fillString(pdu.CallingAETitle))
	e.WriteZeros(8 * 4)
	for _, item := range pdu.Items {
		item.Write(e)
	}
}

func (pdu *A_ASSOCIATE) String() string {
	name := "AC"
	if pdu.Type == TypeA_ASSOCIATE_RQ {
		name = "RQ"
	}
	return fmt.Sprintf("A_ASSOCIATE_%s{version:%v called:%q calling:%q items:%s}",
		name, pdu.ProtocolVersion,
		pdu.CalledAETitle, pdu.CallingAETitle, subItemListString(pdu.Items))
}

// A_ASSOCIATE_RJ rejects an association request. P3.8 9.3.4.
type A_ASSOCIATE_RJ struct {
	Result byte
	Source byte
	Reason byte
}

// Possible values for A_ASSOCIATE_RJ.Result.
const (
	ResultRejectedPermanent byte = 1
	ResultRejectedTransient byte = 2
)

// Possible values for A_ASSOCIATE_RJ.Source.
const (
	SourceULServiceUser                 byte = 1
	SourceULServiceProviderACSE         byte = 2
	SourceULServiceProviderPresentation byte = 3
)

// Possible values for A_ASSOCIATE_RJ.Reason when the source is the ACSE
// service provider.
const (
	ReasonNone                               byte = 1
	ReasonApplicationContextNameNotSupported byte = 2
	ReasonCallingAETitleNotRecognized        byte = 3
	ReasonCalledAETitleNotRecognized         byte = 7
)

func decodeA_ASSOCIATE_RJ(d *dicomio.Decoder) *A_ASSOCIATE_RJ {
	pdu := &A_ASSOCIATE_RJ{}
	d.Skip(1) // reserved
	pdu.Result = d.ReadByte()
	pdu.Source = d.ReadByte()
	pdu.Reason = d.ReadByte()
	return pdu
}

func (pdu *A_ASSOCIATE_RJ) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(1)
	e.WriteByte(pdu.Result)
	e.WriteByte(pdu.Source)
	e.WriteByte(pdu.Reason)
}

func (pdu *A_ASSOCIATE_RJ) String() string {
	return fmt.Sprintf("A_ASSOCIATE_RJ{result:%d source:%d reason:%d}",
		pdu.Result, pdu.Source, pdu.Reason)
}

// A_RELEASE_RQ requests an orderly association release. P3.8 9.3.6.
type A_RELEASE_RQ struct {
}

func decodeA_RELEASE_RQ(d *dicomio.Decoder) *A_RELEASE_RQ {
	d.Skip(4)
	return &A_RELEASE_RQ{}
}

func (pdu *A_RELEASE_RQ) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(4)
}

func (pdu *A_RELEASE_RQ) String() string {
	return "A_RELEASE_RQ"
}

// A_RELEASE_RP confirms an association release. P3.8 9.3.7.
type A_RELEASE_RP struct {
}

func decodeA_RELEASE_RP(d *dicomio.Decoder) *A_RELEASE_RP {
	d.Skip(4)
	return &A_RELEASE_RP{}
}

func (pdu *A_RELEASE_RP) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(4)
}

func (pdu *A_RELEASE_RP) String() string {
	return "A_RELEASE_RP"
}

// A_ABORT terminates the association without further exchange. P3.8 9.3.8.
type A_ABORT struct {
	Source byte
	Reason byte
}

// Possible values for A_ABORT.Source.
const (
	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2
)

// Possible values for A_ABORT.Reason when the source is the service provider.
const (
	AbortReasonNotSpecified         byte = 0
	AbortReasonUnrecognizedPDU      byte = 1
	AbortReasonUnexpectedPDU        byte = 2
	AbortReasonUnrecognizedPDUParam byte = 4
	AbortReasonUnexpectedPDUParam   byte = 5
	AbortReasonInvalidPDUParam      byte = 6
)

func decodeA_ABORT(d *dicomio.Decoder) *A_ABORT {
	pdu := &A_ABORT{}
	d.Skip(2)
	pdu.Source = d.ReadByte()
	pdu.Reason = d.ReadByte()
	return pdu
}

func (pdu *A_ABORT) WritePayload(e *dicomio.Encoder) {
	e.WriteZeros(2)
	e.WriteByte(pdu.Source)
	e.WriteByte(pdu.Reason)
}

func (pdu *A_ABORT) String() string {
	return fmt.Sprintf("A_ABORT{source:%d reason:%d}", pdu.Source, pdu.Reason)
}

// PresentationDataValueItem is one fragment of a DIMSE message inside a
// P-DATA-TF PDU. P3.8 9.3.5.1 and Annex E.2.
type PresentationDataValueItem struct {
	ContextID byte // The presentation context the payload belongs to.

	// The following two fields encode a single message-control header byte.
	Command bool // Bit 0: 1 means command, 0 means data.
	Last    bool // Bit 1: 1 means last fragment of the payload kind.

	Value []byte // Payload, either command or data bytes.
}

func ReadPresentationDataValueItem(d *dicomio.Decoder) PresentationDataValueItem {
	item := PresentationDataValueItem{}
	length := d.ReadUInt32()
	if d.Error() != nil {
		return item
	}
	if length < 2 {
		d.SetError(fmt.Errorf("PresentationDataValueItem: item length %d too short", length))
		return item
	}
	item.ContextID = d.ReadByte()
	header := d.ReadByte()
	item.Command = (header&1 != 0)
	item.Last = (header&2 != 0)
	if header&0xfc != 0 {
		d.SetError(fmt.Errorf("PresentationDataValueItem: illegal header byte %x", header))
		return item
	}
	item.Value = d.ReadBytes(int(length - 2)) // remove contextID and header
	return item
}

func (v *PresentationDataValueItem) Write(e *dicomio.Encoder) {
	var header byte
	if v.Command {
		header |= 1
	}
	if v.Last {
		header |= 2
	}
	e.WriteUInt32(uint32(2 + len(v.Value)))
	e.WriteByte(v.ContextID)
	e.WriteByte(header)
	e.WriteBytes(v.Value)
}

func (v *PresentationDataValueItem) String() string {
	return fmt.Sprintf("presentationdatavalue{context: %d, cmd:%v last:%v value: %d bytes}",
		v.ContextID, v.Command, v.Last, len(v.Value))
}

// P_DATA_TF carries one or more PDV fragments. P3.8 9.3.5.
type P_DATA_TF struct {
	Items []PresentationDataValueItem
}

func decodeP_DATA_TF(d *dicomio.Decoder) *P_DATA_TF {
	pdu := &P_DATA_TF{}
	for d.Len() > 0 {
		item := ReadPresentationDataValueItem(d)
		if d.Error() != nil {
			break
		}
		pdu.Items = append(pdu.Items, item)
	}
	return pdu
}

func (pdu *P_DATA_TF) WritePayload(e *dicomio.Encoder) {
	for i := range pdu.Items {
		pdu.Items[i].Write(e)
	}
}

func (pdu *P_DATA_TF) String() string {
	buf := bytes.Buffer{}
	buf.WriteString("P_DATA_TF{items: [")
	for i := range pdu.Items {
		if i > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(pdu.Items[i].String())
	}
	buf.WriteString("]}")
	return buf.String()
}

// EncodePDU serializes "pdu", including the 6-byte common header.
func EncodePDU(pdu PDU) ([]byte, error) {
	var pduType Type
	switch n := pdu.(type) {
	case *A_ASSOCIATE:
		pduType = n.Type
	case *A_ASSOCIATE_RJ:
		pduType = TypeA_ASSOCIATE_RJ
	case *P_DATA_TF:
		pduType = TypeP_DATA_TF
	case *A_RELEASE_RQ:
		pduType = TypeA_RELEASE_RQ
	case *A_RELEASE_RP:
		pduType = TypeA_RELEASE_RP
	case *A_ABORT:
		pduType = TypeA_ABORT
	default:
		return nil, fmt.Errorf("EncodePDU: unknown PDU %v", pdu)
	}
	e := dicomio.NewBytesEncoder(binary.BigEndian, dicomio.UnknownVR)
	pdu.WritePayload(e)
	if err := e.Error(); err != nil {
		return nil, err
	}
	payload := e.Bytes()
	var header [6]byte
	header[0] = byte(pduType)
	header[1] = 0 // Reserved.
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	return append(header[:], payload...), nil
}

// ReadPDU reads exactly one PDU from "in". It fails on a truncated stream, on
// a declared length disagreeing with the available bytes, and on an unknown
// top-level PDU type; there is no best-effort partial result. maxPDUSize
// bounds the memory committed to one PDU.
func ReadPDU(in io.Reader, maxPDUSize int) (PDU, error) {
	var pduType Type
	var skip byte
	var length uint32
	if err := binary.Read(in, binary.BigEndian, &pduType); err != nil {
		return nil, err
	}
	if err := binary.Read(in, binary.BigEndian, &skip); err != nil {
		return nil, err
	}
	if err := binary.Read(in, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length >= uint32(maxPDUSize)*2 {
		// Avoid committing unbounded memory. *2 is slack for peers that
		// count the header bytes into the limit.
		return nil, fmt.Errorf("ReadPDU: length %d exceeds max PDU size %d", length, maxPDUSize)
	}
	d := dicomio.NewDecoder(in, int64(length),
		binary.BigEndian,  // PDU encoding is always big endian.
		dicomio.UnknownVR) // irrelevant for PDU parsing
	var pdu PDU
	switch pduType {
	case TypeA_ASSOCIATE_RQ, TypeA_ASSOCIATE_AC:
		pdu = decodeA_ASSOCIATE(d, pduType)
	case TypeA_ASSOCIATE_RJ:
		pdu = decodeA_ASSOCIATE_RJ(d)
	case TypeP_DATA_TF:
		pdu = decodeP_DATA_TF(d)
	case TypeA_RELEASE_RQ:
		pdu = decodeA_RELEASE_RQ(d)
	case TypeA_RELEASE_RP:
		pdu = decodeA_RELEASE_RP(d)
	case TypeA_ABORT:
		pdu = decodeA_ABORT(d)
	default:
		return nil, fmt.Errorf("ReadPDU: unknown PDU type 0x%x", byte(pduType))
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return pdu, nil
}

// fillString pads the AE title with spaces to the fixed 16-byte field width.
func fillString(v string) string {
	if len(v) > 16 {
		return v[:16]
	}
	for len(v) < 16 {
		v += " "
	}
	return v
}
