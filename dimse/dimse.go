package dimse

// Implements the DIMSE-C message types defined in P3.7.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

// Message is the common interface for C-XXX message types.
type Message interface {
	fmt.Stringer // Print human-readable description for debugging.
	Encode(*dicomio.Encoder)
	// GetMessageID extracts the message ID of the command, either MessageID
	// or MessageIDBeingRespondedTo depending on the direction.
	GetMessageID() uint16
	// CommandField returns the command field value of the message, e.g. 1
	// for C-STORE-RQ.
	CommandField() int
	// GetStatus returns the status field of a response message; it is nil
	// for request message types.
	GetStatus() *Status
	// HasData is true if we expect P_DATA_TF packets after the command
	// packets.
	HasData() bool
}

// Command field values. P3.7 E.
const (
	CommandFieldCStoreRq  = 0x0001
	CommandFieldCStoreRsp = 0x8001
	CommandFieldCGetRq    = 0x0010
	CommandFieldCGetRsp   = 0x8010
	CommandFieldCFindRq   = 0x0020
	CommandFieldCFindRsp  = 0x8020
	CommandFieldCMoveRq   = 0x0021
	CommandFieldCMoveRsp  = 0x8021
	CommandFieldCEchoRq   = 0x0030
	CommandFieldCEchoRsp  = 0x8030
)

// StatusCode represents a DIMSE status code, as defined in P3.7 C.
type StatusCode uint16

const (
	StatusSuccess               StatusCode = 0
	StatusCancel                StatusCode = 0xFE00
	StatusSOPClassNotSupported  StatusCode = 0x0122
	StatusInvalidArgumentValue  StatusCode = 0x0115
	StatusInvalidAttributeValue StatusCode = 0x0106
	StatusInvalidObjectInstance StatusCode = 0x0117
	StatusUnrecognizedOperation StatusCode = 0x0211
	StatusNotAuthorized         StatusCode = 0x0124
	StatusPending               StatusCode = 0xff00

	// C-STORE-specific failure codes. P3.4 GG4-1.
	CStoreOutOfResources              StatusCode = 0xa700
	CStoreCannotUnderstand            StatusCode = 0xc000
	CStoreDataSetDoesNotMatchSOPClass StatusCode = 0xa900

	// C-FIND-specific failure codes. P3.4 CC.2.8.3.
	CFindUnableToProcess StatusCode = 0xc300

	// C-MOVE/C-GET-specific failure codes. P3.4 CC.2.8.3.
	CMoveOutOfResourcesUnableToCalculateNumberOfMatches StatusCode = 0xa701
	CMoveOutOfResourcesUnableToPerformSubOperations     StatusCode = 0xa702
	CMoveMoveDestinationUnknown                         StatusCode = 0xa801
	CMoveDataSetDoesNotMatchSOPClass                    StatusCode = 0xa900
)

// Status represents a result of a DIMSE call. P3.7 C defines list of status
// codes and statuses.
type Status struct {
	// Status==StatusSuccess on success. A non-zero value on error.
	Status StatusCode
	// Optional error payloads.
	ErrorComment string // Encoded as (0000,0902)
}

// Success is the value of Status.Status that indicates a successful
// completion.
var Success = Status{Status: StatusSuccess}

func (s Status) String() string {
	if s.ErrorComment == "" {
		return fmt.Sprintf("0x%04x", uint16(s.Status))
	}
	return fmt.Sprintf("0x%04x(%s)", uint16(s.Status), s.ErrorComment)
}

// Helper class for extracting values from a list of DicomElement.
type messageDecoder struct {
	elems  []*dicom.Element
	parsed []bool // true if this element was parsed into a message field.
	err    error
}

type isOptionalElement int

const (
	requiredElement isOptionalElement = iota
	optionalElement
)

func (d *messageDecoder) setError(err error) {
	if d.err == nil {
		d.err = err
	}
}

// unparsedElements returns the list of elements that were not extracted by
// earlier getXXX calls. They are preserved in Message.Extra so that encoding
// round-trips.
func (d *messageDecoder) unparsedElements() (unparsed []*dicom.Element) {
	for i, parsed := range d.parsed {
		if !parsed {
			unparsed = append(unparsed, d.elems[i])
		}
	}
	return unparsed
}

func (d *messageDecoder) getStatus() (s Status) {
	s.Status = StatusCode(d.getUInt16(dicom.TagStatus, requiredElement))
	s.ErrorComment = d.getString(dicom.TagErrorComment, optionalElement)
	return s
}

// Find an element with the given tag. If optional==optionalElement, returns
// nil if not found. If optional==requiredElement, sets d.err and returns nil
// if not found.
func (d *messageDecoder) findElement(tag dicom.Tag, optional isOptionalElement) *dicom.Element {
	for i, elem := range d.elems {
		if elem.Tag == tag {
			vlog.VI(3).Infof("dimse.findElement: Return %v for %s", elem, tag.String())
			d.parsed[i] = true
			return elem
		}
	}
	if optional == requiredElement {
		d.setError(fmt.Errorf("dimse.findElement: element %s not found during DIMSE decoding", dicom.TagString(tag)))
	}
	return nil
}

// Find an element with "tag", and extract a string from it. Errors are
// reported in d.err.
func (d *messageDecoder) getString(tag dicom.Tag, optional isOptionalElement) string {
	e := d.findElement(tag, optional)
	if e == nil {
		return ""
	}
	v, err := e.GetString()
	if err != nil {
		d.setError(err)
	}
	return v
}

// Find an element with "tag", and extract a uint16 from it. Errors are
// reported in d.err.
func (d *messageDecoder) getUInt16(tag dicom.Tag, optional isOptionalElement) uint16 {
	e := d.findElement(tag, optional)
	if e == nil {
		return 0
	}
	v, err := e.GetUInt16()
	if err != nil {
		d.setError(err)
	}
	return v
}

// Encode a DIMSE field with the given tag and value "v".
func encodeField(e *dicomio.Encoder, tag dicom.Tag, v interface{}) {
	dicom.WriteElement(e, dicom.MustNewElement(tag, v))
}

func encodeStatus(e *dicomio.Encoder, s Status) {
	encodeField(e, dicom.TagStatus, uint16(s.Status))
	if s.ErrorComment != "" {
		encodeField(e, dicom.TagErrorComment, s.ErrorComment)
	}
}

// CommandDataSetTypeNull is the value of the CommandDataSetType field that
// indicates that the message has no data payload. Any other value means a
// data payload follows. P3.7 C.
const CommandDataSetTypeNull uint16 = 0x101

// CommandDataSetTypeNonNull is the canonical "data follows" marker.
const CommandDataSetTypeNonNull uint16 = 1

// ReadMessage constructs a typed Message object, given a set of elements
// produced by one or more P_DATA_TF command fragments.
func ReadMessage(d *dicomio.Decoder) Message {
	// A DIMSE message is a sequence of Elements, encoded in implicit LE.
	// P3.7 6.3.1.
	var elems []*dicom.Element
	d.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer d.PopTransferSyntax()
	for d.Len() > 0 {
		elem := dicom.ReadDataElement(d)
		if d.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}

	// Convert elems[] into a golang struct.
	dd := messageDecoder{
		elems:  elems,
		parsed: make([]bool, len(elems)),
		err:    nil,
	}
	commandField := dd.getUInt16(dicom.TagCommandField, requiredElement)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	v := decodeMessageForType(&dd, commandField)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	return v
}

// EncodeMessage serializes the given message. Errors are reported through
// e.Error().
func EncodeMessage(e *dicomio.Encoder, v Message) {
	// DIMSE messages are always encoded Implicit+LE. See P3.7 6.3.1.
	subEncoder := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	v.Encode(subEncoder)
	if err := subEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	bytes := subEncoder.Bytes()
	e.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer e.PopTransferSyntax()
	encodeField(e, dicom.TagCommandGroupLength, uint32(len(bytes)))
	e.WriteBytes(bytes)
}

var nextMessageID int32 = 123 // arbitrary starting point

// NewMessageID returns a message ID unique within the process.
func NewMessageID() uint16 {
	return uint16(atomic.AddInt32(&nextMessageID, 1))
}
