package dicomnet

import (
	"fmt"

	"github.com/kamedic/go-dicomnet/dimse"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

// runCStoreOnAssociation issues a C-STORE for "ds" on an established
// association and waits for the response. The dataset body is re-encoded in
// the transfer syntax negotiated for its SOP class; the file-meta group is
// stripped.
func runCStoreOnAssociation(
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent,
	cm *contextManager,
	messageID uint16,
	ds *dicom.DataSet) error {
	getElement := func(tag dicom.Tag) (string, error) {
		elem, err := dicom.LookupElementByTag(ds.Elements, tag)
		if err != nil {
			return "", err
		}
		return elem.GetString()
	}
	sopInstanceUID, err := getElement(dicom.TagMediaStorageSOPInstanceUID)
	if err != nil {
		return fmt.Errorf("dicomnet: C-STORE data lacks SOPInstanceUID: %v", err)
	}
	sopClassUID, err := getElement(dicom.TagMediaStorageSOPClassUID)
	if err != nil {
		return fmt.Errorf("dicomnet: C-STORE data lacks MediaStorageSOPClassUID: %v", err)
	}
	vlog.VI(1).Infof("dicom.cstore: DICOM abstractsyntax: %s, sopinstance: %s",
		dicom.UIDString(sopClassUID), sopInstanceUID)
	context, err := cm.lookupByAbstractSyntaxUID(sopClassUID)
	if err != nil {
		vlog.Errorf("dicom.cstore: sop class %v not negotiated during handshake", sopClassUID)
		return err
	}
	vlog.VI(1).Infof("dicom.cstore: using transfersyntax %s to send sop class %s, instance %s",
		dicom.UIDString(context.transferSyntaxUID),
		dicom.UIDString(sopClassUID),
		sopInstanceUID)
	bodyEncoder := dicomio.NewBytesEncoderWithTransferSyntax(context.transferSyntaxUID)
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicom.TagMetadataGroup {
			continue
		}
		dicom.WriteElement(bodyEncoder, elem)
	}
	if err := bodyEncoder.Error(); err != nil {
		vlog.Errorf("dicom.cstore: body encoder failed: %v", err)
		return err
	}
	downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: sopClassUID,
			command: &dimse.C_STORE_RQ{
				AffectedSOPClassUID:    sopClassUID,
				MessageID:              messageID,
				CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
				AffectedSOPInstanceUID: sopInstanceUID,
			},
			data: bodyEncoder.Bytes()}}
	for {
		event, ok := <-upcallCh
		if !ok {
			return fmt.Errorf("dicomnet: association aborted during C-STORE")
		}
		doassert(event.eventType == upcallEventData)
		resp, ok := event.command.(*dimse.C_STORE_RSP)
		if !ok {
			return fmt.Errorf("dicomnet: invalid response for C-STORE: %v", event.command)
		}
		if resp.Status.Status != dimse.StatusSuccess {
			return fmt.Errorf("dicomnet: C-STORE failed: %v", resp.Status)
		}
		return nil
	}
}
