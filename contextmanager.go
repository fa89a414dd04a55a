package dicomnet

import (
	"fmt"

	"github.com/kamedic/go-dicomnet/pdu"
	"github.com/kamedic/go-dicomnet/sopclass"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

type contextManagerEntry struct {
	contextID         byte
	abstractSyntaxUID string
	transferSyntaxUID string
	result            pdu.PresentationContextResult
}

// contextManager negotiates and stores the mapping between context IDs and
// the corresponding abstract-syntax (SOP class) UIDs. UIDs are static and
// global; context IDs are odd bytes allocated anew during each association
// handshake. One contextManager is created per association, and the mapping
// is immutable once the handshake completes.
type contextManager struct {
	// The two maps are inverses of each other. They hold only accepted
	// contexts.
	contextIDToAbstractSyntaxNameMap map[byte]*contextManagerEntry
	abstractSyntaxNameToContextIDMap map[string]*contextManagerEntry

	// The max PDU size this side is willing to receive; advertised in the
	// handshake user-information items.
	maxPDUSize int

	// capabilities constrains what the acceptor side agrees to. Nil on the
	// requestor side.
	capabilities *providerCapabilities

	// Info about the other side of the communication, gleaned from the
	// A-ASSOCIATE PDUs.
	peerMaxPDUSize                int
	peerImplementationClassUID    string
	peerImplementationVersionName string

	// tmpRequests is used only on the requestor side. It holds the
	// contextID->proposal mapping from the A-ASSOCIATE-RQ, to be matched
	// against the A-ASSOCIATE-AC when it arrives.
	tmpRequests map[byte]*pdu.PresentationContextItem
}

func newContextManager(maxPDUSize int) *contextManager {
	return &contextManager{
		contextIDToAbstractSyntaxNameMap: make(map[byte]*contextManagerEntry),
		abstractSyntaxNameToContextIDMap: make(map[string]*contextManagerEntry),
		maxPDUSize:                       maxPDUSize,
		peerMaxPDUSize:                   pdu.DefaultMaxPDUSize, // Osirix/pynetdicom default
		tmpRequests:                      make(map[byte]*pdu.PresentationContextItem),
	}
}

// providerCapabilities is the acceptor's capability table: which abstract
// syntaxes it serves and which transfer syntaxes it can decode.
type providerCapabilities struct {
	// abstractSyntaxes is the set of SOP class UIDs the provider serves.
	// Nil means any.
	abstractSyntaxes map[string]bool
	// transferSyntaxes is the set of encodings the provider accepts.
	transferSyntaxes map[string]bool
}

func newProviderCapabilities(params ServiceProviderParams) *providerCapabilities {
	caps := &providerCapabilities{
		transferSyntaxes: make(map[string]bool),
	}
	if len(params.SupportedAbstractSyntaxes) > 0 {
		caps.abstractSyntaxes = make(map[string]bool)
		for _, sop := range params.SupportedAbstractSyntaxes {
			caps.abstractSyntaxes[sop.UID] = true
		}
	}
	syntaxes := params.SupportedTransferSyntaxes
	if len(syntaxes) == 0 {
		syntaxes = dicomio.StandardTransferSyntaxes
	}
	for _, uid := range syntaxes {
		canonical, err := dicomio.CanonicalTransferSyntaxUID(uid)
		if err != nil {
			vlog.Errorf("dicom.contextManager: dropping unknown transfer syntax %q: %v", uid, err)
			continue
		}
		caps.transferSyntaxes[canonical] = true
	}
	return caps
}

func (caps *providerCapabilities) supportsAbstractSyntax(uid string) bool {
	return caps.abstractSyntaxes == nil || caps.abstractSyntaxes[uid]
}

// generateAssociateRequest produces the item list for an A-ASSOCIATE-RQ. It
// runs on the requestor side. The proposed transfer syntaxes keep the
// caller's order; the acceptor picks the first one it supports.
func (m *contextManager) generateAssociateRequest(
	services []sopclass.SOPUID, transferSyntaxUIDs []string) []pdu.SubItem {
	items := []pdu.SubItem{
		&pdu.ApplicationContextItem{
			Name: pdu.DICOMApplicationContextItemName,
		}}
	var contextID byte = 1
	for _, sop := range services {
		syntaxItems := []pdu.SubItem{
			&pdu.AbstractSyntaxSubItem{Name: sop.UID},
		}
		for _, syntaxUID := range transferSyntaxUIDs {
			syntaxItems = append(syntaxItems, &pdu.TransferSyntaxSubItem{Name: syntaxUID})
		}
		item := &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: contextID,
			Items:     syntaxItems,
		}
		items = append(items, item)
		m.tmpRequests[contextID] = item
		contextID += 2 // must be odd
	}
	items = append(items,
		&pdu.UserInformationItem{
			Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(m.maxPDUSize)},
				&pdu.ImplementationClassUIDSubItem{Name: dicom.DefaultImplementationClassUID},
				&pdu.ImplementationVersionNameSubItem{Name: dicom.DefaultImplementationVersionName}}})
	return items
}

// onAssociateRequest runs on the acceptor side when an A-ASSOCIATE-RQ
// arrives. It resolves each proposed context against the capability table
// and returns the items to be sent in the A-ASSOCIATE-AC. An error return
// means the whole association must be rejected.
func (m *contextManager) onAssociateRequest(requestItems []pdu.SubItem) ([]pdu.SubItem, error) {
	responses := []pdu.SubItem{
		&pdu.ApplicationContextItem{
			Name: pdu.DICOMApplicationContextItemName,
		},
	}
	for _, requestItem := range requestItems {
		switch ri := requestItem.(type) {
		case *pdu.ApplicationContextItem:
			if ri.Name != pdu.DICOMApplicationContextItemName {
				return nil, fmt.Errorf("dicom.contextManager: unknown application context name %q", ri.Name)
			}
		case *pdu.PresentationContextItem:
			var sopUID string
			var proposedTransferSyntaxes []string
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					if sopUID != "" {
						return nil, fmt.Errorf("dicom.contextManager: multiple AbstractSyntaxSubItems in %v", ri.String())
					}
					sopUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					proposedTransferSyntaxes = append(proposedTransferSyntaxes, c.Name)
				default:
					return nil, fmt.Errorf("dicom.contextManager: unknown subitem in PresentationContext: %s", subItem.String())
				}
			}
			if sopUID == "" || len(proposedTransferSyntaxes) == 0 {
				return nil, fmt.Errorf("dicom.contextManager: SOP or transfer syntax missing in PresentationContext: %v", ri.String())
			}
			result, pickedTransferSyntaxUID := m.resolveContext(sopUID, proposedTransferSyntaxes)
			responses = append(responses, &pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextResponse,
				ContextID: ri.ContextID,
				Result:    result,
				Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: pickedTransferSyntaxUID}}})
			if result == pdu.PresentationContextAccepted {
				vlog.VI(2).Infof("dicom.contextManager(%p): provider accepts %v / %v as context %v",
					m, sopUID, pickedTransferSyntaxUID, ri.ContextID)
				addContextMapping(m, sopUID, pickedTransferSyntaxUID, ri.ContextID, result)
			} else {
				vlog.VI(1).Infof("dicom.contextManager(%p): provider rejects context %v (%v): %v",
					m, ri.ContextID, sopUID, result)
			}
		case *pdu.UserInformationItem:
			m.recordPeerUserInformation(ri)
		}
	}
	responses = append(responses,
		&pdu.UserInformationItem{
			Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(m.maxPDUSize)},
				&pdu.ImplementationClassUIDSubItem{Name: dicom.DefaultImplementationClassUID},
				&pdu.ImplementationVersionNameSubItem{Name: dicom.DefaultImplementationVersionName}}})
	vlog.VI(1).Infof("dicom.contextManager(%p): associate request resolved, #accepted:%v, peer maxPDU:%v, implclass:%v, version:%v",
		m, len(m.contextIDToAbstractSyntaxNameMap),
		m.peerMaxPDUSize, m.peerImplementationClassUID, m.peerImplementationVersionName)
	return responses, nil
}

// resolveContext applies the first-match-wins rule: the first transfer
// syntax proposed by the requestor that the acceptor also supports is
// picked. An unknown abstract syntax yields result 3, no common transfer
// syntax yields result 4.
func (m *contextManager) resolveContext(sopUID string, proposed []string) (pdu.PresentationContextResult, string) {
	if m.capabilities == nil {
		// Requestor side never resolves inbound contexts.
		return pdu.PresentationContextProviderRejectionNoReason, proposed[0]
	}
	if !m.capabilities.supportsAbstractSyntax(sopUID) {
		return pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported, proposed[0]
	}
	for _, uid := range proposed {
		canonical, err := dicomio.CanonicalTransferSyntaxUID(uid)
		if err != nil {
			continue
		}
		if m.capabilities.transferSyntaxes[canonical] {
			return pdu.PresentationContextAccepted, canonical
		}
	}
	return pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, proposed[0]
}

// onAssociateResponse runs on the requestor side when the A-ASSOCIATE-AC
// arrives from the provider.
func (m *contextManager) onAssociateResponse(responses []pdu.SubItem) error {
	for _, responseItem := range responses {
		switch ri := responseItem.(type) {
		case *pdu.PresentationContextItem:
			var pickedTransferSyntaxUID string
			for _, subItem := range ri.Items {
				switch c := subItem.(type) {
				case *pdu.TransferSyntaxSubItem:
					if pickedTransferSyntaxUID != "" {
						return fmt.Errorf("dicom.contextManager: multiple syntax UIDs in A-ASSOCIATE-AC: %v", ri.String())
					}
					pickedTransferSyntaxUID = c.Name
				default:
					return fmt.Errorf("dicom.contextManager: unknown subitem %s in PresentationContext: %s", subItem.String(), ri.String())
				}
			}
			request, ok := m.tmpRequests[ri.ContextID]
			if !ok {
				return fmt.Errorf("dicom.contextManager: unknown context ID %d in A-ASSOCIATE-AC: %v",
					ri.ContextID, ri.String())
			}
			if ri.Result != pdu.PresentationContextAccepted {
				// The provider rejected this context. Not an association
				// error; calls needing the context will fail on lookup.
				vlog.VI(1).Infof("dicom.contextManager(%p): context %v rejected by provider: %v",
					m, ri.ContextID, ri.Result)
				continue
			}
			found := false
			var sopUID string
			for _, subItem := range request.Items {
				switch c := subItem.(type) {
				case *pdu.AbstractSyntaxSubItem:
					sopUID = c.Name
				case *pdu.TransferSyntaxSubItem:
					if c.Name == pickedTransferSyntaxUID {
						found = true
					}
				}
			}
			if !found || sopUID == "" {
				return fmt.Errorf("dicom.contextManager: provider picked a transfer syntax we did not propose: %v", ri.String())
			}
			addContextMapping(m, sopUID, pickedTransferSyntaxUID, ri.ContextID, ri.Result)
		case *pdu.UserInformationItem:
			m.recordPeerUserInformation(ri)
		}
	}
	if len(m.contextIDToAbstractSyntaxNameMap) == 0 {
		return fmt.Errorf("dicom.contextManager: provider accepted no presentation context")
	}
	vlog.VI(1).Infof("dicom.contextManager(%p): associate response resolved, #accepted:%v, peer maxPDU:%v, implclass:%v, version:%v",
		m, len(m.contextIDToAbstractSyntaxNameMap),
		m.peerMaxPDUSize, m.peerImplementationClassUID, m.peerImplementationVersionName)
	return nil
}

func (m *contextManager) recordPeerUserInformation(ri *pdu.UserInformationItem) {
	for _, subItem := range ri.Items {
		switch c := subItem.(type) {
		case *pdu.UserInformationMaximumLengthItem:
			m.peerMaxPDUSize = int(c.MaximumLengthReceived)
		case *pdu.ImplementationClassUIDSubItem:
			m.peerImplementationClassUID = c.Name
		case *pdu.ImplementationVersionNameSubItem:
			m.peerImplementationVersionName = c.Name
		case *pdu.AsynchronousOperationsWindowSubItem:
			vlog.VI(2).Infof("dicom.contextManager(%p): peer async ops window: %v", m, c)
		}
	}
}

// Add a mapping between a (global) UID and a (per-association) context ID.
func addContextMapping(
	m *contextManager,
	abstractSyntaxUID string,
	transferSyntaxUID string,
	contextID byte,
	result pdu.PresentationContextResult) {
	vlog.VI(2).Infof("dicom.contextManager(%p): map context %d -> %s, %s",
		m, contextID, dicom.UIDString(abstractSyntaxUID),
		dicom.UIDString(transferSyntaxUID))
	doassert(abstractSyntaxUID != "")
	doassert(transferSyntaxUID != "")
	doassert(contextID%2 == 1)
	e := &contextManagerEntry{
		abstractSyntaxUID: abstractSyntaxUID,
		transferSyntaxUID: transferSyntaxUID,
		contextID:         contextID,
		result:            result,
	}
	m.contextIDToAbstractSyntaxNameMap[contextID] = e
	m.abstractSyntaxNameToContextIDMap[abstractSyntaxUID] = e
}

// lookupByAbstractSyntaxUID resolves a SOP class UID to its negotiated
// context.
func (m *contextManager) lookupByAbstractSyntaxUID(name string) (contextManagerEntry, error) {
	e, ok := m.abstractSyntaxNameToContextIDMap[name]
	if !ok {
		return contextManagerEntry{}, fmt.Errorf("dicom.contextManager(%p): abstract syntax %s not negotiated", m, name)
	}
	return *e, nil
}

// lookupByContextID resolves a context ID to the negotiated syntaxes.
func (m *contextManager) lookupByContextID(contextID byte) (contextManagerEntry, error) {
	e, ok := m.contextIDToAbstractSyntaxNameMap[contextID]
	if !ok {
		return contextManagerEntry{}, fmt.Errorf("dicom.contextManager(%p): unknown context ID %d", m, contextID)
	}
	return *e, nil
}
