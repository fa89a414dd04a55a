package dicomnet

import (
	"testing"

	"github.com/kamedic/go-dicomnet/pdu"
	"github.com/kamedic/go-dicomnet/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

const (
	implicitVRLittleEndian = dicomuid.ImplicitVRLittleEndian
	explicitVRLittleEndian = dicomuid.ExplicitVRLittleEndian
	explicitVRBigEndian    = dicomuid.ExplicitVRBigEndian
)

func newAcceptorContextManager(params ServiceProviderParams) *contextManager {
	cm := newContextManager(pdu.DefaultMaxPDUSize)
	cm.capabilities = newProviderCapabilities(params)
	return cm
}

func TestResolveContextFirstMatchWins(t *testing.T) {
	cm := newAcceptorContextManager(ServiceProviderParams{})
	result, picked := cm.resolveContext(dicomuid.VerificationSOPClass,
		[]string{explicitVRLittleEndian, implicitVRLittleEndian})
	assert.Equal(t, pdu.PresentationContextAccepted, result)
	assert.Equal(t, explicitVRLittleEndian, picked)

	// Reversing the proposal order changes the pick.
	result, picked = cm.resolveContext(dicomuid.VerificationSOPClass,
		[]string{implicitVRLittleEndian, explicitVRLittleEndian})
	assert.Equal(t, pdu.PresentationContextAccepted, result)
	assert.Equal(t, implicitVRLittleEndian, picked)
}

func TestResolveContextAbstractSyntaxNotSupported(t *testing.T) {
	cm := newAcceptorContextManager(ServiceProviderParams{
		SupportedAbstractSyntaxes: sopclass.VerificationClasses,
	})
	result, _ := cm.resolveContext("1.2.840.10008.5.1.4.1.1.2",
		[]string{implicitVRLittleEndian})
	assert.Equal(t, pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported, result)

	result, _ = cm.resolveContext(dicomuid.VerificationSOPClass,
		[]string{implicitVRLittleEndian})
	assert.Equal(t, pdu.PresentationContextAccepted, result)
}

func TestResolveContextTransferSyntaxNotSupported(t *testing.T) {
	cm := newAcceptorContextManager(ServiceProviderParams{
		SupportedTransferSyntaxes: []string{implicitVRLittleEndian},
	})
	result, _ := cm.resolveContext(dicomuid.VerificationSOPClass,
		[]string{explicitVRBigEndian})
	assert.Equal(t, pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, result)
}

func TestGenerateAssociateRequestOddContextIDs(t *testing.T) {
	cm := newContextManager(pdu.DefaultMaxPDUSize)
	items := cm.generateAssociateRequest(
		append(append([]sopclass.SOPUID{}, sopclass.VerificationClasses...), sopclass.QRFindClasses...),
		[]string{implicitVRLittleEndian})
	var contextIDs []byte
	for _, item := range items {
		if pc, ok := item.(*pdu.PresentationContextItem); ok {
			contextIDs = append(contextIDs, pc.ContextID)
		}
	}
	require.Len(t, contextIDs, 1+len(sopclass.QRFindClasses))
	seen := map[byte]bool{}
	for _, id := range contextIDs {
		assert.Equal(t, byte(1), id%2, "context ID %d must be odd", id)
		assert.False(t, seen[id], "context ID %d allocated twice", id)
		seen[id] = true
	}
	// Exactly one application context and one user-information item.
	var appContexts, userInfos int
	for _, item := range items {
		switch item.(type) {
		case *pdu.ApplicationContextItem:
			appContexts++
		case *pdu.UserInformationItem:
			userInfos++
		}
	}
	assert.Equal(t, 1, appContexts)
	assert.Equal(t, 1, userInfos)
}

// Full handshake: requestor generates, acceptor resolves, requestor applies
// the response. Both sides end up with the same mapping.
func TestNegotiationRoundTrip(t *testing.T) {
	requestor := newContextManager(pdu.DefaultMaxPDUSize)
	acceptor := newAcceptorContextManager(ServiceProviderParams{
		SupportedAbstractSyntaxes: sopclass.VerificationClasses,
		SupportedTransferSyntaxes: []string{implicitVRLittleEndian},
	})

	services := append(append([]sopclass.SOPUID{}, sopclass.VerificationClasses...),
		sopclass.SOPUID{Name: "CTImageStorage", UID: "1.2.840.10008.5.1.4.1.1.2"})
	requestItems := requestor.generateAssociateRequest(services,
		[]string{explicitVRLittleEndian, implicitVRLittleEndian})

	responseItems, err := acceptor.onAssociateRequest(requestItems)
	require.NoError(t, err)

	// The acceptor answers every proposed context, accepted or not.
	var results []pdu.PresentationContextResult
	for _, item := range responseItems {
		if pc, ok := item.(*pdu.PresentationContextItem); ok {
			results = append(results, pc.Result)
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, pdu.PresentationContextAccepted, results[0])
	assert.Equal(t, pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported, results[1])

	require.NoError(t, requestor.onAssociateResponse(responseItems))

	for _, cm := range []*contextManager{requestor, acceptor} {
		e, err := cm.lookupByAbstractSyntaxUID(dicomuid.VerificationSOPClass)
		require.NoError(t, err)
		assert.Equal(t, implicitVRLittleEndian, e.transferSyntaxUID)
		e2, err := cm.lookupByContextID(e.contextID)
		require.NoError(t, err)
		assert.Equal(t, dicomuid.VerificationSOPClass, e2.abstractSyntaxUID)
		// The rejected CT storage context must not be mapped.
		_, err = cm.lookupByAbstractSyntaxUID("1.2.840.10008.5.1.4.1.1.2")
		assert.Error(t, err)
	}
}

func TestNegotiationAllContextsRejected(t *testing.T) {
	requestor := newContextManager(pdu.DefaultMaxPDUSize)
	acceptor := newAcceptorContextManager(ServiceProviderParams{
		SupportedAbstractSyntaxes: sopclass.QRFindClasses,
	})
	requestItems := requestor.generateAssociateRequest(
		sopclass.VerificationClasses, []string{implicitVRLittleEndian})
	responseItems, err := acceptor.onAssociateRequest(requestItems)
	require.NoError(t, err)
	assert.Error(t, requestor.onAssociateResponse(responseItems))
}

func TestNegotiationBadApplicationContext(t *testing.T) {
	acceptor := newAcceptorContextManager(ServiceProviderParams{})
	_, err := acceptor.onAssociateRequest([]pdu.SubItem{
		&pdu.ApplicationContextItem{Name: "1.2.3.4.5"},
	})
	assert.Error(t, err)
}

// A provider that picks a transfer syntax the requestor never proposed is a
// protocol violation.
func TestNegotiationUnproposedTransferSyntax(t *testing.T) {
	requestor := newContextManager(pdu.DefaultMaxPDUSize)
	requestor.generateAssociateRequest(sopclass.VerificationClasses,
		[]string{implicitVRLittleEndian})
	err := requestor.onAssociateResponse([]pdu.SubItem{
		&pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextResponse,
			ContextID: 1,
			Result:    pdu.PresentationContextAccepted,
			Items:     []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: explicitVRBigEndian}},
		},
	})
	assert.Error(t, err)
}

func TestPeerUserInformationRecorded(t *testing.T) {
	cm := newContextManager(pdu.DefaultMaxPDUSize)
	cm.recordPeerUserInformation(&pdu.UserInformationItem{
		Items: []pdu.SubItem{
			&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: 32768},
			&pdu.ImplementationClassUIDSubItem{Name: "1.2.3"},
			&pdu.ImplementationVersionNameSubItem{Name: "TESTAE_10"},
		},
	})
	assert.Equal(t, 32768, cm.peerMaxPDUSize)
	assert.Equal(t, "1.2.3", cm.peerImplementationClassUID)
	assert.Equal(t, "TESTAE_10", cm.peerImplementationVersionName)
}
