package dicomnet

// ServiceUser is the SCU half of this package: the client side of the DICOM
// upper layer protocol.

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kamedic/go-dicomnet/dimse"
	"github.com/kamedic/go-dicomnet/sopclass"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"v.io/x/lib/vlog"
)

type serviceUserStatus int

const (
	serviceUserInitial = serviceUserStatus(iota)
	serviceUserAssociationActive
	serviceUserClosed
)

// ServiceUser implements the client side of the DICOM network protocol.
//
//	params, err := dicomnet.NewServiceUserParams(
//	   "REMOTEAE", "LOCALAE", sopclass.QRFindClasses, nil)
//	user := dicomnet.NewServiceUser(params)
//	user.Connect("1.2.3.4:11112")
//	err := user.CEcho()
//	user.Release()
//
// ServiceUser is thread compatible: do not run two C-* calls concurrently;
// wait for one to finish before issuing another.
type ServiceUser struct {
	downcallCh chan stateEvent
	upcallCh   chan upcallEvent

	mu   *sync.Mutex
	cond *sync.Cond // Broadcast when status changes.

	// Following fields are guarded by mu.
	status         serviceUserStatus
	cm             *contextManager // Set only after the handshake completes.
	activeCommands map[uint16]*userCommandState
}

// Per-command-invocation state.
type userCommandState struct {
	parent    *ServiceUser
	messageID uint16

	// upcallCh streams the responses for the given messageID.
	upcallCh chan upcallEvent
}

type ServiceUserParams struct {
	CalledAETitle  string // Must be nonempty
	CallingAETitle string // Must be nonempty

	// RequiredServices is the list of SOP classes to negotiate. Usually one
	// of the lists in the sopclass package.
	RequiredServices []sopclass.SOPUID

	// SupportedTransferSyntaxes is the list of transfer syntaxes proposed
	// for each presentation context, in preference order. If you know the
	// encoding of the data you are going to send, put it first. Empty means
	// every standard syntax.
	SupportedTransferSyntaxes []string

	// ARTIMTimeout bounds how long the association lingers waiting for the
	// peer after a reject, release or abort. <=0 means 30s.
	ARTIMTimeout time.Duration
}

// NewServiceUserParams creates a ServiceUserParams, canonicalizing the given
// transfer syntax UIDs. If transferSyntaxUIDs is empty, the exhaustive list
// of standard syntaxes is proposed.
func NewServiceUserParams(
	calledAETitle string,
	callingAETitle string,
	requiredServices []sopclass.SOPUID,
	transferSyntaxUIDs []string) (ServiceUserParams, error) {
	if calledAETitle == "" {
		return ServiceUserParams{}, errors.New("dicomnet.NewServiceUserParams: empty calledAETitle")
	}
	if callingAETitle == "" {
		return ServiceUserParams{}, errors.New("dicomnet.NewServiceUserParams: empty callingAETitle")
	}
	if len(transferSyntaxUIDs) == 0 {
		transferSyntaxUIDs = dicomio.StandardTransferSyntaxes
	} else {
		canonical := make([]string, len(transferSyntaxUIDs))
		for i, uid := range transferSyntaxUIDs {
			var err error
			canonical[i], err = dicomio.CanonicalTransferSyntaxUID(uid)
			if err != nil {
				return ServiceUserParams{}, err
			}
		}
		transferSyntaxUIDs = canonical
	}
	return ServiceUserParams{
		CalledAETitle:             calledAETitle,
		CallingAETitle:            callingAETitle,
		RequiredServices:          requiredServices,
		SupportedTransferSyntaxes: transferSyntaxUIDs,
	}, nil
}

// NewServiceUser creates a new ServiceUser. The caller must call either
// Connect or SetConn before issuing any command.
func NewServiceUser(params ServiceUserParams) *ServiceUser {
	mu := &sync.Mutex{}
	su := &ServiceUser{
		downcallCh:     make(chan stateEvent, 128),
		upcallCh:       make(chan upcallEvent, 128),
		mu:             mu,
		cond:           sync.NewCond(mu),
		status:         serviceUserInitial,
		activeCommands: make(map[uint16]*userCommandState),
	}
	go runStateMachineForServiceUser(params, su.upcallCh, su.downcallCh)
	go func() {
		for event := range su.upcallCh {
			if event.eventType == upcallEventHandshakeCompleted {
				su.mu.Lock()
				doassert(su.cm == nil)
				su.status = serviceUserAssociationActive
				su.cm = event.cm
				su.cond.Broadcast()
				su.mu.Unlock()
				continue
			}
			doassert(event.eventType == upcallEventData)
			su.handleEvent(event)
		}
		vlog.VI(1).Infof("dicom.serviceUser: dispatcher finished")
		su.mu.Lock()
		su.status = serviceUserClosed
		su.cond.Broadcast()
		for _, cs := range su.activeCommands {
			close(cs.upcallCh)
			delete(su.activeCommands, cs.messageID)
		}
		su.mu.Unlock()
	}()
	return su
}

func (su *ServiceUser) createCommand(messageID uint16) *userCommandState {
	su.mu.Lock()
	defer su.mu.Unlock()
	if _, ok := su.activeCommands[messageID]; ok {
		panic(fmt.Sprintf("dicom.serviceUser: duplicate message ID %v", messageID))
	}
	cs := &userCommandState{
		parent:    su,
		messageID: messageID,
		upcallCh:  make(chan upcallEvent, 128),
	}
	su.activeCommands[messageID] = cs
	return cs
}

func (su *ServiceUser) findCommand(messageID uint16) *userCommandState {
	su.mu.Lock()
	defer su.mu.Unlock()
	return su.activeCommands[messageID]
}

func (su *ServiceUser) deleteCommand(cs *userCommandState) {
	su.mu.Lock()
	if _, ok := su.activeCommands[cs.messageID]; !ok {
		su.mu.Unlock()
		return // already reaped by the dispatcher shutdown
	}
	delete(su.activeCommands, cs.messageID)
	su.mu.Unlock()
	close(cs.upcallCh)
}

func (su *ServiceUser) handleEvent(event upcallEvent) {
	messageID := event.command.GetMessageID()
	cs := su.findCommand(messageID)
	if cs == nil {
		vlog.Errorf("dicom.serviceUser: dropping message for unknown ID: %v", event.command)
		return
	}
	cs.upcallCh <- event
}

func (su *ServiceUser) waitUntilReady() error {
	su.mu.Lock()
	defer su.mu.Unlock()
	for su.status <= serviceUserInitial {
		su.cond.Wait()
	}
	if su.status != serviceUserAssociationActive {
		return fmt.Errorf("dicomnet: association failed before becoming active")
	}
	return nil
}

// Connect dials the server at "host:port" and starts the association
// handshake. Either Connect or SetConn must be called before issuing
// commands.
func (su *ServiceUser) Connect(serverAddr string) {
	su.mu.Lock()
	doassert(su.status == serviceUserInitial)
	su.mu.Unlock()
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		vlog.Errorf("dicom.serviceUser: Connect(%s): %v", serverAddr, err)
		su.downcallCh <- stateEvent{event: evt17, err: err}
		return
	}
	su.downcallCh <- stateEvent{event: evt02, conn: conn}
}

// SetConn starts the association handshake over an existing connection.
// Either Connect or SetConn must be called before issuing commands.
func (su *ServiceUser) SetConn(conn net.Conn) {
	su.mu.Lock()
	doassert(su.status == serviceUserInitial)
	su.mu.Unlock()
	su.downcallCh <- stateEvent{event: evt02, conn: conn}
}

// Send issues one raw command+data pair on the association and returns the
// first response message. Most callers want the typed wrappers (CEcho,
// CStore, CFind) instead.
func (su *ServiceUser) Send(abstractSyntaxUID string, command dimse.Message, data []byte) (dimse.Message, error) {
	if err := su.waitUntilReady(); err != nil {
		return nil, err
	}
	cs := su.createCommand(command.GetMessageID())
	defer su.deleteCommand(cs)
	su.downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: abstractSyntaxUID,
			command:            command,
			data:               data,
		}}
	event, ok := <-cs.upcallCh
	if !ok {
		return nil, fmt.Errorf("dicomnet: association closed while waiting for a response to %v", command)
	}
	return event.command, nil
}

// CEcho sends a C-ECHO request to the remote AE. Returns nil iff the remote
// AE answers with a success status.
func (su *ServiceUser) CEcho() error {
	resp, err := su.Send(dicomuid.VerificationSOPClass, &dimse.C_ECHO_RQ{
		MessageID:          dimse.NewMessageID(),
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	}, nil)
	if err != nil {
		return err
	}
	echoResp, ok := resp.(*dimse.C_ECHO_RSP)
	if !ok {
		return fmt.Errorf("dicomnet: invalid response for C-ECHO: %v", resp)
	}
	if echoResp.Status.Status != dimse.StatusSuccess {
		return fmt.Errorf("dicomnet: non-OK status in C-ECHO response: %v", echoResp.Status)
	}
	return nil
}

// CStore issues a C-STORE request to transfer "ds" to the remote peer. It
// blocks until the operation finishes.
//
// REQUIRES: Connect or SetConn has been called.
func (su *ServiceUser) CStore(ds *dicom.DataSet) error {
	if err := su.waitUntilReady(); err != nil {
		return err
	}
	doassert(su.cm != nil)
	cs := su.createCommand(dimse.NewMessageID())
	defer su.deleteCommand(cs)
	return runCStoreOnAssociation(cs.upcallCh, su.downcallCh, su.cm, cs.messageID, ds)
}

type CFindQRLevel int

const (
	CFindPatientQRLevel = CFindQRLevel(iota)
	CFindStudyQRLevel
)

// CFindResult is one streamed answer of a C-FIND call. Exactly one of Err
// or Elements is set.
type CFindResult struct {
	Err      error
	Elements []*dicom.Element // Elements belonging to one matching dataset.
}

// CFind issues a C-FIND request and returns a channel streaming either an
// error or a matching dataset. The caller MUST drain the channel before
// issuing any other command.
//
// REQUIRES: Connect or SetConn has been called.
func (su *ServiceUser) CFind(qrLevel CFindQRLevel, filter []*dicom.Element) chan CFindResult {
	ch := make(chan CFindResult, 128)
	fail := func(err error) chan CFindResult {
		ch <- CFindResult{Err: err}
		close(ch)
		return ch
	}
	if err := su.waitUntilReady(); err != nil {
		return fail(err)
	}
	var sopClassUID, qrLevelString string
	switch qrLevel {
	case CFindPatientQRLevel:
		sopClassUID = dicomuid.PatientRootQRFind
		qrLevelString = "PATIENT"
	case CFindStudyQRLevel:
		sopClassUID = dicomuid.StudyRootQRFind
		qrLevelString = "STUDY"
	default:
		return fail(fmt.Errorf("dicomnet: invalid C-FIND QR level: %d", qrLevel))
	}
	context, err := su.cm.lookupByAbstractSyntaxUID(sopClassUID)
	if err != nil {
		// The sopclass list in the A-ASSOCIATE handshake did not cover
		// this QR class.
		return fail(err)
	}
	// Encode the data payload containing the filtering conditions.
	dataEncoder := dicomio.NewBytesEncoderWithTransferSyntax(context.transferSyntaxUID)
	dicom.WriteElement(dataEncoder, dicom.MustNewElement(dicom.TagQueryRetrieveLevel, qrLevelString))
	for _, elem := range filter {
		if elem.Tag == dicom.TagQueryRetrieveLevel {
			return fail(fmt.Errorf("dicomnet: %v must not be in the C-FIND filter (derived from qrLevel)", elem.Tag))
		}
		dicom.WriteElement(dataEncoder, elem)
	}
	if err := dataEncoder.Error(); err != nil {
		return fail(err)
	}
	cs := su.createCommand(dimse.NewMessageID())
	go func() {
		defer close(ch)
		defer su.deleteCommand(cs)
		su.downcallCh <- stateEvent{
			event: evt09,
			dimsePayload: &stateEventDIMSEPayload{
				abstractSyntaxName: sopClassUID,
				command: &dimse.C_FIND_RQ{
					AffectedSOPClassUID: sopClassUID,
					MessageID:           cs.messageID,
					CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
				},
				data: dataEncoder.Bytes()}}
		for {
			event, ok := <-cs.upcallCh
			if !ok {
				ch <- CFindResult{Err: fmt.Errorf("dicomnet: association closed while waiting for C-FIND responses")}
				return
			}
			resp, ok := event.command.(*dimse.C_FIND_RSP)
			if !ok {
				ch <- CFindResult{Err: fmt.Errorf("dicomnet: wrong response type for C-FIND: %v", event.command)}
				return
			}
			if resp.Status.Status == dimse.StatusPending {
				elems, err := ReadElementsInBytes(event.data, context.transferSyntaxUID)
				if err != nil {
					ch <- CFindResult{Err: err}
				} else {
					ch <- CFindResult{Elements: elems}
				}
				continue
			}
			if resp.Status.Status != dimse.StatusSuccess {
				ch <- CFindResult{Err: fmt.Errorf("dicomnet: C-FIND failed: %v", resp.Status)}
			}
			return
		}
	}()
	return ch
}

// Release shuts down the association gracefully. It must be called at most
// once; no operation is possible on the ServiceUser afterwards.
func (su *ServiceUser) Release() {
	if err := su.waitUntilReady(); err != nil {
		return
	}
	su.downcallCh <- stateEvent{event: evt11}
	su.mu.Lock()
	defer su.mu.Unlock()
	for su.status == serviceUserAssociationActive {
		su.cond.Wait()
	}
}

// Abort tears the association down immediately with an A-ABORT. No
// operation is possible on the ServiceUser afterwards.
func (su *ServiceUser) Abort() {
	su.downcallCh <- stateEvent{event: evt15}
	su.mu.Lock()
	defer su.mu.Unlock()
	for su.status == serviceUserAssociationActive {
		su.cond.Wait()
	}
}
