package dicomnet

// Implements the DICOM Upper Layer state machine. The canonical spec is
// P3.8 9.2. Each association runs one copy of this machine in its own
// goroutine, driven by a single select over the network, timer and
// upper-layer channels.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/kamedic/go-dicomnet/dimse"
	"github.com/kamedic/go-dicomnet/pdu"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

type stateType struct {
	name        string
	description string
}

var (
	sta01 = &stateType{"Sta1", "Idle"}
	sta02 = &stateType{"Sta2", "Transport connection open (awaiting A-ASSOCIATE-RQ PDU)"}
	sta03 = &stateType{"Sta3", "Awaiting local A-ASSOCIATE response primitive"}
	sta04 = &stateType{"Sta4", "Awaiting transport connection opening to complete"}
	sta05 = &stateType{"Sta5", "Awaiting A-ASSOCIATE-AC or A-ASSOCIATE-RJ PDU"}
	sta06 = &stateType{"Sta6", "Association established and ready for data transfer"}
	sta07 = &stateType{"Sta7", "Awaiting A-RELEASE-RP PDU"}
	sta08 = &stateType{"Sta8", "Awaiting local A-RELEASE response primitive"}
	sta09 = &stateType{"Sta9", "Release collision requestor side; awaiting A-RELEASE response primitive"}
	sta10 = &stateType{"Sta10", "Release collision acceptor side; awaiting A-RELEASE-RP PDU"}
	sta11 = &stateType{"Sta11", "Release collision requestor side; awaiting A-RELEASE-RP PDU"}
	sta12 = &stateType{"Sta12", "Release collision acceptor side; awaiting A-RELEASE response primitive"}
	sta13 = &stateType{"Sta13", "Awaiting transport connection close (association no longer exists)"}
)

func (s *stateType) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.description)
}

type eventType int

const (
	evt01 = eventType(1)  // A-ASSOCIATE request (local user)
	evt02 = eventType(2)  // Transport connection confirmation (local transport service)
	evt03 = eventType(3)  // A-ASSOCIATE-AC PDU (received on transport connection)
	evt04 = eventType(4)  // A-ASSOCIATE-RJ PDU (received on transport connection)
	evt05 = eventType(5)  // Transport connection indication (local transport service)
	evt06 = eventType(6)  // A-ASSOCIATE-RQ PDU (received on transport connection)
	evt07 = eventType(7)  // A-ASSOCIATE response primitive (accept)
	evt08 = eventType(8)  // A-ASSOCIATE response primitive (reject)
	evt09 = eventType(9)  // P-DATA request primitive
	evt10 = eventType(10) // P-DATA-TF PDU (received on transport connection)
	evt11 = eventType(11) // A-RELEASE request primitive
	evt12 = eventType(12) // A-RELEASE-RQ PDU (received on transport connection)
	evt13 = eventType(13) // A-RELEASE-RP PDU (received on transport connection)
	evt14 = eventType(14) // A-RELEASE response primitive
	evt15 = eventType(15) // A-ABORT request primitive
	evt16 = eventType(16) // A-ABORT PDU (received on transport connection)
	evt17 = eventType(17) // Transport connection closed indication
	evt18 = eventType(18) // ARTIM timer expired (association reject/release timer)
	evt19 = eventType(19) // Unrecognized or invalid PDU received
)

func (e eventType) String() string {
	return fmt.Sprintf("evt%02d", int(e))
}

// stateEventDIMSEPayload is the payload of an evt09 (P-DATA request): one
// command message, plus data bytes already encoded in the transfer syntax
// negotiated for the abstract syntax.
type stateEventDIMSEPayload struct {
	abstractSyntaxName string
	command            dimse.Message
	data               []byte
}

// stateEvent is an input to the state machine, delivered over one of the
// netCh / timerCh / downcallCh channels.
type stateEvent struct {
	event eventType
	pdu   pdu.PDU
	err   error
	conn  net.Conn

	// Payload for evt09.
	dimsePayload *stateEventDIMSEPayload
}

func (e stateEvent) String() string {
	return fmt.Sprintf("stateevent{event:%v, pdu:%v, err:%v}", e.event, e.pdu, e.err)
}

type upcallEventType int

const (
	// The handshake completed and the association is ready for data.
	upcallEventHandshakeCompleted = upcallEventType(100)
	// A full DIMSE message (command and data) arrived.
	upcallEventData = upcallEventType(101)
)

// upcallEvent is a message from the state machine to the upper layer
// (ServiceUser or serviceDispatcher).
type upcallEvent struct {
	eventType upcallEventType

	// cm is the negotiated context mapping for this association. Always set.
	cm *contextManager

	// contextID, command, data are set iff eventType==upcallEventData.
	contextID byte
	command   dimse.Message
	data      []byte
}

type stateAction struct {
	name        string
	description string
	callback    func(sm *stateMachine, event stateEvent) *stateType
}

func (a *stateAction) String() string {
	return fmt.Sprintf("%s(%s)", a.name, a.description)
}

var actionAe1 = &stateAction{"AE-1", "Issue TRANSPORT CONNECT request primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		// The connection is established by ServiceUser.Connect or SetConn
		// and arrives as evt02.
		return sta04
	}}

var actionAe2 = &stateAction{"AE-2", "Send A-ASSOCIATE-RQ PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		items := sm.cm.generateAssociateRequest(
			sm.userParams.RequiredServices,
			sm.userParams.SupportedTransferSyntaxes)
		sm.sendPDU(&pdu.A_ASSOCIATE{
			Type:            pdu.TypeA_ASSOCIATE_RQ,
			ProtocolVersion: pdu.CurrentProtocolVersion,
			CalledAETitle:   sm.userParams.CalledAETitle,
			CallingAETitle:  sm.userParams.CallingAETitle,
			Items:           items,
		})
		return sta05
	}}

var actionAe3 = &stateAction{"AE-3", "Issue A-ASSOCIATE confirmation (accept) primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		v := event.pdu.(*pdu.A_ASSOCIATE)
		if err := sm.cm.onAssociateResponse(v.Items); err != nil {
			vlog.Errorf("dicom.stateMachine %s: bad A-ASSOCIATE-AC: %v", sm.label, err)
			return sm.abortWith(pdu.AbortSourceServiceProvider, pdu.AbortReasonInvalidPDUParam)
		}
		sm.upcallCh <- upcallEvent{
			eventType: upcallEventHandshakeCompleted,
			cm:        sm.cm,
		}
		return sta06
	}}

var actionAe4 = &stateAction{"AE-4", "Issue A-ASSOCIATE confirmation (reject) primitive and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.closeConnection()
		return sta01
	}}

var actionAe5 = &stateAction{"AE-5", "Issue transport connection response primitive; start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.startTimer()
		go networkReaderThread(sm.netCh, event.conn, sm.maxPDUSize, sm.label)
		return sta02
	}}

var actionAe6 = &stateAction{"AE-6", "Stop ARTIM timer; if A-ASSOCIATE-RQ acceptable issue A-ASSOCIATE indication, otherwise issue A-ASSOCIATE-RJ PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.stopTimer()
		v := event.pdu.(*pdu.A_ASSOCIATE)
		if v.ProtocolVersion&1 == 0 {
			vlog.Errorf("dicom.stateMachine %s: wrong remote protocol version 0x%x", sm.label, v.ProtocolVersion)
			sm.sendPDU(&pdu.A_ASSOCIATE_RJ{
				Result: pdu.ResultRejectedPermanent,
				Source: pdu.SourceULServiceProviderACSE,
				Reason: pdu.ReasonNone,
			})
			sm.startTimer()
			return sta13
		}
		if sm.calledAETitle != "" && strings.TrimSpace(v.CalledAETitle) != sm.calledAETitle {
			vlog.Errorf("dicom.stateMachine %s: called AE title %q does not match %q",
				sm.label, strings.TrimSpace(v.CalledAETitle), sm.calledAETitle)
			sm.downcallCh <- stateEvent{
				event: evt08,
				pdu: &pdu.A_ASSOCIATE_RJ{
					Result: pdu.ResultRejectedPermanent,
					Source: pdu.SourceULServiceProviderACSE,
					Reason: pdu.ReasonCalledAETitleNotRecognized,
				},
			}
			return sta03
		}
		responses, err := sm.cm.onAssociateRequest(v.Items)
		if err != nil {
			vlog.Errorf("dicom.stateMachine %s: unacceptable A-ASSOCIATE-RQ: %v", sm.label, err)
			sm.downcallCh <- stateEvent{
				event: evt08,
				pdu: &pdu.A_ASSOCIATE_RJ{
					Result: pdu.ResultRejectedPermanent,
					Source: pdu.SourceULServiceProviderACSE,
					Reason: pdu.ReasonNone,
				},
			}
			return sta03
		}
		// The local AE auto-accepts; an A-ASSOCIATE response primitive is
		// fed back immediately.
		sm.downcallCh <- stateEvent{
			event: evt07,
			pdu: &pdu.A_ASSOCIATE{
				Type:            pdu.TypeA_ASSOCIATE_AC,
				ProtocolVersion: pdu.CurrentProtocolVersion,
				CalledAETitle:   v.CalledAETitle,
				CallingAETitle:  v.CallingAETitle,
				Items:           responses,
			},
		}
		return sta03
	}}

var actionAe7 = &stateAction{"AE-7", "Send A-ASSOCIATE-AC PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(event.pdu.(*pdu.A_ASSOCIATE))
		sm.upcallCh <- upcallEvent{
			eventType: upcallEventHandshakeCompleted,
			cm:        sm.cm,
		}
		return sta06
	}}

var actionAe8 = &stateAction{"AE-8", "Send A-ASSOCIATE-RJ PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(event.pdu.(*pdu.A_ASSOCIATE_RJ))
		sm.startTimer()
		return sta13
	}}

var actionDt1 = &stateAction{"DT-1", "Send P-DATA-TF PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendDIMSEPayload(event.dimsePayload)
		return sta06
	}}

var actionDt2 = &stateAction{"DT-2", "Issue P-DATA indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		if next := sm.onDataPDU(event.pdu.(*pdu.P_DATA_TF)); next != nil {
			return next
		}
		return sta06
	}}

var actionAr1 = &stateAction{"AR-1", "Send A-RELEASE-RQ PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(&pdu.A_RELEASE_RQ{})
		return sta07
	}}

var actionAr2 = &stateAction{"AR-2", "Issue A-RELEASE indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		// The local AE auto-accepts the release.
		sm.downcallCh <- stateEvent{event: evt14}
		return sta08
	}}

var actionAr3 = &stateAction{"AR-3", "Issue A-RELEASE confirmation primitive and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.closeConnection()
		return sta01
	}}

var actionAr4 = &stateAction{"AR-4", "Send A-RELEASE-RP PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(&pdu.A_RELEASE_RP{})
		sm.startTimer()
		return sta13
	}}

var actionAr5 = &stateAction{"AR-5", "Stop ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.stopTimer()
		return sta01
	}}

var actionAr6 = &stateAction{"AR-6", "Issue P-DATA indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		if next := sm.onDataPDU(event.pdu.(*pdu.P_DATA_TF)); next != nil {
			return next
		}
		return sta07
	}}

var actionAr7 = &stateAction{"AR-7", "Send P-DATA-TF PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendDIMSEPayload(event.dimsePayload)
		return sta08
	}}

var actionAr8 = &stateAction{"AR-8", "Issue A-RELEASE indication (release collision)",
	func(sm *stateMachine, event stateEvent) *stateType {
		if sm.isUser {
			// Requestor side responds to the peer's release first.
			sm.downcallCh <- stateEvent{event: evt14}
			return sta09
		}
		return sta10
	}}

var actionAr9 = &stateAction{"AR-9", "Send A-RELEASE-RP PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(&pdu.A_RELEASE_RP{})
		return sta11
	}}

var actionAr10 = &stateAction{"AR-10", "Issue A-RELEASE confirmation primitive (release collision)",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.downcallCh <- stateEvent{event: evt14}
		return sta12
	}}

var actionAa1 = &stateAction{"AA-1", "Send A-ABORT PDU (service-user source) and restart ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		reason := pdu.AbortReasonNotSpecified
		if sm.currentState == sta02 {
			reason = pdu.AbortReasonUnexpectedPDU
		}
		sm.sendPDU(&pdu.A_ABORT{Source: pdu.AbortSourceServiceUser, Reason: reason})
		sm.restartTimer()
		return sta13
	}}

var actionAa2 = &stateAction{"AA-2", "Stop ARTIM timer if running; close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.stopTimer()
		sm.closeConnection()
		return sta01
	}}

var actionAa3 = &stateAction{"AA-3", "Issue A-ABORT (or A-P-ABORT) indication and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.closeConnection()
		return sta01
	}}

var actionAa4 = &stateAction{"AA-4", "Issue A-P-ABORT indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		return sta01
	}}

var actionAa5 = &stateAction{"AA-5", "Stop ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.stopTimer()
		return sta01
	}}

var actionAa6 = &stateAction{"AA-6", "Ignore PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		return sta13
	}}

var actionAa7 = &stateAction{"AA-7", "Send A-ABORT PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(&pdu.A_ABORT{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonUnexpectedPDU})
		return sta13
	}}

var actionAa8 = &stateAction{"AA-8", "Send A-ABORT PDU (service-provider source), issue A-P-ABORT indication and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.sendPDU(&pdu.A_ABORT{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonNotSpecified})
		sm.startTimer()
		return sta13
	}}

type stateTransition struct {
	event   eventType
	current *stateType
	action  *stateAction
}

// The transition table of P3.8 9.2.3, table 9-10.
var stateTransitions = []stateTransition{
	{evt01, sta01, actionAe1},
	{evt02, sta04, actionAe2},
	{evt03, sta02, actionAa1},
	{evt03, sta03, actionAa8},
	{evt03, sta05, actionAe3},
	{evt03, sta06, actionAa8},
	{evt03, sta07, actionAa8},
	{evt03, sta08, actionAa8},
	{evt03, sta09, actionAa8},
	{evt03, sta10, actionAa8},
	{evt03, sta11, actionAa8},
	{evt03, sta12, actionAa8},
	{evt03, sta13, actionAa6},
	{evt04, sta02, actionAa1},
	{evt04, sta03, actionAa8},
	{evt04, sta05, actionAe4},
	{evt04, sta06, actionAa8},
	{evt04, sta07, actionAa8},
	{evt04, sta08, actionAa8},
	{evt04, sta09, actionAa8},
	{evt04, sta10, actionAa8},
	{evt04, sta11, actionAa8},
	{evt04, sta12, actionAa8},
	{evt04, sta13, actionAa6},
	{evt05, sta01, actionAe5},
	{evt06, sta02, actionAe6},
	{evt06, sta03, actionAa8},
	{evt06, sta05, actionAa8},
	{evt06, sta06, actionAa8},
	{evt06, sta07, actionAa8},
	{evt06, sta08, actionAa8},
	{evt06, sta09, actionAa8},
	{evt06, sta10, actionAa8},
	{evt06, sta11, actionAa8},
	{evt06, sta12, actionAa8},
	{evt06, sta13, actionAa7},
	{evt07, sta03, actionAe7},
	{evt08, sta03, actionAe8},
	{evt09, sta06, actionDt1},
	{evt09, sta08, actionAr7},
	{evt10, sta02, actionAa1},
	{evt10, sta03, actionAa8},
	{evt10, sta05, actionAa8},
	{evt10, sta06, actionDt2},
	{evt10, sta07, actionAr6},
	{evt10, sta08, actionAa8},
	{evt10, sta09, actionAa8},
	{evt10, sta10, actionAa8},
	{evt10, sta11, actionAa8},
	{evt10, sta12, actionAa8},
	{evt10, sta13, actionAa6},
	{evt11, sta06, actionAr1},
	{evt12, sta02, actionAa1},
	{evt12, sta03, actionAa8},
	{evt12, sta05, actionAa8},
	{evt12, sta06, actionAr2},
	{evt12, sta07, actionAr8},
	{evt12, sta08, actionAa8},
	{evt12, sta09, actionAa8},
	{evt12, sta10, actionAa8},
	{evt12, sta11, actionAa8},
	{evt12, sta12, actionAa8},
	{evt12, sta13, actionAa6},
	{evt13, sta02, actionAa1},
	{evt13, sta03, actionAa8},
	{evt13, sta05, actionAa8},
	{evt13, sta06, actionAa8},
	{evt13, sta07, actionAr3},
	{evt13, sta08, actionAa8},
	{evt13, sta09, actionAa8},
	{evt13, sta10, actionAr10},
	{evt13, sta11, actionAr3},
	{evt13, sta12, actionAa8},
	{evt13, sta13, actionAa6},
	{evt14, sta08, actionAr4},
	{evt14, sta09, actionAr9},
	{evt14, sta12, actionAr4},
	{evt15, sta03, actionAa1},
	{evt15, sta04, actionAa2},
	{evt15, sta05, actionAa1},
	{evt15, sta06, actionAa1},
	{evt15, sta07, actionAa1},
	{evt15, sta08, actionAa1},
	{evt15, sta09, actionAa1},
	{evt15, sta10, actionAa1},
	{evt15, sta11, actionAa1},
	{evt15, sta12, actionAa1},
	{evt16, sta02, actionAa2},
	{evt16, sta03, actionAa3},
	{evt16, sta05, actionAa3},
	{evt16, sta06, actionAa3},
	{evt16, sta07, actionAa3},
	{evt16, sta08, actionAa3},
	{evt16, sta09, actionAa3},
	{evt16, sta10, actionAa3},
	{evt16, sta11, actionAa3},
	{evt16, sta12, actionAa3},
	{evt16, sta13, actionAa2},
	{evt17, sta02, actionAa5},
	{evt17, sta03, actionAa4},
	{evt17, sta04, actionAa4},
	{evt17, sta05, actionAa4},
	{evt17, sta06, actionAa4},
	{evt17, sta07, actionAa4},
	{evt17, sta08, actionAa4},
	{evt17, sta09, actionAa4},
	{evt17, sta10, actionAa4},
	{evt17, sta11, actionAa4},
	{evt17, sta12, actionAa4},
	{evt17, sta13, actionAr5},
	{evt18, sta02, actionAa2},
	{evt18, sta13, actionAa2},
	{evt19, sta02, actionAa1},
	{evt19, sta03, actionAa8},
	{evt19, sta05, actionAa8},
	{evt19, sta06, actionAa8},
	{evt19, sta07, actionAa8},
	{evt19, sta08, actionAa8},
	{evt19, sta09, actionAa8},
	{evt19, sta10, actionAa8},
	{evt19, sta11, actionAa8},
	{evt19, sta12, actionAa8},
	{evt19, sta13, actionAa7},
}

// findAction returns the action for (state, event), or nil if the pair is
// not in the table.
func findAction(currentState *stateType, event eventType) *stateAction {
	for _, t := range stateTransitions {
		if t.current == currentState && t.event == event {
			return t.action
		}
	}
	return nil
}

type stateMachine struct {
	// True if this side requested the association (SCU). Used to resolve
	// release collisions.
	isUser bool
	label  string // "user" or "provider <addr>", for logging.

	userParams ServiceUserParams // Set only for the user side.

	// calledAETitle, when nonempty, screens the CalledAETitle of inbound
	// A-ASSOCIATE-RQs. Set only for the provider side.
	calledAETitle string

	// The max PDU size this side is willing to receive.
	maxPDUSize int

	cm               *contextManager
	commandAssembler dimse.CommandAssembler

	conn         net.Conn
	artim        *time.Timer   // nil iff the ARTIM timer is not armed.
	artimTimeout time.Duration // how long to wait for the peer after reject/release/abort.

	// netCh receives PDU and transport status events from the reader
	// goroutine.
	netCh chan stateEvent
	// timerCh receives ARTIM expirations. Replaced on every start/stop so
	// stale expirations are dropped.
	timerCh chan stateEvent
	// downcallCh receives requests from the upper layer (evt09, evt11, ...).
	downcallCh chan stateEvent
	// upcallCh streams handshake and data events to the upper layer.
	upcallCh chan upcallEvent

	faults *FaultInjector

	currentState *stateType
}

func (sm *stateMachine) closeConnection() {
	if sm.conn != nil {
		sm.conn.Close()
		sm.conn = nil
	}
}

func (sm *stateMachine) sendPDU(v pdu.PDU) {
	if sm.conn == nil {
		vlog.Errorf("dicom.stateMachine %s: attempt to send %v on closed connection", sm.label, v)
		sm.netCh <- stateEvent{event: evt17, err: fmt.Errorf("connection closed")}
		return
	}
	data, err := pdu.EncodePDU(v)
	if err != nil {
		vlog.Errorf("dicom.stateMachine %s: failed to encode %v: %v", sm.label, v, err)
		sm.closeConnection()
		sm.netCh <- stateEvent{event: evt17, err: err}
		return
	}
	if sm.faults != nil && sm.faults.onSend(data) == faultInjectorDisconnect {
		vlog.Infof("dicom.stateMachine %s: fault injector closing connection", sm.label)
		sm.closeConnection()
		sm.netCh <- stateEvent{event: evt17, err: fmt.Errorf("fault injected disconnect")}
		return
	}
	if _, err := sm.conn.Write(data); err != nil {
		vlog.Errorf("dicom.stateMachine %s: failed to write %d bytes: %v", sm.label, len(data), err)
		sm.closeConnection()
		sm.netCh <- stateEvent{event: evt17, err: err}
		return
	}
	vlog.VI(2).Infof("dicom.stateMachine %s: sent %v", sm.label, v)
}

// abortWith sends an A-ABORT and parks the machine in sta13 waiting for the
// transport to close. Used for protocol violations detected outside the
// transition table.
func (sm *stateMachine) abortWith(source, reason byte) *stateType {
	sm.sendPDU(&pdu.A_ABORT{Source: source, Reason: reason})
	sm.startTimer()
	return sta13
}

func (sm *stateMachine) startTimer() {
	sm.stopTimer()
	ch := make(chan stateEvent, 1)
	sm.timerCh = ch
	sm.artim = time.AfterFunc(sm.artimTimeout, func() {
		ch <- stateEvent{event: evt18}
	})
}

func (sm *stateMachine) restartTimer() {
	sm.startTimer()
}

func (sm *stateMachine) stopTimer() {
	if sm.artim != nil {
		sm.artim.Stop()
		sm.artim = nil
	}
	// A new empty channel, in case an expiration was already queued.
	sm.timerCh = make(chan stateEvent, 1)
}

// defaultARTIMTimeout bounds how long the machine waits for the peer to
// close the transport after a reject, release or abort.
const defaultARTIMTimeout = 30 * time.Second

// sendDIMSEPayload fragments one command+data payload into P-DATA-TF PDUs no
// larger than the peer's negotiated max PDU size and sends them in order:
// command fragments first, then data fragments, each kind closed by one
// fragment with the Last bit.
func (sm *stateMachine) sendDIMSEPayload(payload *stateEventDIMSEPayload) {
	context, err := sm.cm.lookupByAbstractSyntaxUID(payload.abstractSyntaxName)
	if err != nil {
		vlog.Errorf("dicom.stateMachine %s: abstract syntax %s not negotiated: %v",
			sm.label, payload.abstractSyntaxName, err)
		sm.netCh <- stateEvent{event: evt15, err: err}
		return
	}
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, payload.command)
	if err := e.Error(); err != nil {
		vlog.Errorf("dicom.stateMachine %s: failed to encode %v: %v", sm.label, payload.command, err)
		sm.netCh <- stateEvent{event: evt15, err: err}
		return
	}
	maxChunk := maxPDVChunk(sm.cm.peerMaxPDUSize)
	for _, item := range splitIntoPDVs(context.contextID, true /*command*/, e.Bytes(), maxChunk) {
		sm.sendPDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{item}})
	}
	if payload.command.HasData() {
		for _, item := range splitIntoPDVs(context.contextID, false /*data*/, payload.data, maxChunk) {
			sm.sendPDU(&pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{item}})
		}
	}
}

// maxPDVChunk is the largest PDV payload that fits in one P-DATA-TF the
// peer is willing to receive: 6 bytes of PDU header plus 6 bytes of PDV
// framing per fragment. A peer maximum of zero means unlimited (P3.8 annex
// D.1); cap those peers at the local default rather than trusting them with
// arbitrarily large PDUs.
func maxPDVChunk(peerMaxPDUSize int) int {
	if peerMaxPDUSize <= 0 {
		peerMaxPDUSize = pdu.DefaultMaxPDUSize
	}
	chunk := peerMaxPDUSize - 12
	if chunk < 1 {
		chunk = 1
	}
	return chunk
}

func splitIntoPDVs(contextID byte, command bool, data []byte, maxChunk int) []pdu.PresentationDataValueItem {
	var items []pdu.PresentationDataValueItem
	for {
		chunk := data
		if len(chunk) > maxChunk {
			chunk = data[:maxChunk]
		}
		data = data[len(chunk):]
		items = append(items, pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   command,
			Last:      len(data) == 0,
			Value:     chunk,
		})
		if len(data) == 0 {
			return items
		}
	}
}

// onDataPDU feeds one P-DATA-TF into the command assembler and, when a DIMSE
// message completes, hands it to the upper layer. Returns a non-nil next
// state on a protocol violation, else nil (the caller keeps its own state).
func (sm *stateMachine) onDataPDU(v *pdu.P_DATA_TF) *stateType {
	contextID, command, data, err := sm.commandAssembler.AddDataPDU(v)
	if err != nil {
		vlog.Errorf("dicom.stateMachine %s: P-DATA-TF error: %v", sm.label, err)
		return sm.abortWith(pdu.AbortSourceServiceProvider, pdu.AbortReasonInvalidPDUParam)
	}
	if command != nil {
		sm.upcallCh <- upcallEvent{
			eventType: upcallEventData,
			cm:        sm.cm,
			contextID: contextID,
			command:   command,
			data:      data,
		}
	}
	return nil
}

// networkReaderThread reads PDUs off the transport and translates them into
// state events, until the connection closes or yields garbage.
func networkReaderThread(ch chan stateEvent, conn net.Conn, maxPDUSize int, label string) {
	vlog.VI(1).Infof("dicom.stateMachine %s: starting network reader", label)
	for {
		v, err := pdu.ReadPDU(conn, maxPDUSize)
		if err != nil {
			if err == io.EOF {
				break
			}
			vlog.Infof("dicom.stateMachine %s: failed to read PDU: %v", label, err)
			ch <- stateEvent{event: evt19, err: err}
			break
		}
		vlog.VI(2).Infof("dicom.stateMachine %s: read %v", label, v)
		switch n := v.(type) {
		case *pdu.A_ASSOCIATE:
			if n.Type == pdu.TypeA_ASSOCIATE_RQ {
				ch <- stateEvent{event: evt06, pdu: n}
			} else {
				ch <- stateEvent{event: evt03, pdu: n}
			}
		case *pdu.A_ASSOCIATE_RJ:
			ch <- stateEvent{event: evt04, pdu: n}
		case *pdu.P_DATA_TF:
			ch <- stateEvent{event: evt10, pdu: n}
		case *pdu.A_RELEASE_RQ:
			ch <- stateEvent{event: evt12, pdu: n}
		case *pdu.A_RELEASE_RP:
			ch <- stateEvent{event: evt13, pdu: n}
		case *pdu.A_ABORT:
			ch <- stateEvent{event: evt16, pdu: n}
		}
	}
	vlog.VI(1).Infof("dicom.stateMachine %s: network reader finished", label)
	ch <- stateEvent{event: evt17}
}

func (sm *stateMachine) getNextEvent() stateEvent {
	var event stateEvent
	select {
	case event = <-sm.netCh:
	case event = <-sm.timerCh:
	case event = <-sm.downcallCh:
	}
	switch event.event {
	case evt02:
		sm.conn = event.conn
	case evt17:
		sm.conn = nil
	}
	return event
}

func (sm *stateMachine) run() {
	for sm.currentState != sta01 {
		event := sm.getNextEvent()
		action := findAction(sm.currentState, event.event)
		if action == nil {
			// The pair is not defined by the protocol. Abort instead of
			// wedging or crashing the process on remote input.
			vlog.Errorf("dicom.stateMachine %s: no action for state %v, event %v; aborting",
				sm.label, sm.currentState, event.event)
			if sm.conn != nil {
				sm.sendPDU(&pdu.A_ABORT{
					Source: pdu.AbortSourceServiceProvider,
					Reason: pdu.AbortReasonUnexpectedPDU,
				})
				sm.closeConnection()
			}
			sm.currentState = sta01
			break
		}
		vlog.VI(2).Infof("dicom.stateMachine %s: state %v, event %v -> action %v",
			sm.label, sm.currentState.name, event.event, action.name)
		sm.currentState = action.callback(sm, event)
	}
	sm.stopTimer()
	vlog.VI(1).Infof("dicom.stateMachine %s: reached %v, shutting down", sm.label, sm.currentState)
	close(sm.upcallCh)
}

// runStateMachineForServiceUser runs one association on the requestor (SCU)
// side. It blocks until the association reaches the idle state, then closes
// upcallCh.
func runStateMachineForServiceUser(
	params ServiceUserParams,
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent) {
	artimTimeout := params.ARTIMTimeout
	if artimTimeout <= 0 {
		artimTimeout = defaultARTIMTimeout
	}
	sm := &stateMachine{
		isUser:       true,
		label:        "user",
		userParams:   params,
		maxPDUSize:   pdu.DefaultMaxPDUSize,
		artimTimeout: artimTimeout,
		cm:           newContextManager(pdu.DefaultMaxPDUSize),
		netCh:        make(chan stateEvent, 128),
		timerCh:      make(chan stateEvent, 1),
		downcallCh:   downcallCh,
		upcallCh:     upcallCh,
		faults:       GetUserFaultInjector(),
	}
	event := stateEvent{event: evt01}
	action := findAction(sta01, event.event)
	sm.currentState = action.callback(sm, event)
	// The connection from Connect/SetConn arrives as evt02; spawn the
	// reader once the handshake PDU goes out.
	for sm.currentState == sta04 {
		event = sm.getNextEvent()
		if event.event == evt02 {
			go networkReaderThread(sm.netCh, sm.conn, sm.maxPDUSize, sm.label)
		}
		action = findAction(sm.currentState, event.event)
		if action == nil {
			sm.currentState = sta01
			close(sm.upcallCh)
			return
		}
		sm.currentState = action.callback(sm, event)
	}
	sm.run()
}

// runStateMachineForServiceProvider runs one association on the acceptor
// (SCP) side for an accepted connection. It blocks until the association
// reaches the idle state, then closes upcallCh.
func runStateMachineForServiceProvider(
	conn net.Conn,
	params ServiceProviderParams,
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent) {
	maxPDUSize := params.MaxPDUSize
	if maxPDUSize <= 0 {
		maxPDUSize = pdu.DefaultMaxPDUSize
	}
	artimTimeout := params.ARTIMTimeout
	if artimTimeout <= 0 {
		artimTimeout = defaultARTIMTimeout
	}
	cm := newContextManager(maxPDUSize)
	cm.capabilities = newProviderCapabilities(params)
	sm := &stateMachine{
		isUser:        false,
		label:         fmt.Sprintf("provider %v", conn.RemoteAddr()),
		calledAETitle: strings.TrimSpace(params.AETitle),
		maxPDUSize:    maxPDUSize,
		artimTimeout:  artimTimeout,
		cm:            cm,
		conn:          conn,
		netCh:         make(chan stateEvent, 128),
		timerCh:       make(chan stateEvent, 1),
		downcallCh:    downcallCh,
		upcallCh:      upcallCh,
		faults:        GetProviderFaultInjector(),
	}
	event := stateEvent{event: evt05, conn: conn}
	action := findAction(sta01, event.event)
	sm.currentState = action.callback(sm, event)
	sm.run()
}
