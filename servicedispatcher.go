package dicomnet

// serviceDispatcher routes completed inbound DIMSE messages on one
// association to the handler registered for their (SOP class, command
// field) pair.

import (
	"fmt"
	"sync"

	"github.com/kamedic/go-dicomnet/dimse"
	"v.io/x/lib/vlog"
)

// anySOPClass registers a handler for a command field regardless of the SOP
// class named in the message.
const anySOPClass = "*"

type serviceCallbackKey struct {
	sopClassUID  string
	commandField int
}

// serviceCommandState is the state of one in-flight provider command. The
// handler uses sendMessage to emit zero or more pending responses followed
// by the final one.
type serviceCommandState struct {
	disp      *serviceDispatcher  // Parent.
	messageID uint16              // Provider message ID.
	context   contextManagerEntry // Negotiated syntaxes for this command.
	cm        *contextManager     // For context -> syntax lookups.

	// upcallCh streams additional messages arriving for this messageID
	// (e.g. C-STORE sub-operations inside a C-GET).
	upcallCh chan upcallEvent
}

// sendMessage sends a command+data response pair down the association. It
// may be called multiple times per command, e.g. for C-FIND pending
// responses; the final response must be the last call.
func (cs *serviceCommandState) sendMessage(resp dimse.Message, data []byte) {
	if s := resp.GetStatus(); s != nil && s.Status != dimse.StatusSuccess && s.Status != dimse.StatusPending {
		vlog.VI(1).Infof("dicom.serviceDispatcher(%d): sending error response: %v", cs.messageID, resp)
	}
	cs.disp.downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: cs.context.abstractSyntaxUID,
			command:            resp,
			data:               data,
		},
	}
}

type serviceCallback func(msg dimse.Message, data []byte, cs *serviceCommandState)

type serviceDispatcher struct {
	label      string
	downcallCh chan stateEvent // for sending PDUs to the state machine.

	mu             sync.Mutex
	activeCommands map[uint16]*serviceCommandState // guarded by mu
	callbacks      map[serviceCallbackKey]serviceCallback
	closed         bool // guarded by mu; blocks new commands
}

func (disp *serviceDispatcher) findOrCreateCommand(
	messageID uint16,
	cm *contextManager,
	context contextManagerEntry) (*serviceCommandState, bool) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if cs, ok := disp.activeCommands[messageID]; ok {
		return cs, true
	}
	cs := &serviceCommandState{
		disp:      disp,
		messageID: messageID,
		cm:        cm,
		context:   context,
		upcallCh:  make(chan upcallEvent, 128),
	}
	disp.activeCommands[messageID] = cs
	vlog.VI(1).Infof("dicom.serviceDispatcher(%s): start command %v", disp.label, messageID)
	return cs, false
}

func (disp *serviceDispatcher) deleteCommand(cs *serviceCommandState) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if _, ok := disp.activeCommands[cs.messageID]; !ok {
		panic(fmt.Sprintf("dicom.serviceDispatcher(%s): command %v not active", disp.label, cs.messageID))
	}
	vlog.VI(1).Infof("dicom.serviceDispatcher(%s): finish command %v", disp.label, cs.messageID)
	delete(disp.activeCommands, cs.messageID)
}

// registerCallback attaches a handler for the given (SOP class, command)
// pair. Pass anySOPClass to handle the command for every negotiated SOP
// class.
func (disp *serviceDispatcher) registerCallback(sopClassUID string, commandField int, cb serviceCallback) {
	disp.mu.Lock()
	disp.callbacks[serviceCallbackKey{sopClassUID, commandField}] = cb
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) findCallback(sopClassUID string, commandField int) serviceCallback {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if cb, ok := disp.callbacks[serviceCallbackKey{sopClassUID, commandField}]; ok {
		return cb
	}
	return disp.callbacks[serviceCallbackKey{anySOPClass, commandField}]
}

func (disp *serviceDispatcher) handleEvent(event upcallEvent) {
	if event.eventType == upcallEventHandshakeCompleted {
		return
	}
	doassert(event.eventType == upcallEventData)
	doassert(event.command != nil)
	context, err := event.cm.lookupByContextID(event.contextID)
	if err != nil {
		vlog.Infof("dicom.serviceDispatcher(%s): invalid context ID %d: %v", disp.label, event.contextID, err)
		disp.downcallCh <- stateEvent{event: evt19, err: err}
		return
	}
	messageID := event.command.GetMessageID()
	cs, found := disp.findOrCreateCommand(messageID, event.cm, context)
	if found {
		vlog.VI(1).Infof("dicom.serviceDispatcher(%s): forwarding to existing command %v: %v",
			disp.label, messageID, event.command)
		cs.upcallCh <- event
		return
	}
	disp.mu.Lock()
	closed := disp.closed
	disp.mu.Unlock()
	if closed {
		disp.deleteCommand(cs)
		return
	}
	cb := disp.findCallback(context.abstractSyntaxUID, event.command.CommandField())
	if cb == nil {
		// Unknown service. Answer with SOP-class-not-supported and keep
		// the association alive. P3.7 C.5.14.
		vlog.Infof("dicom.serviceDispatcher(%s): no handler for %v (SOP class %v)",
			disp.label, event.command, context.abstractSyntaxUID)
		resp := notSupportedResponse(event.command, context.abstractSyntaxUID)
		if resp != nil {
			cs.sendMessage(resp, nil)
		}
		disp.deleteCommand(cs)
		return
	}
	go func() {
		cb(event.command, event.data, cs)
		disp.deleteCommand(cs)
	}()
}

// notSupportedResponse builds the response message reporting status 0x0122
// for a request the provider has no handler for. Returns nil for messages
// that take no response (e.g. inbound responses).
func notSupportedResponse(msg dimse.Message, sopClassUID string) dimse.Message {
	status := dimse.Status{
		Status:       dimse.StatusSOPClassNotSupported,
		ErrorComment: "SOP class not supported by this provider",
	}
	switch c := msg.(type) {
	case *dimse.C_STORE_RQ:
		return &dimse.C_STORE_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
			Status:                    status,
		}
	case *dimse.C_FIND_RQ:
		return &dimse.C_FIND_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}
	case *dimse.C_GET_RQ:
		return &dimse.C_GET_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}
	case *dimse.C_MOVE_RQ:
		return &dimse.C_MOVE_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}
	case *dimse.C_ECHO_RQ:
		return &dimse.C_ECHO_RSP{
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}
	default:
		return nil
	}
}

func (disp *serviceDispatcher) close() {
	disp.mu.Lock()
	disp.closed = true
	for _, cs := range disp.activeCommands {
		close(cs.upcallCh)
	}
	disp.mu.Unlock()
}

func newServiceDispatcher(label string) *serviceDispatcher {
	return &serviceDispatcher{
		label:          label,
		downcallCh:     make(chan stateEvent, 128),
		activeCommands: make(map[uint16]*serviceCommandState),
		callbacks:      make(map[serviceCallbackKey]serviceCallback),
	}
}
