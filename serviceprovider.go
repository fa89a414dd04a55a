package dicomnet

// ServiceProvider is the SCP half of this package: it listens for inbound
// associations and serves C-ECHO, C-STORE and C-FIND through user-supplied
// callbacks.

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kamedic/go-dicomnet/dimse"
	"github.com/kamedic/go-dicomnet/sopclass"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

// CStoreCallback handles one C-STORE request. sopInstanceUID names the
// object; data is the dataset encoded in transferSyntaxUID, without the
// file-meta header. The return value becomes the C-STORE-RSP status.
type CStoreCallback func(
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status

// CFindCallback handles one C-FIND request. filters is the decoded query
// identifier. The callback returns a channel of matches; each match is sent
// to the peer as a pending response, and closing the channel produces the
// final response.
type CFindCallback func(
	transferSyntaxUID string,
	sopClassUID string,
	filters []*dicom.Element) chan CFindResult

// CEchoCallback handles a C-ECHO request. Most implementations just return
// dimse.Success.
type CEchoCallback func() dimse.Status

type ServiceProviderParams struct {
	// AETitle is this provider's application entity title, used to screen
	// the CalledAETitle of inbound requests when nonempty.
	AETitle string

	// MaxPDUSize is the largest P-DATA-TF PDU, in bytes, this provider is
	// willing to receive. <=0 means pdu.DefaultMaxPDUSize.
	MaxPDUSize int

	// SupportedAbstractSyntaxes lists the SOP classes accepted during
	// negotiation. Empty means accept every proposed abstract syntax.
	SupportedAbstractSyntaxes []sopclass.SOPUID

	// SupportedTransferSyntaxes lists the encodings accepted during
	// negotiation. Empty means dicomio.StandardTransferSyntaxes.
	SupportedTransferSyntaxes []string

	// ARTIMTimeout bounds how long an association lingers waiting for the
	// peer to close after a reject, release or abort. <=0 means 30s.
	ARTIMTimeout time.Duration

	CEcho  CEchoCallback
	CStore CStoreCallback
	CFind  CFindCallback
}

type ServiceProvider struct {
	params   ServiceProviderParams
	mu       sync.Mutex
	listener net.Listener                    // guarded by mu
	active   map[*serviceDispatcher]struct{} // guarded by mu
	closed   bool                            // guarded by mu
	wg       sync.WaitGroup
}

// NewServiceProvider creates a provider. Call Run to start serving.
func NewServiceProvider(params ServiceProviderParams) *ServiceProvider {
	return &ServiceProvider{
		params: params,
		active: make(map[*serviceDispatcher]struct{}),
	}
}

func registerProviderHandlers(disp *serviceDispatcher, params ServiceProviderParams) {
	disp.registerCallback(anySOPClass, dimse.CommandFieldCEchoRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			onCEchoRequest(msg.(*dimse.C_ECHO_RQ), params, cs)
		})
	disp.registerCallback(anySOPClass, dimse.CommandFieldCStoreRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			onCStoreRequest(msg.(*dimse.C_STORE_RQ), data, params, cs)
		})
	disp.registerCallback(anySOPClass, dimse.CommandFieldCFindRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			onCFindRequest(msg.(*dimse.C_FIND_RQ), data, params, cs)
		})
}

func onCEchoRequest(c *dimse.C_ECHO_RQ, params ServiceProviderParams, cs *serviceCommandState) {
	status := dimse.Success
	if params.CEcho != nil {
		status = params.CEcho()
	}
	vlog.VI(1).Infof("dicom.serviceProvider: C-ECHO: %v", status)
	cs.sendMessage(&dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    status,
	}, nil)
}

func onCStoreRequest(c *dimse.C_STORE_RQ, data []byte, params ServiceProviderParams, cs *serviceCommandState) {
	status := dimse.Status{
		Status:       dimse.CStoreCannotUnderstand,
		ErrorComment: "No C-STORE callback registered",
	}
	if params.CStore != nil {
		status = params.CStore(
			cs.context.transferSyntaxUID,
			c.AffectedSOPClassUID,
			c.AffectedSOPInstanceUID,
			data)
	}
	cs.sendMessage(&dimse.C_STORE_RSP{
		AffectedSOPClassUID:       c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
		Status:                    status,
	}, nil)
}

func onCFindRequest(c *dimse.C_FIND_RQ, data []byte, params ServiceProviderParams, cs *serviceCommandState) {
	sendFinal := func(status dimse.Status) {
		cs.sendMessage(&dimse.C_FIND_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    status,
		}, nil)
	}
	if params.CFind == nil {
		sendFinal(dimse.Status{
			Status:       dimse.CFindUnableToProcess,
			ErrorComment: "No C-FIND callback registered",
		})
		return
	}
	filters, err := ReadElementsInBytes(data, cs.context.transferSyntaxUID)
	if err != nil {
		vlog.Errorf("dicom.serviceProvider: C-FIND: failed to decode query: %v", err)
		sendFinal(dimse.Status{Status: dimse.CFindUnableToProcess, ErrorComment: err.Error()})
		return
	}
	for result := range params.CFind(cs.context.transferSyntaxUID, c.AffectedSOPClassUID, filters) {
		if result.Err != nil {
			sendFinal(dimse.Status{Status: dimse.CFindUnableToProcess, ErrorComment: result.Err.Error()})
			return
		}
		e := dicomio.NewBytesEncoderWithTransferSyntax(cs.context.transferSyntaxUID)
		for _, elem := range result.Elements {
			dicom.WriteElement(e, elem)
		}
		if err := e.Error(); err != nil {
			sendFinal(dimse.Status{Status: dimse.CFindUnableToProcess, ErrorComment: err.Error()})
			return
		}
		cs.sendMessage(&dimse.C_FIND_RSP{
			AffectedSOPClassUID:       c.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: c.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNonNull,
			Status:                    dimse.Status{Status: dimse.StatusPending},
		}, e.Bytes())
	}
	sendFinal(dimse.Success)
}

// RunProviderForConn serves one accepted connection. It blocks until the
// association ends and the connection is torn down.
func RunProviderForConn(conn net.Conn, params ServiceProviderParams) {
	upcallCh := make(chan upcallEvent, 128)
	disp := newServiceDispatcher(fmt.Sprintf("%v", conn.RemoteAddr()))
	registerProviderHandlers(disp, params)
	go runStateMachineForServiceProvider(conn, params, upcallCh, disp.downcallCh)
	for event := range upcallCh {
		disp.handleEvent(event)
	}
	disp.close()
	vlog.VI(1).Infof("dicom.serviceProvider: association %v finished", disp.label)
}

// Run listens on addr (e.g. ":11112"), accepting associations and serving
// each in its own set of goroutines. It returns when Close is called or the
// listener fails.
func (sp *ServiceProvider) Run(addr string) error {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return fmt.Errorf("dicom.serviceProvider: already closed")
	}
	if sp.listener != nil {
		sp.mu.Unlock()
		return fmt.Errorf("dicom.serviceProvider: already running")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		sp.mu.Unlock()
		return err
	}
	sp.listener = listener
	sp.mu.Unlock()
	vlog.Infof("dicom.serviceProvider: listening on %v", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			sp.mu.Lock()
			closed := sp.closed
			sp.mu.Unlock()
			if closed {
				break
			}
			vlog.Errorf("dicom.serviceProvider: accept error: %v", err)
			continue
		}
		sp.wg.Add(1)
		go func(conn net.Conn) {
			defer sp.wg.Done()
			sp.serveConn(conn)
		}(conn)
	}
	sp.wg.Wait()
	return nil
}

// ListenAddr returns the address Run is listening on; useful when Run was
// given port 0.
func (sp *ServiceProvider) ListenAddr() net.Addr {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.listener == nil {
		return nil
	}
	return sp.listener.Addr()
}

func (sp *ServiceProvider) serveConn(conn net.Conn) {
	upcallCh := make(chan upcallEvent, 128)
	disp := newServiceDispatcher(fmt.Sprintf("%v", conn.RemoteAddr()))
	registerProviderHandlers(disp, sp.params)

	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		conn.Close()
		return
	}
	sp.active[disp] = struct{}{}
	sp.mu.Unlock()
	defer func() {
		sp.mu.Lock()
		delete(sp.active, disp)
		sp.mu.Unlock()
	}()

	go runStateMachineForServiceProvider(conn, sp.params, upcallCh, disp.downcallCh)
	for event := range upcallCh {
		disp.handleEvent(event)
	}
	disp.close()
}

// Close stops accepting connections and aborts every active association.
// It blocks until all the association workers drain.
func (sp *ServiceProvider) Close() error {
	sp.mu.Lock()
	sp.closed = true
	listener := sp.listener
	active := make([]*serviceDispatcher, 0, len(sp.active))
	for disp := range sp.active {
		active = append(active, disp)
	}
	sp.mu.Unlock()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, disp := range active {
		disp.downcallCh <- stateEvent{event: evt15}
	}
	sp.wg.Wait()
	return err
}
