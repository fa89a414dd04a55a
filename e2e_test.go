package dicomnet_test

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	dicomnet "github.com/kamedic/go-dicomnet"
	"github.com/kamedic/go-dicomnet/dimse"
	"github.com/kamedic/go-dicomnet/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

// startProvider runs a ServiceProvider on an ephemeral port and returns its
// address. The provider is shut down when the test finishes.
func startProvider(t *testing.T, params dicomnet.ServiceProviderParams) string {
	t.Helper()
	sp := dicomnet.NewServiceProvider(params)
	go func() {
		if err := sp.Run(":0"); err != nil {
			t.Errorf("provider: %v", err)
		}
	}()
	t.Cleanup(func() { sp.Close() })
	for i := 0; i < 100; i++ {
		if addr := sp.ListenAddr(); addr != nil {
			return addr.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("provider did not start listening")
	return ""
}

func connect(t *testing.T, serverAddr string, services []sopclass.SOPUID) *dicomnet.ServiceUser {
	t.Helper()
	params, err := dicomnet.NewServiceUserParams(
		"TESTSCP", "TESTSCU", services, []string{dicomuid.ImplicitVRLittleEndian})
	require.NoError(t, err)
	su := dicomnet.NewServiceUser(params)
	su.Connect(serverAddr)
	return su
}

func allServices() []sopclass.SOPUID {
	var services []sopclass.SOPUID
	services = append(services, sopclass.VerificationClasses...)
	services = append(services, sopclass.StorageClasses...)
	services = append(services, sopclass.QRFindClasses...)
	services = append(services, sopclass.QRGetClasses...)
	return services
}

func newTestDataSet(sopInstanceUID string) *dicom.DataSet {
	const ctStorage = "1.2.840.10008.5.1.4.1.1.2"
	return &dicom.DataSet{Elements: []*dicom.Element{
		dicom.MustNewElement(dicom.TagTransferSyntaxUID, dicomuid.ImplicitVRLittleEndian),
		dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, ctStorage),
		dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, sopInstanceUID),
		dicom.MustNewElement(dicom.TagSOPClassUID, ctStorage),
		dicom.MustNewElement(dicom.TagSOPInstanceUID, sopInstanceUID),
		dicom.MustNewElement(dicom.TagPatientName, "DOE^JANE"),
		dicom.MustNewElement(dicom.TagModality, "CT"),
	}}
}

// Body elements of a dataset, i.e. everything outside the file-meta group.
func bodyElementStrings(elems []*dicom.Element) []string {
	var body []string
	for _, elem := range elems {
		if elem.Tag.Group == dicom.TagMetadataGroup {
			continue
		}
		body = append(body, elem.String())
	}
	return body
}

func TestEcho(t *testing.T) {
	echoed := false
	addr := startProvider(t, dicomnet.ServiceProviderParams{
		CEcho: func() dimse.Status {
			echoed = true
			return dimse.Success
		},
	})
	su := connect(t, addr, sopclass.VerificationClasses)
	require.NoError(t, su.CEcho())
	assert.True(t, echoed)
	su.Release()
}

func TestStore(t *testing.T) {
	var mu sync.Mutex
	stored := make(map[string][]*dicom.Element)
	addr := startProvider(t, dicomnet.ServiceProviderParams{
		CStore: func(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			elems, err := dicomnet.ReadElementsInBytes(data, transferSyntaxUID)
			if err != nil {
				return dimse.Status{Status: dimse.CStoreCannotUnderstand, ErrorComment: err.Error()}
			}
			mu.Lock()
			stored[sopInstanceUID] = elems
			mu.Unlock()
			return dimse.Success
		},
	})
	su := connect(t, addr, sopclass.StorageClasses)
	ds := newTestDataSet("1.2.3.4.100")
	require.NoError(t, su.CStore(ds))
	su.Release()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, stored, "1.2.3.4.100")
	assert.Equal(t, bodyElementStrings(ds.Elements), bodyElementStrings(stored["1.2.3.4.100"]))
}

func TestStoreFailureStatus(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{
		CStore: func(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			return dimse.Status{Status: dimse.CStoreOutOfResources, ErrorComment: "disk full"}
		},
	})
	su := connect(t, addr, sopclass.StorageClasses)
	err := su.CStore(newTestDataSet("1.2.3.4.101"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C-STORE failed")
	su.Release()
}

func TestFind(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{
		CFind: func(transferSyntaxUID, sopClassUID string, filters []*dicom.Element) chan dicomnet.CFindResult {
			ch := make(chan dicomnet.CFindResult, 8)
			for i := 0; i < 3; i++ {
				ch <- dicomnet.CFindResult{Elements: []*dicom.Element{
					dicom.MustNewElement(dicom.TagPatientName, fmt.Sprintf("PT^%d", i)),
				}}
			}
			close(ch)
			return ch
		},
	})
	su := connect(t, addr, sopclass.QRFindClasses)
	var names []string
	for result := range su.CFind(dicomnet.CFindStudyQRLevel, []*dicom.Element{
		dicom.MustNewElement(dicom.TagPatientName, ""),
	}) {
		require.NoError(t, result.Err)
		require.Len(t, result.Elements, 1)
		name, err := result.Elements[0].GetString()
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"PT^0", "PT^1", "PT^2"}, names)
	su.Release()
}

func TestFindWithoutCallback(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{})
	su := connect(t, addr, sopclass.QRFindClasses)
	var errs []error
	for result := range su.CFind(dicomnet.CFindPatientQRLevel, nil) {
		errs = append(errs, result.Err)
	}
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
	su.Release()
}

func TestEchoWrongCalledAETitle(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{AETitle: "REALSCP"})
	su := connect(t, addr, sopclass.VerificationClasses) // calls "TESTSCP"
	assert.Error(t, su.CEcho())
}

// A request for a negotiated SOP class the provider has no handler for gets
// a SOP-class-not-supported response and the association stays usable.
func TestUnhandledCommandKeepsAssociationAlive(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{})
	su := connect(t, addr, allServices())
	qrGetUID := sopclass.QRGetClasses[0].UID
	resp, err := su.Send(qrGetUID, &dimse.C_GET_RQ{
		AffectedSOPClassUID: qrGetUID,
		MessageID:           dimse.NewMessageID(),
		CommandDataSetType:  dimse.CommandDataSetTypeNull,
	}, nil)
	require.NoError(t, err)
	getResp, ok := resp.(*dimse.C_GET_RSP)
	require.True(t, ok, "unexpected response type: %v", resp)
	assert.Equal(t, dimse.StatusSOPClassNotSupported, getResp.Status.Status)

	// The failure is per-command; the association still works.
	require.NoError(t, su.CEcho())
	su.Release()
}

// A connection that never starts the association handshake is dropped once
// the ARTIM timer expires, without the provider sending anything back.
func TestIdleConnectionClosedOnTimeout(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{
		ARTIMTimeout: 100 * time.Millisecond,
	})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var buf [1]byte
	n, err := conn.Read(buf[:])
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestEchoAfterAbort(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{})
	su := connect(t, addr, sopclass.VerificationClasses)
	require.NoError(t, su.CEcho())
	su.Abort()
	assert.Error(t, su.CEcho())
}

func TestNonNegotiatedSOPClass(t *testing.T) {
	addr := startProvider(t, dicomnet.ServiceProviderParams{})
	// Only verification is negotiated; C-STORE must fail locally.
	su := connect(t, addr, sopclass.VerificationClasses)
	err := su.CStore(newTestDataSet("1.2.3.4.102"))
	assert.Error(t, err)
	su.Release()
}

func TestConcurrentAssociations(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]bool{}
	addr := startProvider(t, dicomnet.ServiceProviderParams{
		CStore: func(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
			mu.Lock()
			stored[sopInstanceUID] = true
			mu.Unlock()
			return dimse.Success
		},
	})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			su := connect(t, addr, allServices())
			defer su.Release()
			if err := su.CEcho(); err != nil {
				t.Errorf("association %d: C-ECHO: %v", i, err)
				return
			}
			if err := su.CStore(newTestDataSet(fmt.Sprintf("1.2.3.4.%d", i))); err != nil {
				t.Errorf("association %d: C-STORE: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, stored, 4)
}

func TestProviderClose(t *testing.T) {
	sp := dicomnet.NewServiceProvider(dicomnet.ServiceProviderParams{})
	done := make(chan error, 1)
	go func() { done <- sp.Run(":0") }()
	for i := 0; sp.ListenAddr() == nil && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, sp.ListenAddr())
	require.NoError(t, sp.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
