package dicomnet

import (
	"net"
	"testing"
	"time"

	"github.com/kamedic/go-dicomnet/pdu"
	"github.com/kamedic/go-dicomnet/sopclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

var allStates = []*stateType{
	sta01, sta02, sta03, sta04, sta05, sta06, sta07,
	sta08, sta09, sta10, sta11, sta12, sta13,
}

func actionName(t *testing.T, state *stateType, event eventType) string {
	t.Helper()
	a := findAction(state, event)
	require.NotNil(t, a, "no action for (%v, %v)", state, event)
	return a.name
}

func TestFindActionHandshake(t *testing.T) {
	assert.Equal(t, "AE-1", actionName(t, sta01, evt01))
	assert.Equal(t, "AE-2", actionName(t, sta04, evt02))
	assert.Equal(t, "AE-3", actionName(t, sta05, evt03))
	assert.Equal(t, "AE-4", actionName(t, sta05, evt04))
	assert.Equal(t, "AE-5", actionName(t, sta01, evt05))
	assert.Equal(t, "AE-6", actionName(t, sta02, evt06))
	assert.Equal(t, "AE-7", actionName(t, sta03, evt07))
	assert.Equal(t, "AE-8", actionName(t, sta03, evt08))
}

func TestFindActionDataTransfer(t *testing.T) {
	assert.Equal(t, "DT-1", actionName(t, sta06, evt09))
	assert.Equal(t, "DT-2", actionName(t, sta06, evt10))
}

func TestFindActionRelease(t *testing.T) {
	assert.Equal(t, "AR-1", actionName(t, sta06, evt11))
	assert.Equal(t, "AR-2", actionName(t, sta06, evt12))
	assert.Equal(t, "AR-3", actionName(t, sta07, evt13))
	assert.Equal(t, "AR-3", actionName(t, sta11, evt13))
	assert.Equal(t, "AR-4", actionName(t, sta08, evt14))
	assert.Equal(t, "AR-4", actionName(t, sta12, evt14))
	assert.Equal(t, "AR-5", actionName(t, sta13, evt17))
	assert.Equal(t, "AR-6", actionName(t, sta07, evt10))
	assert.Equal(t, "AR-7", actionName(t, sta08, evt09))
	// Release collision: A-RELEASE-RQ while we are awaiting A-RELEASE-RP.
	assert.Equal(t, "AR-8", actionName(t, sta07, evt12))
	assert.Equal(t, "AR-9", actionName(t, sta09, evt14))
	assert.Equal(t, "AR-10", actionName(t, sta10, evt13))
}

func TestFindActionAbort(t *testing.T) {
	assert.Equal(t, "AA-1", actionName(t, sta06, evt15))
	assert.Equal(t, "AA-2", actionName(t, sta04, evt15))
	assert.Equal(t, "AA-2", actionName(t, sta02, evt18))
	assert.Equal(t, "AA-2", actionName(t, sta13, evt18))
	assert.Equal(t, "AA-3", actionName(t, sta06, evt16))
	assert.Equal(t, "AA-4", actionName(t, sta06, evt17))
	assert.Equal(t, "AA-5", actionName(t, sta02, evt17))
	assert.Equal(t, "AA-6", actionName(t, sta13, evt03))
	assert.Equal(t, "AA-7", actionName(t, sta13, evt06))
	assert.Equal(t, "AA-8", actionName(t, sta03, evt06))
}

// Pairs outside the transition table return nil; the event loop turns these
// into an abort rather than a crash.
func TestFindActionUndefinedPairs(t *testing.T) {
	for _, state := range allStates {
		if state != sta01 {
			assert.Nil(t, findAction(state, evt01), "evt01 is only defined in Sta1, got action in %v", state)
			assert.Nil(t, findAction(state, evt05), "evt05 is only defined in Sta1, got action in %v", state)
		}
	}
	assert.Nil(t, findAction(sta01, evt03))
	assert.Nil(t, findAction(sta01, evt10))
	assert.Nil(t, findAction(sta01, evt15))
	assert.Nil(t, findAction(sta04, evt06))
	assert.Nil(t, findAction(sta05, evt09))
	assert.Nil(t, findAction(sta06, evt14))
	assert.Nil(t, findAction(sta13, evt15))
}

// Every event must have at least one transition, and every (state, event)
// pair at most one.
func TestTransitionTableShape(t *testing.T) {
	type pair struct {
		state *stateType
		event eventType
	}
	seen := make(map[pair]bool)
	perEvent := make(map[eventType]int)
	for _, tr := range stateTransitions {
		p := pair{tr.current, tr.event}
		assert.False(t, seen[p], "duplicate transition for (%v, %v)", tr.current, tr.event)
		seen[p] = true
		perEvent[tr.event]++
	}
	for ev := evt01; ev <= evt19; ev++ {
		assert.NotZero(t, perEvent[ev], "event %v has no transitions", ev)
	}
}

func TestSplitIntoPDVsSingle(t *testing.T) {
	items := splitIntoPDVs(1, true, []byte("abc"), 100)
	require.Len(t, items, 1)
	assert.Equal(t, byte(1), items[0].ContextID)
	assert.True(t, items[0].Command)
	assert.True(t, items[0].Last)
	assert.Equal(t, []byte("abc"), items[0].Value)
}

func TestSplitIntoPDVsChunked(t *testing.T) {
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	items := splitIntoPDVs(5, false, data, 4)
	require.Len(t, items, 3)
	var total []byte
	for i, item := range items {
		assert.Equal(t, byte(5), item.ContextID)
		assert.False(t, item.Command)
		assert.Equal(t, i == len(items)-1, item.Last)
		assert.LessOrEqual(t, len(item.Value), 4)
		total = append(total, item.Value...)
	}
	assert.Equal(t, data, total)
}

// Empty payloads still produce one PDV with the last flag set, so the peer
// sees the end of the (empty) data stream.
func TestSplitIntoPDVsEmpty(t *testing.T) {
	items := splitIntoPDVs(1, false, nil, 4)
	require.Len(t, items, 1)
	assert.True(t, items[0].Last)
	assert.Empty(t, items[0].Value)
}

func TestSplitIntoPDVsExactMultiple(t *testing.T) {
	items := splitIntoPDVs(1, true, make([]byte, 8), 4)
	require.Len(t, items, 2)
	assert.False(t, items[0].Last)
	assert.True(t, items[1].Last)
}

func TestMaxPDVChunk(t *testing.T) {
	// A peer maximum of zero means unlimited; cap at the local default.
	assert.Equal(t, pdu.DefaultMaxPDUSize-12, maxPDVChunk(0))
	assert.Equal(t, 16384-12, maxPDVChunk(16384))
	// Degenerate advertisements still leave room for one payload byte.
	assert.Equal(t, 1, maxPDVChunk(12))
	assert.Equal(t, 2, maxPDVChunk(14))
}

func TestARTIMTimerExpiry(t *testing.T) {
	sm := &stateMachine{artimTimeout: time.Millisecond, timerCh: make(chan stateEvent, 1)}
	sm.startTimer()
	select {
	case event := <-sm.timerCh:
		assert.Equal(t, evt18, event.event)
	case <-time.After(5 * time.Second):
		t.Fatal("ARTIM timer did not fire")
	}
}

// An expiration queued before stopTimer must not surface once the timer is
// re-armed; each arming cycle gets a fresh channel.
func TestARTIMTimerStaleExpirationDropped(t *testing.T) {
	sm := &stateMachine{artimTimeout: time.Millisecond, timerCh: make(chan stateEvent, 1)}
	sm.startTimer()
	armed := sm.timerCh
	require.Eventually(t, func() bool { return len(armed) == 1 },
		5*time.Second, time.Millisecond)
	sm.stopTimer()
	sm.artimTimeout = time.Hour
	sm.startTimer()
	select {
	case event := <-sm.timerCh:
		t.Fatalf("stale expiration delivered: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
	sm.stopTimer()
}

// Both sides request a release at once. The side that opened the
// association answers the peer's release first (AR-8 through AR-9), then
// waits for its own confirmation before closing.
func TestReleaseCollision(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	params, err := NewServiceUserParams(
		"TESTSCP", "TESTSCU", sopclass.VerificationClasses,
		[]string{dicomuid.ImplicitVRLittleEndian})
	require.NoError(t, err)
	upcallCh := make(chan upcallEvent, 128)
	downcallCh := make(chan stateEvent, 128)
	go runStateMachineForServiceUser(params, upcallCh, downcallCh)
	downcallCh <- stateEvent{event: evt02, conn: clientConn}

	readPDU := func() pdu.PDU {
		t.Helper()
		v, err := pdu.ReadPDU(peerConn, pdu.DefaultMaxPDUSize)
		require.NoError(t, err)
		return v
	}
	writePDU := func(v pdu.PDU) {
		t.Helper()
		data, err := pdu.EncodePDU(v)
		require.NoError(t, err)
		_, err = peerConn.Write(data)
		require.NoError(t, err)
	}

	rq, ok := readPDU().(*pdu.A_ASSOCIATE)
	require.True(t, ok)
	require.Equal(t, pdu.TypeA_ASSOCIATE_RQ, rq.Type)
	cm := newContextManager(pdu.DefaultMaxPDUSize)
	cm.capabilities = newProviderCapabilities(ServiceProviderParams{})
	responses, err := cm.onAssociateRequest(rq.Items)
	require.NoError(t, err)
	writePDU(&pdu.A_ASSOCIATE{
		Type:            pdu.TypeA_ASSOCIATE_AC,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   rq.CalledAETitle,
		CallingAETitle:  rq.CallingAETitle,
		Items:           responses,
	})
	event := <-upcallCh
	require.Equal(t, upcallEventHandshakeCompleted, event.eventType)

	downcallCh <- stateEvent{event: evt11}
	_, ok = readPDU().(*pdu.A_RELEASE_RQ)
	require.True(t, ok)
	writePDU(&pdu.A_RELEASE_RQ{}) // collision

	_, ok = readPDU().(*pdu.A_RELEASE_RP)
	require.True(t, ok)
	writePDU(&pdu.A_RELEASE_RP{})

	select {
	case _, ok := <-upcallCh:
		assert.False(t, ok, "expected the association to shut down")
	case <-time.After(5 * time.Second):
		t.Fatal("association did not shut down after the release collision")
	}
	peerConn.Close()
}
