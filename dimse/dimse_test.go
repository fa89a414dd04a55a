package dimse_test

import (
	"encoding/binary"
	"testing"

	"github.com/kamedic/go-dicomnet/dimse"
	"github.com/kamedic/go-dicomnet/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

func encodeMessage(t *testing.T, v dimse.Message) []byte {
	t.Helper()
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, v)
	require.NoError(t, e.Error())
	return e.Bytes()
}

func testDIMSE(t *testing.T, v dimse.Message) dimse.Message {
	t.Helper()
	data := encodeMessage(t, v)
	d := dicomio.NewBytesDecoder(data, nil, dicomio.UnknownVR)
	v2 := dimse.ReadMessage(d)
	require.NoError(t, d.Finish())
	require.NotNil(t, v2)
	assert.Equal(t, v.String(), v2.String())
	return v2
}

func TestCStoreRq(t *testing.T) {
	v := testDIMSE(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              0x1234,
		Priority:               0,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3.4.5.6",
	})
	assert.True(t, v.HasData())
	assert.Equal(t, uint16(0x1234), v.GetMessageID())
	assert.Equal(t, dimse.CommandFieldCStoreRq, v.CommandField())
	assert.Nil(t, v.GetStatus())
}

func TestCStoreRsp(t *testing.T) {
	v := testDIMSE(t, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "1.2.3.4.5.6",
		Status:                    dimse.Success,
	})
	assert.False(t, v.HasData())
	require.NotNil(t, v.GetStatus())
	assert.Equal(t, dimse.StatusSuccess, v.GetStatus().Status)
}

func TestCStoreRspError(t *testing.T) {
	v := testDIMSE(t, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		MessageIDBeingRespondedTo: 7,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "1.2.3.4.5.6",
		Status: dimse.Status{
			Status:       dimse.CStoreCannotUnderstand,
			ErrorComment: "unsupported pixel encoding",
		},
	})
	st := v.GetStatus()
	require.NotNil(t, st)
	assert.Equal(t, dimse.CStoreCannotUnderstand, st.Status)
	assert.Equal(t, "unsupported pixel encoding", st.ErrorComment)
}

func TestCEcho(t *testing.T) {
	testDIMSE(t, &dimse.C_ECHO_RQ{
		MessageID:          0x42,
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	})
	testDIMSE(t, &dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: 0x42,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Success,
	})
}

func TestCFind(t *testing.T) {
	testDIMSE(t, &dimse.C_FIND_RQ{
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.1.1",
		MessageID:           10,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	})
	v := testDIMSE(t, &dimse.C_FIND_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.2.1.1",
		MessageIDBeingRespondedTo: 10,
		CommandDataSetType:        dimse.CommandDataSetTypeNonNull,
		Status:                    dimse.Status{Status: dimse.StatusPending},
	})
	assert.Equal(t, dimse.StatusPending, v.GetStatus().Status)
}

func TestCGetCMove(t *testing.T) {
	testDIMSE(t, &dimse.C_GET_RQ{
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.1.3",
		MessageID:           11,
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	})
	testDIMSE(t, &dimse.C_GET_RSP{
		AffectedSOPClassUID:            "1.2.840.10008.5.1.4.1.2.1.3",
		MessageIDBeingRespondedTo:      11,
		CommandDataSetType:             dimse.CommandDataSetTypeNull,
		NumberOfRemainingSuboperations: 2,
		NumberOfCompletedSuboperations: 1,
		Status:                         dimse.Status{Status: dimse.StatusPending},
	})
	testDIMSE(t, &dimse.C_MOVE_RQ{
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.1.2",
		MessageID:           12,
		MoveDestination:     "REMOTEAE",
		CommandDataSetType:  dimse.CommandDataSetTypeNonNull,
	})
	testDIMSE(t, &dimse.C_MOVE_RSP{
		AffectedSOPClassUID:            "1.2.840.10008.5.1.4.1.2.1.2",
		MessageIDBeingRespondedTo:      12,
		CommandDataSetType:             dimse.CommandDataSetTypeNull,
		NumberOfCompletedSuboperations: 3,
		Status:                         dimse.Success,
	})
}

func newPDV(contextID byte, command, last bool, value []byte) pdu.PresentationDataValueItem {
	return pdu.PresentationDataValueItem{
		ContextID: contextID,
		Command:   command,
		Last:      last,
		Value:     value,
	}
}

func TestCommandAssemblerSinglePDU(t *testing.T) {
	cmd := &dimse.C_ECHO_RQ{MessageID: 1, CommandDataSetType: dimse.CommandDataSetTypeNull}
	cmdBytes := encodeMessage(t, cmd)

	var a dimse.CommandAssembler
	contextID, msg, data, err := a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(3, true, true, cmdBytes)},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, byte(3), contextID)
	assert.Equal(t, cmd.String(), msg.String())
	assert.Empty(t, data)
}

func TestCommandAssemblerFragmented(t *testing.T) {
	cmd := &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              5,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	}
	cmdBytes := encodeMessage(t, cmd)
	mid := len(cmdBytes) / 2
	payload := []byte("0123456789abcdef")

	var a dimse.CommandAssembler
	// Command split across two PDUs; nothing is reported until both the
	// command and the data are complete.
	for _, v := range []*pdu.P_DATA_TF{
		{Items: []pdu.PresentationDataValueItem{newPDV(1, true, false, cmdBytes[:mid])}},
		{Items: []pdu.PresentationDataValueItem{newPDV(1, true, true, cmdBytes[mid:])}},
		{Items: []pdu.PresentationDataValueItem{newPDV(1, false, false, payload[:7])}},
	} {
		_, msg, _, err := a.AddDataPDU(v)
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	contextID, msg, data, err := a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(1, false, true, payload[7:])},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, byte(1), contextID)
	assert.Equal(t, cmd.String(), msg.String())
	assert.Equal(t, payload, data)

	// The assembler resets after delivering a message.
	echo := encodeMessage(t, &dimse.C_ECHO_RQ{MessageID: 2, CommandDataSetType: dimse.CommandDataSetTypeNull})
	_, msg, _, err = a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(5, true, true, echo)},
	})
	require.NoError(t, err)
	assert.NotNil(t, msg)
}

func TestCommandAssemblerMixedContext(t *testing.T) {
	cmdBytes := encodeMessage(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              5,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	})
	var a dimse.CommandAssembler
	_, _, _, err := a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(1, true, true, cmdBytes)},
	})
	require.NoError(t, err)
	_, _, _, err = a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(3, false, true, []byte{1})},
	})
	assert.Error(t, err)
}

func TestCommandAssemblerFragmentAfterLast(t *testing.T) {
	cmdBytes := encodeMessage(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              5,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	})
	var a dimse.CommandAssembler
	_, _, _, err := a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(1, true, true, cmdBytes)},
	})
	require.NoError(t, err)
	// A second command fragment after the command was marked last.
	_, _, _, err = a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{newPDV(1, true, false, []byte{1, 2})},
	})
	assert.Error(t, err)
}
