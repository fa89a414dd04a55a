package dimse

import (
	"fmt"

	"github.com/kamedic/go-dicomnet/pdu"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

// CommandAssembler reassembles a DIMSE command message and its data payload
// from a sequence of P_DATA_TF PDUs. One instance tracks at most one
// in-flight message; the state machine guarantees fragments of one message
// are not interleaved with another's.
type CommandAssembler struct {
	contextID      byte
	commandBytes   []byte
	command        Message
	dataBytes      []byte
	readAllCommand bool
	readAllData    bool
}

// AddDataPDU adds a P_DATA_TF PDU to the assembly. If the PDU completes a
// message, it returns <contextID, message, data, nil> and resets the
// assembler. If more fragments are expected, it returns <0, nil, nil, nil>.
// On error, the final return value is non-nil and the association must be
// aborted.
func (a *CommandAssembler) AddDataPDU(v *pdu.P_DATA_TF) (byte, Message, []byte, error) {
	for _, item := range v.Items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, nil, fmt.Errorf("dimse.CommandAssembler: mixed presentation contexts %d and %d in one message", a.contextID, item.ContextID)
		}
		if item.Command {
			if a.readAllCommand {
				return 0, nil, nil, fmt.Errorf("dimse.CommandAssembler: command fragment after the last command fragment")
			}
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				a.readAllCommand = true
			}
		} else {
			if a.readAllData {
				return 0, nil, nil, fmt.Errorf("dimse.CommandAssembler: data fragment after the last data fragment")
			}
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				a.readAllData = true
			}
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		d := dicomio.NewBytesDecoder(a.commandBytes, nil, dicomio.UnknownVR)
		a.command = ReadMessage(d)
		if err := d.Finish(); err != nil {
			return 0, nil, nil, err
		}
	}
	if a.command.HasData() && !a.readAllData {
		return 0, nil, nil, nil
	}
	contextID := a.contextID
	command := a.command
	dataBytes := a.dataBytes
	*a = CommandAssembler{}
	return contextID, command, dataBytes, nil
}
