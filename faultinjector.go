package dicomnet

// Deterministic fault injection for robustness tests. A FaultInjector is fed
// a fuzz string; bytes drawn from it decide whether a send proceeds or the
// connection drops mid-association.

type faultInjectorAction int

const (
	faultInjectorContinue = faultInjectorAction(iota)
	faultInjectorDisconnect
)

type FaultInjector struct {
	fuzz  []byte
	steps int
}

var userFaults, providerFaults *FaultInjector

// NewFaultInjector creates an injector driven by the given fuzz bytes. An
// empty slice never injects a fault.
func NewFaultInjector(fuzz []byte) *FaultInjector {
	return &FaultInjector{fuzz: fuzz}
}

// SetUserFaultInjector installs "f" for all subsequently created SCU-side
// state machines. Tests only; not thread safe against running associations.
func SetUserFaultInjector(f *FaultInjector) {
	userFaults = f
}

// SetProviderFaultInjector installs "f" for all subsequently created
// SCP-side state machines.
func SetProviderFaultInjector(f *FaultInjector) {
	providerFaults = f
}

func GetUserFaultInjector() *FaultInjector {
	return userFaults
}

func GetProviderFaultInjector() *FaultInjector {
	return providerFaults
}

func (f *FaultInjector) nextByte() byte {
	v := f.fuzz[f.steps]
	f.steps++
	if f.steps >= len(f.fuzz) {
		f.steps = 0
	}
	return v
}

// onSend is consulted before each PDU write.
func (f *FaultInjector) onSend(data []byte) faultInjectorAction {
	if f == nil || len(f.fuzz) == 0 {
		return faultInjectorContinue
	}
	if f.nextByte() >= 0xe8 {
		return faultInjectorDisconnect
	}
	return faultInjectorContinue
}
