package orchestrator

// Phase labels a stage of the client session. Phases are strictly ordered and
// never overlap; error phases are terminal and reachable from any
// non-terminal one.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseConnected
	PhaseHandshakeDone
	PhaseOptionsSent
	PhaseInventorySent
	PhaseClassified
	PhaseWholeFilesSent
	PhaseDeltasSent
	PhaseDone

	PhaseTransportLost
	PhaseProtocolError
	PhaseRemoteError
	PhaseLocalIOError
	PhaseCancelled
)

var phaseNames = [...]string{
	PhaseInit:           "Init",
	PhaseConnected:      "Connected",
	PhaseHandshakeDone:  "HandshakeDone",
	PhaseOptionsSent:    "OptionsSent",
	PhaseInventorySent:  "InventorySent",
	PhaseClassified:     "Classified",
	PhaseWholeFilesSent: "WholeFilesSent",
	PhaseDeltasSent:     "DeltasSent",
	PhaseDone:           "Done",
	PhaseTransportLost:  "TransportLost",
	PhaseProtocolError:  "ProtocolError",
	PhaseRemoteError:    "RemoteError",
	PhaseLocalIOError:   "LocalIOError",
	PhaseCancelled:      "Cancelled",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Unknown"
}
