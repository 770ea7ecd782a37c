package convoy

// External collaborators the core talks to only through these interfaces.
// None of them participate in the synchronization invariants; every default
// implementation is a no-op.

// VoiceRelay receives voice traffic for a side channel (codec framing,
// playback, and capture live entirely behind it). The payload is opaque.
type VoiceRelay interface {
	Forward(from uint32, position [3]float32, payload []byte)
}

// Stats is the aggregate counter snapshot pushed on the slow timer.
type Stats struct {
	Name        string
	Map         string
	Players     int
	MaxPlayers  int
	Vehicles    int
	Tick        uint64
	Description string
}

// StatusReporter covers the rendezvous/listing client and any rich-status
// side channel. Report is called from the server loop and must not block.
type StatusReporter interface {
	Report(Stats)
}

// PortMapper is the NAT traversal hook consulted once at startup and once
// at shutdown.
type PortMapper interface {
	Map(port uint16) (uint16, error)
	Unmap(port uint16)
}

type nopVoiceRelay struct{}

func (nopVoiceRelay) Forward(uint32, [3]float32, []byte) {}

type nopStatusReporter struct{}

func (nopStatusReporter) Report(Stats) {}

type nopPortMapper struct{}

func (nopPortMapper) Map(port uint16) (uint16, error) { return port, nil }
func (nopPortMapper) Unmap(uint16)                    {}
