package media

import (
	"encoding/binary"
	"fmt"
)

// ProbeSize is the wire size of every control probe.
const ProbeSize = 4

// Probe is a tagged control message exchanged on the media socket. Each tag
// is four ASCII characters packed big-endian into a uint32.
type Probe uint32

const (
	// ProbeConnect asks the receiver to adopt our address and acknowledge.
	ProbeConnect Probe = 0x434F4E4E // "CONN"
	// ProbeConnectAck answers ProbeConnect.
	ProbeConnectAck Probe = 0x4341434B // "CACK"
	// ProbeKeepAlive keeps NAT bindings open during send-side silence.
	ProbeKeepAlive Probe = 0x4B414C56 // "KALV"
	// ProbeTest is a connectivity test.
	ProbeTest Probe = 0x54455354 // "TEST"
	// ProbeTestAck answers ProbeTest.
	ProbeTestAck Probe = 0x5441434B // "TACK"
)

// String returns the ASCII tag of p.
func (p Probe) String() string {
	switch p {
	case ProbeConnect:
		return "CONN"
	case ProbeConnectAck:
		return "CACK"
	case ProbeKeepAlive:
		return "KALV"
	case ProbeTest:
		return "TEST"
	case ProbeTestAck:
		return "TACK"
	default:
		return fmt.Sprintf("Probe(0x%08X)", uint32(p))
	}
}

// Valid reports whether p is one of the known tags.
func (p Probe) Valid() bool {
	switch p {
	case ProbeConnect, ProbeConnectAck, ProbeKeepAlive, ProbeTest, ProbeTestAck:
		return true
	default:
		return false
	}
}

// Bytes encodes p for the wire.
func (p Probe) Bytes() []byte {
	data := make([]byte, ProbeSize)
	binary.BigEndian.PutUint32(data, uint32(p))
	return data
}

// ParseProbe decodes data as a control probe. Anything that is not exactly
// ProbeSize bytes carrying a known tag is rejected with ErrInvalidProbe.
func ParseProbe(data []byte) (Probe, error) {
	if len(data) != ProbeSize {
		return 0, ErrInvalidProbe
	}
	p := Probe(binary.BigEndian.Uint32(data))
	if !p.Valid() {
		return 0, ErrInvalidProbe
	}
	return p, nil
}
