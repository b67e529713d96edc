package media

// PortForCall derives the first candidate media port of a call:
// basePort + callID mod portRange. A basePort of zero means the OS picks an
// ephemeral port, and zero is returned.
func PortForCall(basePort, portRange int, callID uint32) int {
	if basePort <= 0 {
		return 0
	}
	if portRange <= 0 {
		return basePort
	}
	return basePort + int(callID%uint32(portRange))
}
