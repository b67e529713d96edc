package media

import (
	"net"
)

// endpointTracker counts media datagrams per sender address and, once per
// window, names the sender seen most often. Counts restart after every
// window so the decision follows recent traffic.
type endpointTracker struct {
	window int
	total  int
	hits   map[string]*senderHits
}

type senderHits struct {
	addr  *net.UDPAddr
	count int
}

func newEndpointTracker(window int) *endpointTracker {
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}
	return &endpointTracker{
		window: window,
		hits:   make(map[string]*senderHits),
	}
}

// observe records one datagram from addr. When the window completes it
// returns the majority sender, unless current was seen at least as often,
// in which case it returns nil.
func (t *endpointTracker) observe(addr *net.UDPAddr, current *net.UDPAddr) *net.UDPAddr {
	key := addr.String()
	entry, ok := t.hits[key]
	if !ok {
		entry = &senderHits{addr: cloneUDPAddr(addr)}
		t.hits[key] = entry
	}
	entry.count++
	t.total++

	if t.total < t.window {
		return nil
	}

	var best *senderHits
	for _, h := range t.hits {
		if best == nil || h.count > best.count {
			best = h
		}
	}

	currentCount := 0
	if current != nil {
		if h, ok := t.hits[current.String()]; ok {
			currentCount = h.count
		}
	}

	t.reset()

	if best == nil || best.count <= currentCount {
		return nil
	}
	return best.addr
}

func (t *endpointTracker) reset() {
	t.total = 0
	t.hits = make(map[string]*senderHits)
}

func cloneUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
