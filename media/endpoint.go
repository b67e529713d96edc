package media

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Endpoint is a (host, UDP port) pair. The zero value means "not known yet".
type Endpoint struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// IsZero reports whether e does not name a reachable endpoint. A port of
// zero is treated as unknown.
func (e Endpoint) IsZero() bool {
	return e.Host == "" || e.Port == 0
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// EndpointFromAddr converts a UDP address into an Endpoint.
func EndpointFromAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	return Endpoint{Host: addr.IP.String(), Port: addr.Port}
}

// virtualInterfacePrefixes are interface names skipped by LocalIPv4 because
// they belong to container bridges, hypervisors or overlay tunnels.
var virtualInterfacePrefixes = []string{
	"docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "lxc", "lxd",
	"cni", "flannel", "cali", "tun", "tap", "utun", "zt", "tailscale", "wg",
}

// LocalIPv4 picks the address a peer should advertise for its media
// endpoint. It prefers the IPv4 address of the first up, non-loopback,
// non-virtual interface, then the host name's resolved address, and finally
// the loopback address.
func LocalIPv4() net.IP {
	if ip := interfaceIPv4(); ip != nil {
		return ip
	}
	if ip := hostnameIPv4(); ip != nil {
		return ip
	}

	logrus.WithFields(logrus.Fields{
		"function": "LocalIPv4",
	}).Warn("No usable network address found, falling back to loopback")

	return net.IPv4(127, 0, 0, 1).To4()
}

func interfaceIPv4() net.IP {
	interfaces, err := net.Interfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "interfaceIPv4",
			"error":    err.Error(),
		}).Debug("Failed to list network interfaces")
		return nil
	}

	for _, iface := range interfaces {
		if !isUsableInterface(iface) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
				return ip4
			}
		}
	}

	return nil
}

// isUsableInterface checks that iface is up, not a loopback and not virtual.
func isUsableInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

func hostnameIPv4() net.IP {
	host, err := os.Hostname()
	if err != nil {
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}

	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4
		}
	}
	return nil
}
