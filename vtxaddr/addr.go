// Package vtxaddr
// Author: momentics <momentics@gmail.com>
//
// Address parsing, wildcard resolution, and peer-key formatting (spec.md
// §4, design note on s_sin_addr_to_str): the original returns a pointer
// into a static buffer; here every key is an owned Go string, safe to use
// directly as a map key with no aliasing hazard.

package vtxaddr

import (
	"net"
	"strconv"
	"strings"

	"github.com/momentics/vtx/vtxerr"
)

// Endpoint is a parsed "scheme://host:port" application-facing address.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Wildcard bool // Host == "*"
}

// ParseEndpoint splits "scheme://host:port" into its parts (spec.md §6).
func ParseEndpoint(s string) (Endpoint, error) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return Endpoint{}, vtxerr.ErrBadEndpoint.With("endpoint", s)
	}
	scheme := s[:idx]
	hostport := s[idx+3:]
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, vtxerr.Wrap(vtxerr.KindConfig, err, "malformed host:port").With("endpoint", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, vtxerr.Wrap(vtxerr.KindConfig, err, "malformed port").With("endpoint", s)
	}
	return Endpoint{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Wildcard: host == "*",
	}, nil
}

// Key is the canonical peer-key form used for map lookups: "host:port".
// It never carries a scheme prefix; ROUTER identity frames strip the
// scheme before using this as a lookup key (spec.md §4.4).
func Key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// KeyFromUDPAddr produces the canonical key for a resolved UDP sockaddr.
func KeyFromUDPAddr(a *net.UDPAddr) string {
	return Key(a.IP.String(), a.Port)
}

// KeyFromTCPAddr produces the canonical key for a resolved TCP sockaddr.
func KeyFromTCPAddr(a *net.TCPAddr) string {
	return Key(a.IP.String(), a.Port)
}

// RouterIdentity formats the "scheme://host:port" identity frame a ROUTER
// vocket prepends to inbound messages (spec.md §4.4).
func RouterIdentity(scheme, key string) string {
	return scheme + "://" + key
}

// StripScheme removes a leading "scheme://" from a ROUTER identity frame,
// returning the bare peer key used to look up the peering.
func StripScheme(identity string) string {
	if idx := strings.Index(identity, "://"); idx >= 0 {
		return identity[idx+3:]
	}
	return identity
}

// BroadcastResolver abstracts "enumerate interfaces, pick the last valid
// broadcast address" (spec.md §9 design note): platform-specific and
// environment-specific, so it is injectable for tests instead of hard-wired.
type BroadcastResolver interface {
	ResolveBroadcast() (net.IP, error)
}

// defaultBroadcastResolver enumerates local interfaces and returns the
// broadcast address of the last IPv4 interface with a usable netmask.
type defaultBroadcastResolver struct{}

// DefaultBroadcastResolver is the platform-default capability injected into
// drivers; tests substitute a fake BroadcastResolver instead.
var DefaultBroadcastResolver BroadcastResolver = defaultBroadcastResolver{}

func (defaultBroadcastResolver) ResolveBroadcast() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, vtxerr.Wrap(vtxerr.KindFatal, err, "enumerate interfaces")
	}
	var last net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			bcast := broadcastOf(ipnet)
			if bcast != nil {
				last = bcast
			}
		}
	}
	if last == nil {
		return nil, vtxerr.New(vtxerr.KindFatal, "no broadcast-capable interface found")
	}
	return last, nil
}

func broadcastOf(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil
	}
	mask := ipnet.Mask
	out := make(net.IP, len(ip4))
	for i := range ip4 {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}

// ResolveWildcard turns "*" into the broadcast address for outgoing
// connects, or the unspecified address (0.0.0.0) for incoming binds.
func ResolveWildcard(host string, outgoing bool, resolver BroadcastResolver) (string, error) {
	if host != "*" {
		return host, nil
	}
	if !outgoing {
		return "0.0.0.0", nil
	}
	ip, err := resolver.ResolveBroadcast()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}
