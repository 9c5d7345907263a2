package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"lumenchain/crypto"
)

// Multiaddr is a two-component structured network address such as
// "/ip4/10.0.0.1/tcp/30333" or "/dns/boot.lumen.example/tcp/30333". Values
// are immutable and comparable; a peer may have several of them.
//
// Parsing is structural only: it checks the /family/host/transport/port
// shape. Whether the address names a supported family and transport is
// decided when it is turned into a socket target, so that unsupported
// addresses learned from the network can be pruned at dial time rather than
// rejected at the door.
type Multiaddr struct {
	family    string
	host      string
	transport string
	port      uint16
}

// Address families usable as socket targets. Only the TCP stream transport is
// supported.
const (
	familyIP4  = "ip4"
	familyIP6  = "ip6"
	familyDNS  = "dns"
	familyDNS4 = "dns4"
	familyDNS6 = "dns6"

	transportTCP = "tcp"
)

// ParseMultiaddr parses the textual form of a multiaddress: exactly two
// protocol components, the second carrying a numeric port.
func ParseMultiaddr(s string) (Multiaddr, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 5 || parts[0] != "" {
		return Multiaddr{}, fmt.Errorf("%w: %q", ErrBadMultiaddr, s)
	}
	family, host, transport, portStr := parts[1], parts[2], parts[3], parts[4]
	if family == "" || host == "" || transport == "" {
		return Multiaddr{}, fmt.Errorf("%w: %q", ErrBadMultiaddr, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Multiaddr{}, fmt.Errorf("%w: invalid port %q", ErrBadMultiaddr, portStr)
	}
	return Multiaddr{family: family, host: host, transport: transport, port: uint16(port)}, nil
}

// ParseBootnode parses a bootnode entry: a multiaddress with a trailing
// /p2p/<peer-id> component, e.g. "/ip4/10.0.0.1/tcp/30333/p2p/12D3Koo...".
func ParseBootnode(s string) (BootstrapPeer, error) {
	const marker = "/p2p/"
	idx := strings.LastIndex(s, marker)
	if idx < 0 {
		return BootstrapPeer{}, fmt.Errorf("%w: bootnode %q missing %s component", ErrBadMultiaddr, s, marker)
	}
	addr, err := ParseMultiaddr(s[:idx])
	if err != nil {
		return BootstrapPeer{}, err
	}
	id, err := crypto.DecodePeerID(s[idx+len(marker):])
	if err != nil {
		return BootstrapPeer{}, fmt.Errorf("%w: bootnode peer id: %v", ErrBadMultiaddr, err)
	}
	return BootstrapPeer{ID: id, Addr: addr}, nil
}

// MustMultiaddr parses s and panics on failure. Intended for fixtures.
func MustMultiaddr(s string) Multiaddr {
	addr, err := ParseMultiaddr(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Multiaddr) String() string {
	return fmt.Sprintf("/%s/%s/%s/%d", a.family, a.host, a.transport, a.port)
}

// IsZero reports whether the multiaddress is the empty value.
func (a Multiaddr) IsZero() bool { return a.family == "" }

// socketTarget validates the multiaddress as a dialable TCP target. The
// returned host is an IP literal or a DNS name depending on the family.
func (a Multiaddr) socketTarget() error {
	if a.transport != transportTCP {
		return fmt.Errorf("%w: unsupported transport %q", ErrBadMultiaddr, a.transport)
	}
	switch a.family {
	case familyIP4:
		ip := net.ParseIP(a.host)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: invalid IPv4 host %q", ErrBadMultiaddr, a.host)
		}
	case familyIP6:
		ip := net.ParseIP(a.host)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: invalid IPv6 host %q", ErrBadMultiaddr, a.host)
		}
	case familyDNS, familyDNS4, familyDNS6:
		// Resolved at dial time.
	default:
		return fmt.Errorf("%w: unsupported family %q", ErrBadMultiaddr, a.family)
	}
	return nil
}

// listenTarget converts the multiaddress into a host:port a TCP listener can
// bind. DNS families are not bindable.
func (a Multiaddr) listenTarget() (string, error) {
	if err := a.socketTarget(); err != nil {
		return "", err
	}
	switch a.family {
	case familyIP4, familyIP6:
		return net.JoinHostPort(a.host, strconv.Itoa(int(a.port))), nil
	default:
		return "", fmt.Errorf("%w: cannot listen on %s", ErrBadMultiaddr, a)
	}
}

// Resolver resolves DNS multiaddress hosts at dial time. DNS resolution is an
// external collaborator of the networking core; the default implementation
// queries the system nameservers directly.
type Resolver interface {
	LookupHost(ctx context.Context, host string, family string) ([]net.IP, error)
}

// dnsResolver resolves hostnames against the system resolver configuration.
type dnsResolver struct {
	client *dns.Client
	config *dns.ClientConfig
}

// DefaultResolver builds a resolver from /etc/resolv.conf. Errors reading the
// system configuration fall back to a loopback nameserver so a node in a
// minimal container still starts.
func DefaultResolver() Resolver {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		cfg = &dns.ClientConfig{Servers: []string{"127.0.0.1"}, Port: "53", Timeout: 5}
	}
	return &dnsResolver{client: new(dns.Client), config: cfg}
}

func (r *dnsResolver) LookupHost(ctx context.Context, host string, family string) ([]net.IP, error) {
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	switch family {
	case familyDNS4:
		qtypes = []uint16{dns.TypeA}
	case familyDNS6:
		qtypes = []uint16{dns.TypeAAAA}
	}
	var ips []net.IP
	var lastErr error
	for _, qtype := range qtypes {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true
		for _, server := range r.config.Servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, net.JoinHostPort(server, r.config.Port))
			if err != nil {
				lastErr = err
				continue
			}
			for _, rr := range resp.Answer {
				switch record := rr.(type) {
				case *dns.A:
					ips = append(ips, record.A)
				case *dns.AAAA:
					ips = append(ips, record.AAAA)
				}
			}
			break
		}
	}
	if len(ips) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
		}
		return nil, fmt.Errorf("resolve %s: no records", host)
	}
	return ips, nil
}

// dialMultiaddr opens a TCP connection to the multiaddress, resolving DNS
// hosts through the supplied resolver first.
func dialMultiaddr(ctx context.Context, addr Multiaddr, resolver Resolver) (net.Conn, error) {
	if err := addr.socketTarget(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{}
	port := strconv.Itoa(int(addr.port))
	switch addr.family {
	case familyIP4, familyIP6:
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.host, port))
	default:
		if resolver == nil {
			resolver = DefaultResolver()
		}
		ips, err := resolver.LookupHost(ctx, addr.host, addr.family)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
