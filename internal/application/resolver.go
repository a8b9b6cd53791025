package application

import (
	"log/slog"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"shadow-relay/internal/infrastructure/network"
)

const resolvConfPath = "/etc/resolv.conf"

// resolver answers A lookups asynchronously over one non-blocking UDP
// socket owned by the reactor, so name resolution never stalls the
// event loop.
type resolver struct {
	log     *slog.Logger
	fd      int
	server  unix.SockaddrInet4
	pending map[uint16]int // query id -> client fd
}

func newResolver(log *slog.Logger) (*resolver, error) {
	fd, err := network.BindUDP()
	if err != nil {
		return nil, err
	}
	r := &resolver{
		log:     log,
		fd:      fd,
		server:  unix.SockaddrInet4{Port: 53, Addr: [4]byte{8, 8, 8, 8}},
		pending: make(map[uint16]int),
	}
	if cc, err := dns.ClientConfigFromFile(resolvConfPath); err == nil && len(cc.Servers) > 0 {
		if ip := net.ParseIP(cc.Servers[0]); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				copy(r.server.Addr[:], v4)
			}
		}
	}
	return r, nil
}

// lookup sends one A query for host on behalf of clientFD.
func (r *resolver) lookup(host string, clientFD int) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	m.Id = dns.Id()

	packed, err := m.Pack()
	if err != nil {
		return err
	}
	if err := unix.Sendto(r.fd, packed, 0, &r.server); err != nil {
		return err
	}
	r.pending[m.Id] = clientFD
	return nil
}

// collect drains one response. ok is false when nothing actionable
// arrived; a nil ip with ok means the name resolved to no A record.
func (r *resolver) collect() (clientFD int, ip net.IP, ok bool) {
	buf := make([]byte, 512)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return 0, nil, false
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf[:n]); err != nil {
		r.log.Error("Undecodable DNS response")
		return 0, nil, false
	}

	clientFD, exists := r.pending[msg.Id]
	if !exists {
		return 0, nil, false
	}
	delete(r.pending, msg.Id)

	for _, ans := range msg.Answer {
		if a, isA := ans.(*dns.A); isA {
			return clientFD, a.A, true
		}
	}
	return clientFD, nil, true
}

// forget drops any query still pending for clientFD.
func (r *resolver) forget(clientFD int) {
	for id, fd := range r.pending {
		if fd == clientFD {
			delete(r.pending, id)
		}
	}
}

func (r *resolver) close() {
	unix.Close(r.fd)
}
