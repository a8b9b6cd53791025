package application

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"shadow-relay/internal/domain"
)

// dgramResolver wires a resolver to one end of a datagram socketpair so
// responses can be injected without any network.
func dgramResolver(t *testing.T) (*resolver, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatal(err)
	}
	r := &resolver{
		log:     testLogger(),
		fd:      fds[0],
		pending: make(map[uint16]int),
	}
	t.Cleanup(r.close)
	t.Cleanup(func() { unix.Close(fds[1]) })
	return r, fds[1]
}

func answer(t *testing.T, id uint16, rrs ...string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	msg.Id = id
	msg.Response = true
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			t.Fatal(err)
		}
		msg.Answer = append(msg.Answer, rr)
	}
	packed, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return packed
}

func TestResolverCollect(t *testing.T) {
	r, peer := dgramResolver(t)
	r.pending[42] = 7

	if _, err := unix.Write(peer, answer(t, 42, "example.com. 60 IN A 93.184.216.34")); err != nil {
		t.Fatal(err)
	}

	clientFD, ip, ok := r.collect()
	if !ok {
		t.Fatal("response not collected")
	}
	if clientFD != 7 {
		t.Errorf("client fd %d", clientFD)
	}
	if ip.String() != "93.184.216.34" {
		t.Errorf("resolved %v", ip)
	}
	if len(r.pending) != 0 {
		t.Error("pending entry not consumed")
	}
}

func TestResolverNoARecord(t *testing.T) {
	r, peer := dgramResolver(t)
	r.pending[42] = 7

	if _, err := unix.Write(peer, answer(t, 42)); err != nil {
		t.Fatal(err)
	}

	clientFD, ip, ok := r.collect()
	if !ok || clientFD != 7 {
		t.Fatalf("collect: fd=%d ok=%v", clientFD, ok)
	}
	if ip != nil {
		t.Errorf("unexpected ip %v", ip)
	}
}

func TestResolverIgnoresUnknownID(t *testing.T) {
	r, peer := dgramResolver(t)

	if _, err := unix.Write(peer, answer(t, 99, "example.com. 60 IN A 10.0.0.1")); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.collect(); ok {
		t.Error("unsolicited response accepted")
	}

	// Nothing queued at all.
	if _, _, ok := r.collect(); ok {
		t.Error("empty socket produced a response")
	}
}

func TestResolverForget(t *testing.T) {
	r, _ := dgramResolver(t)
	r.pending[1] = 5
	r.pending[2] = 6

	r.forget(5)
	if _, ok := r.pending[1]; ok {
		t.Error("query for fd 5 still pending")
	}
	if fd := r.pending[2]; fd != 6 {
		t.Error("unrelated query dropped")
	}
}

// TestDomainHandshakeResolvesAsynchronously exercises the full domain
// path: handshake, A query over loopback, response, connect.
func TestDomainHandshakeResolvesAsynchronously(t *testing.T) {
	s, _ := newTestService(t, "table")

	dnsSrv, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer dnsSrv.Close()
	srvAddr := dnsSrv.LocalAddr().(*net.UDPAddr)
	s.resolver.server = unix.SockaddrInet4{Port: srvAddr.Port}
	copy(s.resolver.server.Addr[:], srvAddr.IP.To4())

	ln, port := destListener(t)
	local, remote := clientPair(t)

	pair, err := s.adoptClient(local)
	if err != nil {
		t.Fatal(err)
	}

	wire := append(append([]byte{domain.AtypDomain, 9}, "localhost"...), byte(port>>8), byte(port))
	s.ciph.Encrypt(wire, nil)
	writeAll(t, remote, wire)
	if err := s.HandleEvent(local, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	if pair.Stage != domain.StageResolving {
		t.Fatalf("stage: %v", pair.Stage)
	}
	if pair.TimerFD < 0 {
		t.Fatal("timer not armed during resolve")
	}

	// Answer the query.
	qbuf := make([]byte, 512)
	dnsSrv.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := dnsSrv.ReadFrom(qbuf)
	if err != nil {
		t.Fatal(err)
	}
	query := new(dns.Msg)
	if err := query.Unpack(qbuf[:n]); err != nil {
		t.Fatal(err)
	}
	if query.Question[0].Name != "localhost." {
		t.Fatalf("queried %q", query.Question[0].Name)
	}

	resp := new(dns.Msg)
	resp.SetReply(query)
	rr, err := dns.NewRR("localhost. 60 IN A 127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Answer = append(resp.Answer, rr)
	packed, err := resp.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dnsSrv.WriteTo(packed, from); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pair.Stage == domain.StageResolving {
		if time.Now().After(deadline) {
			t.Fatal("resolution never completed")
		}
		s.HandleEvent(s.resolver.fd, domain.EventRead)
		time.Sleep(5 * time.Millisecond)
	}
	if pair.Stage != domain.StageConnecting {
		t.Fatalf("stage after resolve: %v", pair.Stage)
	}

	ln.(*net.TCPListener).SetDeadline(time.Now().Add(2 * time.Second))
	destConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer destConn.Close()
	if err := s.HandleEvent(pair.UpstreamFD, domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	if pair.Stage != domain.StageStreaming {
		t.Fatalf("stage after connect: %v", pair.Stage)
	}
}
