package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"shadow-relay/internal/config"
	"shadow-relay/internal/domain"
	"shadow-relay/internal/encrypt"
	"shadow-relay/internal/infrastructure/network"
)

// RelayService owns every listener, connection pair and the resolver,
// and drives them from reactor readiness events. All state is confined
// to the reactor goroutine.
type RelayService struct {
	log       *slog.Logger
	loop      domain.EventLoop
	ciph      *encrypt.Config
	timeout   int
	listeners map[int]struct{}
	resolver  *resolver
	pairs     map[int]*domain.Pair // client, upstream and timer fds

	openClients   int
	openUpstreams int
}

func NewRelayService(loop domain.EventLoop, log *slog.Logger, ciph *encrypt.Config, cfg *config.Config) (*RelayService, error) {
	s := &RelayService{
		log:       log,
		loop:      loop,
		ciph:      ciph,
		timeout:   cfg.Timeout,
		listeners: make(map[int]struct{}),
		pairs:     make(map[int]*domain.Pair),
	}

	res, err := newResolver(log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up resolver: %w", err)
	}
	s.resolver = res

	for _, host := range cfg.Hosts {
		lfd, err := network.ListenTCP(host, cfg.Port)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s:%d: %w", host, cfg.Port, err)
		}
		s.listeners[lfd] = struct{}{}
	}
	return s, nil
}

// Start registers the long-lived sockets and runs the reactor loop.
func (s *RelayService) Start() error {
	for lfd := range s.listeners {
		if err := s.loop.Register(lfd, domain.EventRead); err != nil {
			return err
		}
	}
	if err := s.loop.Register(s.resolver.fd, domain.EventRead); err != nil {
		return err
	}
	return s.loop.Run(s)
}

// Stats reports the open client and upstream connection counts.
func (s *RelayService) Stats() (clients, upstreams int) {
	return s.openClients, s.openUpstreams
}

func (s *RelayService) HandleEvent(fd int, event domain.EventType) error {
	if _, ok := s.listeners[fd]; ok {
		return s.acceptClient(fd)
	}
	if fd == s.resolver.fd {
		s.finishResolve()
		return nil
	}

	pair := s.pairs[fd]
	if pair == nil {
		return nil
	}
	if fd == pair.TimerFD {
		s.log.Error("Upstream connect timed out", "target", pair.TargetAddr, "port", pair.TargetPort)
		s.closePair(pair, "connect timeout")
		return nil
	}

	switch pair.Stage {
	case domain.StageHandshaking:
		if fd == pair.ClientFD && event&domain.EventRead != 0 {
			s.handleHandshake(pair)
		}
	case domain.StageResolving:
		// The client fd is parked here; any event on it is an error or
		// hang-up condition.
		if fd == pair.ClientFD {
			s.closePair(pair, "client gone while resolving")
		}
	case domain.StageConnecting:
		if fd == pair.ClientFD {
			s.closePair(pair, "client gone while connecting")
			return nil
		}
		if fd == pair.UpstreamFD && event&domain.EventWrite != 0 {
			s.finalizeConnect(pair)
		}
	case domain.StageStreaming:
		s.stream(pair, fd, event)
	}
	return nil
}

func (s *RelayService) acceptClient(lfd int) error {
	nfd, _, err := unix.Accept(lfd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		s.log.Error("Accept failed", "error", err)
		return nil
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil
	}
	if _, err := s.adoptClient(nfd); err != nil {
		s.log.Error("Dropping accepted connection", "fd", nfd, "error", err)
		unix.Close(nfd)
	}
	return nil
}

// adoptClient wraps an accepted non-blocking fd in a new pair and arms
// its read interest. The fd is not closed on failure.
func (s *RelayService) adoptClient(nfd int) (*domain.Pair, error) {
	pair := &domain.Pair{
		ClientFD:    nfd,
		UpstreamFD:  -1,
		TimerFD:     -1,
		Stage:       domain.StageHandshaking,
		ClientBuf:   make([]byte, domain.BufSize),
		UpstreamBuf: make([]byte, domain.BufSize),
		Timeout:     s.timeout,
	}

	if s.ciph.Stateful() {
		var err error
		if pair.EncCtx, err = s.ciph.NewContext(encrypt.DirEncrypt); err != nil {
			return nil, err
		}
		if pair.DecCtx, err = s.ciph.NewContext(encrypt.DirDecrypt); err != nil {
			return nil, err
		}
	}

	if err := s.loop.Register(nfd, domain.EventRead); err != nil {
		return nil, err
	}
	pair.ClientWantRead = true
	s.pairs[nfd] = pair
	s.openClients++
	s.log.Debug("Accepted connection", "fd", nfd)
	return pair, nil
}

func eventMask(read, write bool) domain.EventType {
	var ev domain.EventType
	if read {
		ev |= domain.EventRead
	}
	if write {
		ev |= domain.EventWrite
	}
	return ev
}

func (s *RelayService) syncClient(pair *domain.Pair) {
	s.loop.Modify(pair.ClientFD, eventMask(pair.ClientWantRead, pair.ClientWantWrite))
}

func (s *RelayService) syncUpstream(pair *domain.Pair) {
	s.loop.Modify(pair.UpstreamFD, eventMask(pair.UpstreamWantRead, pair.UpstreamWantWrite))
}

// handleHandshake accumulates decrypted bytes until the destination
// header parses, then kicks off resolution or the upstream connect.
// The header may arrive split across several reads.
func (s *RelayService) handleHandshake(pair *domain.Pair) {
	buf := pair.ClientBuf
	n, err := unix.Read(pair.ClientFD, buf[pair.ClientLen:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.Error("Client read failed", "fd", pair.ClientFD, "error", err)
		s.closePair(pair, "client read error")
		return
	}
	if n == 0 {
		s.closePair(pair, "client closed during handshake")
		return
	}

	s.ciph.Decrypt(buf[pair.ClientLen:pair.ClientLen+n], pair.DecCtx)
	pair.ClientLen += n

	host, port, hdrLen, err := parseHandshake(buf[:pair.ClientLen])
	if errors.Is(err, errHeaderIncomplete) {
		if pair.ClientLen == len(buf) {
			s.closePair(pair, "oversized handshake header")
		}
		return
	}
	if err != nil {
		s.log.Error("Handshake rejected", "fd", pair.ClientFD, "error", err)
		s.closePair(pair, "bad handshake")
		return
	}

	// Bytes past the header are the first upstream-bound payload.
	residual := pair.ClientLen - hdrLen
	if residual > 0 {
		copy(pair.UpstreamBuf, buf[hdrLen:pair.ClientLen])
	}
	pair.UpstreamLen = residual
	pair.ClientLen = 0
	pair.TargetAddr = host
	pair.TargetPort = port

	pair.ClientWantRead = false
	s.syncClient(pair)

	// Armed before the destination work starts so an unanswered DNS
	// query cannot leak the pair.
	if err := s.armConnectTimer(pair); err != nil {
		s.log.Error("Timer setup failed", "error", err)
		s.closePair(pair, "timer setup failed")
		return
	}

	s.log.Debug("Handshake complete", "fd", pair.ClientFD, "target", host, "port", port)

	if ip := net.ParseIP(host); ip != nil {
		s.startConnect(pair, ip)
		return
	}
	pair.Stage = domain.StageResolving
	if err := s.resolver.lookup(host, pair.ClientFD); err != nil {
		s.log.Error("DNS query failed", "domain", host, "error", err)
		s.closePair(pair, "dns send failed")
	}
}

func (s *RelayService) armConnectTimer(pair *domain.Pair) error {
	tfd, err := network.NewOneshotTimer(pair.Timeout)
	if err != nil {
		return err
	}
	if err := s.loop.Register(tfd, domain.EventRead); err != nil {
		unix.Close(tfd)
		return err
	}
	pair.TimerFD = tfd
	s.pairs[tfd] = pair
	return nil
}

func (s *RelayService) disarmConnectTimer(pair *domain.Pair) {
	if pair.TimerFD < 0 {
		return
	}
	s.loop.Unregister(pair.TimerFD)
	unix.Close(pair.TimerFD)
	delete(s.pairs, pair.TimerFD)
	pair.TimerFD = -1
}

func (s *RelayService) finishResolve() {
	clientFD, ip, ok := s.resolver.collect()
	if !ok {
		return
	}
	pair := s.pairs[clientFD]
	if pair == nil || pair.Stage != domain.StageResolving {
		return
	}
	if ip == nil {
		s.log.Error("No A records", "domain", pair.TargetAddr)
		s.closePair(pair, "dns no records")
		return
	}
	s.log.Debug("Resolved", "domain", pair.TargetAddr, "ip", ip.String())
	s.startConnect(pair, ip)
}

func (s *RelayService) startConnect(pair *domain.Pair, ip net.IP) {
	rfd, err := network.ConnectTCP(ip, pair.TargetPort)
	if err != nil {
		s.log.Error("Upstream connect failed", "target", pair.TargetAddr, "port", pair.TargetPort, "error", err)
		s.closePair(pair, "connect failed")
		return
	}

	pair.UpstreamFD = rfd
	pair.Stage = domain.StageConnecting
	s.pairs[rfd] = pair
	s.openUpstreams++

	pair.UpstreamWantWrite = true
	if err := s.loop.Register(rfd, domain.EventWrite); err != nil {
		s.log.Error("Failed to register upstream", "fd", rfd, "error", err)
		s.closePair(pair, "upstream register failed")
	}
}

// finalizeConnect runs on the first upstream writability: the peer
// address probe distinguishes an established connection from a failed
// one.
func (s *RelayService) finalizeConnect(pair *domain.Pair) {
	if _, err := unix.Getpeername(pair.UpstreamFD); err != nil {
		s.log.Error("Upstream connect failed", "target", pair.TargetAddr, "port", pair.TargetPort, "error", err)
		s.closePair(pair, "connect failed")
		return
	}

	s.disarmConnectTimer(pair)
	pair.Connected = true
	pair.Stage = domain.StageStreaming
	s.log.Debug("Upstream connected", "target", pair.TargetAddr, "port", pair.TargetPort)

	pair.UpstreamWantRead = true
	if pair.UpstreamLen == 0 {
		pair.UpstreamWantWrite = false
		pair.ClientWantRead = true
		s.syncUpstream(pair)
		s.syncClient(pair)
		return
	}

	// Flush the residual handshake payload before reading more from
	// the client.
	s.syncUpstream(pair)
	s.upstreamWritable(pair)
}

func (s *RelayService) stream(pair *domain.Pair, fd int, event domain.EventType) {
	handled := false
	if fd == pair.ClientFD {
		if event&domain.EventRead != 0 && pair.ClientWantRead {
			s.clientReadable(pair)
			handled = true
		}
		if pair.Stage == domain.StageStreaming && event&domain.EventWrite != 0 && pair.ClientWantWrite {
			s.clientWritable(pair)
			handled = true
		}
	} else {
		if event&domain.EventRead != 0 && pair.UpstreamWantRead {
			s.upstreamReadable(pair)
			handled = true
		}
		if pair.Stage == domain.StageStreaming && event&domain.EventWrite != 0 && pair.UpstreamWantWrite {
			s.upstreamWritable(pair)
			handled = true
		}
	}
	// An event nothing was waiting for is an error or hang-up on a
	// parked fd.
	if !handled && pair.Stage == domain.StageStreaming {
		s.closePair(pair, "socket error")
	}
}

func (s *RelayService) clientReadable(pair *domain.Pair) {
	buf := pair.UpstreamBuf
	n, err := unix.Read(pair.ClientFD, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.Error("Client read failed", "fd", pair.ClientFD, "error", err)
		s.closePair(pair, "client read error")
		return
	}
	if n == 0 {
		s.closePair(pair, "client closed")
		return
	}

	s.ciph.Decrypt(buf[:n], pair.DecCtx)

	sent, err := unix.Write(pair.UpstreamFD, buf[:n])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			pair.UpstreamLen = n
			s.blockClientToUpstream(pair)
			return
		}
		s.log.Error("Upstream write failed", "fd", pair.UpstreamFD, "error", err)
		s.closePair(pair, "upstream write error")
		return
	}
	if sent < n {
		copy(buf, buf[sent:n])
		pair.UpstreamLen = n - sent
		s.blockClientToUpstream(pair)
	}
}

// blockClientToUpstream parks the client read while the upstream drains.
func (s *RelayService) blockClientToUpstream(pair *domain.Pair) {
	pair.ClientWantRead = false
	pair.UpstreamWantWrite = true
	s.syncClient(pair)
	s.syncUpstream(pair)
}

func (s *RelayService) upstreamReadable(pair *domain.Pair) {
	buf := pair.ClientBuf
	n, err := unix.Read(pair.UpstreamFD, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.Error("Upstream read failed", "fd", pair.UpstreamFD, "error", err)
		s.closePair(pair, "upstream read error")
		return
	}
	if n == 0 {
		s.closePair(pair, "upstream closed")
		return
	}

	s.ciph.Encrypt(buf[:n], pair.EncCtx)

	sent, err := unix.Write(pair.ClientFD, buf[:n])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			pair.ClientLen = n
			s.blockUpstreamToClient(pair)
			return
		}
		s.log.Error("Client write failed", "fd", pair.ClientFD, "error", err)
		s.closePair(pair, "client write error")
		return
	}
	if sent < n {
		copy(buf, buf[sent:n])
		pair.ClientLen = n - sent
		s.blockUpstreamToClient(pair)
	}
}

// blockUpstreamToClient parks the upstream read while the client drains.
func (s *RelayService) blockUpstreamToClient(pair *domain.Pair) {
	pair.UpstreamWantRead = false
	pair.ClientWantWrite = true
	s.syncUpstream(pair)
	s.syncClient(pair)
}

func (s *RelayService) clientWritable(pair *domain.Pair) {
	if pair.ClientLen == 0 {
		s.closePair(pair, "client writable with empty buffer")
		return
	}

	sent, err := unix.Write(pair.ClientFD, pair.ClientBuf[:pair.ClientLen])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.Error("Client write failed", "fd", pair.ClientFD, "error", err)
		s.closePair(pair, "client write error")
		return
	}
	if sent < pair.ClientLen {
		copy(pair.ClientBuf, pair.ClientBuf[sent:pair.ClientLen])
		pair.ClientLen -= sent
		return
	}

	pair.ClientLen = 0
	pair.ClientWantWrite = false
	pair.UpstreamWantRead = true
	s.syncClient(pair)
	s.syncUpstream(pair)
}

func (s *RelayService) upstreamWritable(pair *domain.Pair) {
	if pair.UpstreamLen == 0 {
		s.closePair(pair, "upstream writable with empty buffer")
		return
	}

	sent, err := unix.Write(pair.UpstreamFD, pair.UpstreamBuf[:pair.UpstreamLen])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.Error("Upstream write failed", "fd", pair.UpstreamFD, "error", err)
		s.closePair(pair, "upstream write error")
		return
	}
	if sent < pair.UpstreamLen {
		copy(pair.UpstreamBuf, pair.UpstreamBuf[sent:pair.UpstreamLen])
		pair.UpstreamLen -= sent
		return
	}

	pair.UpstreamLen = 0
	pair.UpstreamWantWrite = false
	pair.ClientWantRead = true
	s.syncUpstream(pair)
	s.syncClient(pair)
}

// closePair tears a pair down: timer first, then the upstream endpoint,
// then the client. Safe to call more than once.
func (s *RelayService) closePair(pair *domain.Pair, reason string) {
	if pair.Stage == domain.StageClosed {
		return
	}
	pair.Stage = domain.StageClosed
	s.log.Debug("Closing pair", "client_fd", pair.ClientFD, "reason", reason)

	s.disarmConnectTimer(pair)
	s.resolver.forget(pair.ClientFD)

	if pair.UpstreamFD >= 0 {
		s.loop.Unregister(pair.UpstreamFD)
		unix.Close(pair.UpstreamFD)
		delete(s.pairs, pair.UpstreamFD)
		pair.UpstreamFD = -1
		s.openUpstreams--
	}

	if pair.ClientFD >= 0 {
		s.loop.Unregister(pair.ClientFD)
		unix.Close(pair.ClientFD)
		delete(s.pairs, pair.ClientFD)
		pair.ClientFD = -1
		s.openClients--
	}

	pair.EncCtx = nil
	pair.DecCtx = nil
	s.log.Debug("Open connections", "clients", s.openClients, "upstreams", s.openUpstreams)
}
