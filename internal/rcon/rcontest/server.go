// Package rcontest provides an in-process RCON server for tests.
package rcontest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"rconbridge-go/internal/rcon"
)

// Reply tells the server how to answer one command.
type Reply struct {
	Body string
	// Silent swallows the command so the caller times out.
	Silent bool
	// Drop closes the connection instead of answering.
	Drop bool
}

// HandlerFunc answers a command.
type HandlerFunc func(command string) Reply

// Echo answers every command with its own text.
func Echo(command string) Reply { return Reply{Body: command} }

// Server is a minimal RCON server bound to 127.0.0.1 on a random port.
type Server struct {
	password string

	mu        sync.Mutex
	handler   HandlerFunc
	conns     map[net.Conn]struct{}
	commands  []string
	rejectAll bool

	ln       net.Listener
	auths    atomic.Int32
	attempts atomic.Int32
	accepted atomic.Int32
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, password string, handler HandlerFunc) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("rcontest: listen: %v", err)
	}
	if handler == nil {
		handler = Echo
	}
	s := &Server{
		password: password,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
		ln:       ln,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Host returns the listen host.
func (s *Server) Host() string { return s.ln.Addr().(*net.TCPAddr).IP.String() }

// Port returns the listen port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// SetHandler swaps the command handler.
func (s *Server) SetHandler(h HandlerFunc) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// RejectAuth makes every subsequent auth attempt fail.
func (s *Server) RejectAuth(reject bool) {
	s.mu.Lock()
	s.rejectAll = reject
	s.mu.Unlock()
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

// Commands returns every command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// AuthCount returns the number of successful authentications.
func (s *Server) AuthCount() int { return int(s.auths.Load()) }

// AuthAttempts returns the number of auth packets received, accepted or not.
func (s *Server) AuthAttempts() int { return int(s.attempts.Load()) }

// Accepted returns the number of accepted TCP connections.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	for {
		p, err := rcon.ReadPacket(c)
		if err != nil {
			return
		}
		switch p.Type {
		case rcon.TypeAuth:
			s.attempts.Add(1)
			s.mu.Lock()
			ok := p.Body == s.password && !s.rejectAll
			s.mu.Unlock()
			_ = rcon.WritePacket(c, rcon.Packet{ID: p.ID, Type: rcon.TypeResponseValue})
			id := p.ID
			if !ok {
				id = -1
			} else {
				s.auths.Add(1)
			}
			if err := rcon.WritePacket(c, rcon.Packet{ID: id, Type: rcon.TypeAuthResponse}); err != nil {
				return
			}
		case rcon.TypeExecCommand:
			s.mu.Lock()
			s.commands = append(s.commands, p.Body)
			h := s.handler
			s.mu.Unlock()
			reply := h(p.Body)
			if reply.Drop {
				return
			}
			if reply.Silent {
				continue
			}
			if err := rcon.WritePacket(c, rcon.Packet{ID: p.ID, Type: rcon.TypeResponseValue, Body: reply.Body}); err != nil {
				return
			}
		}
	}
}
