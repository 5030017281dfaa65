// Package fakesim is a scripted stand-in for the simulation side of the
// bridge. The first accepted connection is the admin connection; every
// later one is an environment connection.
package fakesim

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/kcccr123/ue-reinforcement-learning/internal/transport"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/handshake"
)

type Config struct {
	// Handshake is sent on the admin connection, e.g.
	// "CONFIG:OBS=3;ACT=1;ENV_TYPE=MULTI;ENV_COUNT=2"
	Handshake string
	// Preamble is sent before the handshake
	Preamble []string
	// Control is sent after the handshake
	Control []string

	AdminDelimiter framing.Delimiter
	EnvDelimiter   framing.Delimiter

	// EpisodeLength is the number of steps until DONE=1; defaults to 5
	EpisodeLength int
	// ObsDim is the length of returned observations; defaults to the
	// handshake's OBS
	ObsDim int
	// Garbage makes every step response unparseable
	Garbage bool

	Logger *log.Logger
}

type Server struct {
	cfg    Config
	ln     net.Listener
	envTyp core.EnvType
	logger *log.Logger

	mu       sync.Mutex
	admin    *framing.Framer
	conns    []*framing.Framer
	requests []string
	accepted int

	adminReady chan struct{}
	wg         sync.WaitGroup
}

// Start listens on a loopback port and serves until Close.
func Start(cfg Config) (*Server, error) {
	if cfg.AdminDelimiter == "" {
		cfg.AdminDelimiter = framing.DelimiterStep
	}
	if cfg.EnvDelimiter == "" {
		cfg.EnvDelimiter = framing.DelimiterNewline
	}
	if cfg.EpisodeLength <= 0 {
		cfg.EpisodeLength = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[FakeSim] ", log.Flags())
	}

	envType := core.EnvTypeRLBase
	if info, err := handshake.ParseConfig(cfg.Handshake); err == nil {
		envType = info.EnvType
		if cfg.ObsDim == 0 {
			cfg.ObsDim = info.ObsDim
		}
	}
	if cfg.ObsDim == 0 {
		cfg.ObsDim = 1
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("fakesim listen: %w", err)
	}
	s := &Server{
		cfg:        cfg,
		ln:         ln,
		envTyp:     envType,
		logger:     cfg.Logger,
		adminReady: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Endpoint() transport.Endpoint {
	addr := s.ln.Addr().(*net.TCPAddr)
	return transport.Endpoint{IP: addr.IP.String(), Port: addr.Port}
}

// Requests returns every step/reset request received so far, in arrival
// order across all connections.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Accepted returns the number of connections accepted, admin included
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// SendControl writes msg on the admin connection once it exists.
func (s *Server) SendControl(msg string) error {
	<-s.adminReady
	s.mu.Lock()
	admin := s.admin
	s.mu.Unlock()
	return admin.Send(msg)
}

// CloseAdmin drops the admin connection from the simulation side
func (s *Server) CloseAdmin() error {
	<-s.adminReady
	s.mu.Lock()
	admin := s.admin
	s.mu.Unlock()
	return admin.Close()
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Printf("Accept failed: %v", err)
			}
			return
		}

		s.mu.Lock()
		first := s.accepted == 0
		s.accepted++
		delim := s.cfg.EnvDelimiter
		if first {
			delim = s.cfg.AdminDelimiter
		}
		f := framing.New(conn, delim, framing.WithLogger(s.logger))
		s.conns = append(s.conns, f)
		if first {
			s.admin = f
		}
		s.mu.Unlock()

		s.wg.Add(1)
		if first {
			go s.serveAdmin(f)
		} else {
			go s.serveEnv(f)
		}
	}
}

func (s *Server) serveAdmin(f *framing.Framer) {
	defer s.wg.Done()
	for _, msg := range s.cfg.Preamble {
		f.Send(msg)
	}
	if s.cfg.Handshake != "" {
		f.Send(s.cfg.Handshake)
	}
	for _, msg := range s.cfg.Control {
		f.Send(msg)
	}
	close(s.adminReady)

	if s.envTyp == core.EnvTypeRLBase {
		s.serve(f, s.flatReply)
		return
	}
	// nothing is expected from the trainer on a non-RLBASE admin connection
	for {
		if _, err := f.Receive(); err != nil {
			return
		}
	}
}

func (s *Server) serveEnv(f *framing.Framer) {
	defer s.wg.Done()
	s.serve(f, s.keyedReply)
}

// serve answers requests until the connection closes. steps counts the
// steps since the last reset on this connection.
func (s *Server) serve(f *framing.Framer, reply func(req string, steps int) (string, int)) {
	steps := 0
	for {
		req, err := f.Receive()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		var resp string
		resp, steps = reply(req, steps)
		if s.cfg.Garbage {
			resp = "garbage"
		}
		if err := f.Send(resp); err != nil {
			return
		}
	}
}

func (s *Server) observation(steps int) string {
	parts := make([]string, s.cfg.ObsDim)
	for i := range parts {
		parts[i] = strconv.Itoa(steps)
	}
	return strings.Join(parts, ",")
}

func (s *Server) done(steps int) int {
	if steps >= s.cfg.EpisodeLength {
		return 1
	}
	return 0
}

func (s *Server) flatReply(req string, steps int) (string, int) {
	if req == "RESET" {
		return s.observation(0) + ";0;0", 0
	}
	steps++
	return fmt.Sprintf("%s;1.0;%d", s.observation(steps), s.done(steps)), steps
}

func (s *Server) keyedReply(req string, steps int) (string, int) {
	kv := make(map[string]string)
	for _, part := range strings.Split(req, ";") {
		if k, v, ok := strings.Cut(part, "="); ok {
			kv[k] = v
		}
	}
	tag := ""
	if id, ok := kv["ENV"]; ok {
		tag = ";ENV=" + id
	}
	if kv["ACT"] == "RESET" {
		return fmt.Sprintf("OBS=%s;REW=0;DONE=0%s", s.observation(0), tag), 0
	}
	steps++
	return fmt.Sprintf("OBS=%s;REW=1.0;DONE=%d%s", s.observation(steps), s.done(steps), tag), steps
}
