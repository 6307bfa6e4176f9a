package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"
	"time"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/brand"
	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/firewall"
	"grimm.is/shroud/internal/logging"
	"grimm.is/shroud/internal/monitor"
	"grimm.is/shroud/internal/orch"
)

// rpcTimeout bounds every privileged operation started over the socket.
const rpcTimeout = 5 * time.Minute

// Server is the privileged control plane RPC server.
type Server struct {
	cfg    *config.Config
	ctrl   *orch.Controller
	mon    *monitor.Monitor
	fw     *firewall.Enforcer
	store  *audit.Store
	logger *logging.Logger
	clk    clock.Clock

	mu        sync.Mutex
	listener  net.Listener
	startedAt time.Time
	wg        sync.WaitGroup
}

// NewServer wires the control plane server. store may be nil, in which case
// history queries return empty results.
func NewServer(cfg *config.Config, ctrl *orch.Controller, mon *monitor.Monitor, fw *firewall.Enforcer, store *audit.Store, logger *logging.Logger, clk clock.Clock) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		mon:       mon,
		fw:        fw,
		store:     store,
		logger:    logger.WithComponent("ctlplane"),
		clk:       clk,
		startedAt: clk.Now(),
	}
}

// Start listens on the control socket and serves connections until Stop.
func (s *Server) Start() error {
	path := GetSocketPath()
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}

	// Root only. The disengage token is the second factor, not the first.
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("socket permissions: %w", err)
	}

	return s.StartWithListener(listener)
}

// StartWithListener serves RPC on an existing listener. Split out so tests
// can use a socket in a temp directory.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if err := rpc.Register(s); err != nil {
		if err.Error() != "rpc: service already defined: ctlplane.Server" {
			return fmt.Errorf("register RPC service: %w", err)
		}
	}

	s.logger.Info("control plane listening", "socket", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accept failed", "error", err)
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("RPC handler panicked", "panic", r)
					}
				}()
				rpc.ServeConn(conn)
			}()
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
}

// GetStatus returns the daemon's full state.
func (s *Server) GetStatus(args *Empty, reply *GetStatusReply) error {
	reply.Status = Status{
		Version:   brand.Version,
		Uptime:    s.clk.Now().Sub(s.startedAt).Round(time.Second).String(),
		StartedAt: s.startedAt,
		Orch:      s.ctrl.Status(),
	}
	if s.mon != nil {
		reply.Status.Tasks = s.mon.TaskStatus()
	}
	if s.store != nil {
		if last, err := s.store.LastLeakRun(); err == nil {
			reply.Status.LastLeak = last
		}
	}
	return nil
}

// ListModes returns the mode catalog.
func (s *Server) ListModes(args *Empty, reply *ListModesReply) error {
	active := s.ctrl.CurrentMode()
	for _, name := range s.cfg.ModeNames() {
		mode, _ := s.cfg.Mode(name)
		reply.Modes = append(reply.Modes, ModeInfo{
			Name:        name,
			Description: mode.Description,
			Services:    mode.Services,
			Active:      name == active,
		})
	}
	return nil
}

// SwitchMode transitions to the named mode. The call blocks until the
// transition commits, rolls back, or fails closed.
func (s *Server) SwitchMode(args *SwitchModeArgs, reply *SwitchModeReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	s.logger.Info("switch requested", "mode", args.Mode)
	record, err := s.ctrl.SwitchTo(ctx, args.Mode)
	if err != nil {
		return err
	}
	reply.Record = record
	return nil
}

// RunLeakTest runs the full leak suite on demand. Read-only: the verdict is
// reported and audited, never acted on.
func (s *Server) RunLeakTest(args *Empty, reply *RunLeakTestReply) error {
	if s.mon == nil {
		return fmt.Errorf("monitor not running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	reply.Report = s.mon.RunLeakSuite(ctx)
	return nil
}

// KillSwitchEngage drops all traffic immediately.
func (s *Server) KillSwitchEngage(args *KillSwitchEngageArgs, reply *KillSwitchReply) error {
	reason := args.Reason
	if reason == "" {
		reason = "operator request"
	}
	if err := s.fw.EngageKillSwitch(reason); err != nil {
		return err
	}
	reply.State = string(s.fw.State())
	return nil
}

// KillSwitchDisengage restores the active mode's policy after verifying the
// operator token.
func (s *Server) KillSwitchDisengage(args *KillSwitchDisengageArgs, reply *KillSwitchReply) error {
	if err := s.fw.Disengage(args.Token); err != nil {
		return err
	}
	reply.State = string(s.fw.State())
	return nil
}

// GetHistory returns recent transitions and leak runs from the audit store.
func (s *Server) GetHistory(args *GetHistoryArgs, reply *GetHistoryReply) error {
	if s.store == nil {
		return nil
	}

	since := args.Since
	if since.IsZero() {
		since = s.clk.Now().Add(-24 * time.Hour)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}
	end := s.clk.Now().Add(time.Hour)

	transitions, err := s.store.Transitions(since, end, limit)
	if err != nil {
		return fmt.Errorf("transition history: %w", err)
	}
	leakRuns, err := s.store.LeakRuns(since, end, limit)
	if err != nil {
		return fmt.Errorf("leak history: %w", err)
	}
	reply.Transitions = transitions
	reply.LeakRuns = leakRuns
	return nil
}
