// Package server runs an orchestrator as a process: the gRPC control
// service on an hsu-core server and the admin HTTP endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-orchestrator/pkg/adminhttp"
	"github.com/core-tools/hsu-orchestrator/pkg/control"
	domainerrors "github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
)

type Options struct {
	Port                 int
	AdminEnabled         bool
	AdminAddress         string
	ForceShutdownTimeout time.Duration
}

// State represents the server's lifecycle state
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

type Server struct {
	options      Options
	server       corecontrol.Server
	admin        *http.Server
	orchestrator *orchestrator.Orchestrator
	logger       logging.Logger

	mutex sync.Mutex
	state State
}

// New wraps o in a control server and, when enabled, an admin endpoint
// serving the metrics gathered by reg
func New(options Options, o *orchestrator.Orchestrator, reg *prometheus.Registry, coreLogger corelogging.Logger, logger logging.Logger) (*Server, error) {
	serverOptions := corecontrol.ServerOptions{
		Port: options.Port,
	}

	server, err := corecontrol.NewServer(serverOptions, coreLogger)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to create server", err)
	}

	// Register core services
	coreHandler := coredomain.NewDefaultHandler(coreLogger)
	corecontrol.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	// Register orchestrator services
	handler := orchestrator.NewControlHandler(o, logger)
	control.RegisterGRPCServerHandler(server.GRPC(), handler, logger)

	s := &Server{
		options:      options,
		server:       server,
		orchestrator: o,
		logger:       logger,
		state:        StateNotStarted,
	}

	if options.AdminEnabled {
		var metricsHandler http.Handler
		if reg != nil {
			metricsHandler = metrics.Handler(reg)
		}
		s.admin = &http.Server{
			Addr:              options.AdminAddress,
			Handler:           adminhttp.NewRouter(o, metricsHandler, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s, nil
}

func (s *Server) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
}

func (s *Server) Start(ctx context.Context) {
	s.logger.Infof("Starting server...")

	s.server.Start(ctx)

	if s.admin != nil {
		go func() {
			s.logger.Infof("Admin endpoint listening, address: %s", s.admin.Addr)
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("Admin endpoint failed: %v", err)
			}
		}()
	}

	s.setState(StateRunning)
	s.logger.Infof("Server started")
}

func (s *Server) Stop(ctx context.Context) {
	s.logger.Infof("Stopping server...")
	s.setState(StateStopping)

	if ctx == nil {
		ctx = context.Background()
	}

	forcedShutdownTimeout := s.options.ForceShutdownTimeout
	if forcedShutdownTimeout <= 0 {
		forcedShutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, forcedShutdownTimeout)
	defer cancel()

	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			s.logger.Warnf("Admin endpoint shutdown: %v", err)
		}
	}
	s.server.Shutdown(ctx)
	s.orchestrator.Close()

	s.setState(StateStopped)
	s.logger.Infof("Server stopped")
}
