// Package api is the local HTTP management surface of the organize daemon.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/eventlog"
	"github.com/ioerror/vula/internal/events"
	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/organize"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/internal/prefs"
	"github.com/ioerror/vula/internal/sys"
	"github.com/ioerror/vula/pkg/logger"
)

// Organizer is the organize facade as seen by the API.
type Organizer interface {
	Snapshot() *organize.State
	Keys() *keys.Keys
	Hostname() string
	Prefs() prefs.Prefs
	EventLog() []engine.Result

	ProcessDescriptorString(ctx context.Context, s string) (*engine.Result, error)
	UserEdit(ctx context.Context, op engine.Op, path []string, value any) *engine.Result
	SetPeer(ctx context.Context, vk string, path []string, value any) *engine.Result
	SetPref(ctx context.Context, pref string, value any) *engine.Result
	AddPref(ctx context.Context, pref string, value any) *engine.Result
	RemovePref(ctx context.Context, pref string, value any) *engine.Result
	RemovePeer(ctx context.Context, query string) *engine.Result
	PeerAddrAdd(ctx context.Context, vk, ip string) (*engine.Result, error)
	PeerAddrDel(ctx context.Context, vk, ip string) (*engine.Result, error)
	VerifyAndPinPeer(ctx context.Context, vk, hostname string) *engine.Result
	ReleaseGateway(ctx context.Context) *engine.Result
	Sync(ctx context.Context) error

	PeerIDs(which string) ([]string, error)
	Peer(query string) (*peer.Peer, error)
	ShowPeer(query string) (string, error)
	PeerDescriptor(query string) (string, error)
	GetVKByName(hostname string) (string, error)
	OurLatestDescriptors() map[string]string
}

// Archive is the event log archive. It is optional.
type Archive interface {
	List(ctx context.Context, opts eventlog.ListOptions) ([]eventlog.Entry, error)
	Get(ctx context.Context, id string) (*engine.Result, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Address string
	Version string
}

// Deps are the collaborators behind the routes. Only Organizer is required.
type Deps struct {
	Organizer Organizer
	Archive   Archive
	Bus       *events.Bus
	Desired   func() sys.Desired
	Metrics   http.Handler
}

// Server is the HTTP API server.
type Server struct {
	server  *http.Server
	deps    Deps
	version string
	logger  *logger.Logger
}

// NewServer creates a new API server instance.
func NewServer(config ServerConfig, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		deps:    deps,
		version: config.Version,
		logger:  log.WithComponent("api"),
		server: &http.Server{
			Addr:         config.Address,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.server.Handler = s.Handler()
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return Chain(
		RequestID(s.logger),
		Recovery(),
		Logging(),
	)(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler())

	mux.HandleFunc("GET /api/v1/peers", s.listPeersHandler())
	mux.HandleFunc("GET /api/v1/peers/{query}", s.getPeerHandler())
	mux.HandleFunc("DELETE /api/v1/peers/{query}", s.removePeerHandler())
	mux.HandleFunc("GET /api/v1/peers/{query}/descriptor", s.peerDescriptorHandler())
	mux.HandleFunc("POST /api/v1/peers/{id}/edit", s.editPeerHandler())
	mux.HandleFunc("POST /api/v1/peers/{id}/addrs", s.addPeerAddrHandler())
	mux.HandleFunc("DELETE /api/v1/peers/{id}/addrs/{ip}", s.delPeerAddrHandler())
	mux.HandleFunc("POST /api/v1/peers/{id}/verify", s.verifyPeerHandler())
	mux.HandleFunc("GET /api/v1/names/{hostname}", s.nameHandler())

	mux.HandleFunc("POST /api/v1/descriptors", s.processDescriptorHandler())
	mux.HandleFunc("GET /api/v1/descriptors/ours", s.ourDescriptorsHandler())

	mux.HandleFunc("GET /api/v1/prefs", s.getPrefsHandler())
	mux.HandleFunc("POST /api/v1/prefs/{name}", s.editPrefHandler())
	mux.HandleFunc("POST /api/v1/edit", s.editHandler())
	mux.HandleFunc("GET /api/v1/state", s.stateHandler())

	mux.HandleFunc("POST /api/v1/gateway/release", s.releaseGatewayHandler())
	mux.HandleFunc("POST /api/v1/sync", s.syncHandler())
	mux.HandleFunc("GET /api/v1/desired", s.desiredHandler())

	mux.HandleFunc("GET /api/v1/eventlog", s.eventLogHandler())
	mux.HandleFunc("GET /api/v1/eventlog/{id}", s.eventHandler())

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Start starts serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting API server", "address", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("api server failed to start: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.InfoContext(ctx, "API server started", "address", s.server.Addr)
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}
