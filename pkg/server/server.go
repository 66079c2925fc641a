package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/internal/transit"
	"github.com/haven-id/haven/pkg/config"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
	"github.com/haven-id/haven/pkg/drive/query"
	"github.com/haven-id/haven/pkg/drive/storage"
)

// CallerResolver authenticates an HTTP request and produces the caller's
// permission context. The query endpoints treat resolution failures as
// anonymous access; the transit endpoints abort the exchange instead.
type CallerResolver func(r *http.Request) (*access.PermissionContext, error)

// HavenServer is the HTTP face of a Haven host. It exposes two surfaces on
// one listener: the transit perimeter (host-to-host file pushes) and the
// drive query API (header search and point lookups for apps and peers).
//
// Lifecycle:
//  1. Creation: New() with the wired components
//  2. Startup: Serve() binds the listener and blocks
//  3. Shutdown: context cancellation drains in-flight requests, bounded by
//     the configured shutdown timeout
//
// Serve() should only be called once per server instance.
type HavenServer struct {
	cfg      config.ServerConfig
	registry *storage.Registry
	query    *query.DriveQueryService
	transit  *transit.Handler
	resolve  CallerResolver

	// anonymousGrants backs the fallback context for unauthenticated
	// requests: read-only grants on every drive that allows anonymous
	// reads
	anonymousGrants map[drive.TargetDrive]access.DriveGrant
}

// New assembles the server from its wired components.
//
// Panics if any component is nil (indicates programmer error).
func New(
	cfg config.ServerConfig,
	registry *storage.Registry,
	queryService *query.DriveQueryService,
	transitHandler *transit.Handler,
	resolve CallerResolver,
) *HavenServer {
	if registry == nil {
		panic("storage registry cannot be nil")
	}
	if queryService == nil {
		panic("query service cannot be nil")
	}
	if transitHandler == nil {
		panic("transit handler cannot be nil")
	}
	if resolve == nil {
		panic("caller resolver cannot be nil")
	}

	anonymousGrants := make(map[drive.TargetDrive]access.DriveGrant)
	for _, d := range registry.ListDrives() {
		if d.AllowAnonymousReads {
			anonymousGrants[d.TargetDriveInfo] = access.DriveGrant{
				DriveID:    d.ID,
				Permission: access.PermissionRead,
			}
		}
	}

	return &HavenServer{
		cfg:             cfg,
		registry:        registry,
		query:           queryService,
		transit:         transitHandler,
		resolve:         resolve,
		anonymousGrants: anonymousGrants,
	}
}

// Serve starts the listener and blocks until the context is cancelled or
// the listener fails. With a certificate pair configured the API is served
// over HTTPS and client certificates are requested, which is how pushing
// hosts authenticate; without one the server speaks plain HTTP and the
// transit surface cannot identify peers.
//
// Shutdown behavior: when the context is cancelled, in-flight requests get
// the configured ShutdownTimeout to complete before the listener closes
// hard. Returns nil on graceful shutdown.
func (s *HavenServer) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: s.routes(),
	}

	serve := httpServer.ListenAndServe
	if s.cfg.TLS.Enabled() {
		tlsConfig, err := newTLSConfig(s.cfg.TLS)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
		serve = func() error { return httpServer.ListenAndServeTLS("", "") }
	} else {
		logger.Warn("TLS is not configured; peer pushes cannot authenticate over plain HTTP")
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Haven API listening on %s", s.cfg.ListenAddress)
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
	case err := <-errChan:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown expired, closing listener: %v", err)
		return httpServer.Close()
	}

	logger.Info("Haven API stopped gracefully")
	return nil
}

// newTLSConfig loads the configured certificate pair and requests (without
// requiring) a client certificate, so peer pushes can present one while
// owner and anonymous requests connect without.
func newTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}, nil
}

// routes builds the request multiplexer. The transit endpoints get the
// perimeter's own caller handling; everything else goes through the drive
// query handlers.
func (s *HavenServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// host-to-host perimeter
	mux.HandleFunc("POST /api/transit/host/upload", s.transit.HandleUpload)
	mux.HandleFunc("POST /api/transit/host/deletelinkedfile", s.transit.HandleDeleteLinkedFile)

	// drive query surface
	mux.HandleFunc("POST /api/drive/query/batch", s.handleQueryBatch)
	mux.HandleFunc("POST /api/drive/query/modified", s.handleQueryModified)
	mux.HandleFunc("POST /api/drive/query/batchcollection", s.handleQueryBatchCollection)
	mux.HandleFunc("GET /api/drive/files/header", s.handleGetFileHeader)
	mux.HandleFunc("GET /api/drive/files/payload", s.handleGetPayload)
	mux.HandleFunc("GET /api/drive/files/thumb", s.handleGetThumbnail)

	return mux
}

// caller resolves the request's permission context, degrading to anonymous
// when the resolver cannot authenticate the request.
func (s *HavenServer) caller(r *http.Request) *access.PermissionContext {
	caller, err := s.resolve(r)
	if err != nil || caller == nil {
		return access.NewAnonymousContext(s.anonymousGrants)
	}
	return caller
}

// registryResolver adapts the storage registry to the query service's
// drive resolution interface.
type registryResolver struct {
	registry *storage.Registry
}

// NewDriveResolver exposes the registry's long-term managers as header
// readers for the query service.
func NewDriveResolver(registry *storage.Registry) query.DriveResolver {
	return &registryResolver{registry: registry}
}

func (r *registryResolver) HeaderReader(driveID drive.DriveID) (query.HeaderReader, error) {
	return r.registry.LongTerm(driveID)
}
