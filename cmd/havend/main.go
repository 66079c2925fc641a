package main

import (
	"context"
	"crypto/subtle"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/internal/transit"
	"github.com/haven-id/haven/pkg/config"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
	"github.com/haven-id/haven/pkg/drive/query"
	"github.com/haven-id/haven/pkg/drive/storage"
	"github.com/haven-id/haven/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure logger
	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	// Shut down on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Haven - personal drive host")
	logger.Info("Log level set to: %s", level)

	registry, err := config.InitializeRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to mount drives: %v", err)
	}

	index, err := config.CreateIndex(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open file index: %v", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.Error("Failed to close file index: %v", err)
		}
	}()

	archive, err := config.CreateQuarantineArchive(ctx, &cfg.Quarantine)
	if err != nil {
		log.Fatalf("Failed to create quarantine archive: %v", err)
	}

	perimeter := transit.NewTransitPerimeterService(
		registry, index, archive,
		config.CreateTransitFilters(&cfg.Transit)...,
	)
	transitHandler := transit.NewHandler(
		perimeter,
		peerResolver(registry),
		config.CreateRateLimiter(&cfg.Transit.RateLimit),
	)

	queryService := query.NewDriveQueryService(index, server.NewDriveResolver(registry))

	collector := config.CreateStagingCollector(registry, &cfg.GC)
	collector.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		if err := collector.Stop(stopCtx); err != nil {
			logger.Error("Failed to stop staging collector: %v", err)
		}
	}()

	srv := server.New(
		cfg.Server,
		registry,
		queryService,
		transitHandler,
		ownerResolver(cfg.Server.OwnerToken, registry),
	)

	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// ownerResolver authenticates the drive owner by bearer token. Requests
// without a matching token resolve to nil and fall back to anonymous
// access at the query surface.
func ownerResolver(token string, registry *storage.Registry) server.CallerResolver {
	return func(r *http.Request) (*access.PermissionContext, error) {
		if token == "" {
			return nil, nil
		}
		presented := r.Header.Get("X-Haven-Owner-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return nil, nil
		}
		return &access.PermissionContext{
			CallerOdinID:  "owner",
			IsOwner:       true,
			SecurityGroup: drive.SecurityGroupOwner,
			DriveGrants:   fullGrants(registry),
		}, nil
	}
}

// peerResolver authenticates a pushing host by its client certificate. The
// certificate's common name is the peer's identity; peers arrive with the
// Connected trust level and write grants on every mounted drive, and the
// perimeter filters decide what actually lands.
func peerResolver(registry *storage.Registry) transit.CallerResolver {
	return func(r *http.Request) (*access.PermissionContext, error) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return nil, fmt.Errorf("no peer certificate presented")
		}
		identity := r.TLS.PeerCertificates[0].Subject.CommonName
		if identity == "" {
			return nil, fmt.Errorf("peer certificate carries no identity")
		}
		return &access.PermissionContext{
			CallerOdinID:  identity,
			SecurityGroup: drive.SecurityGroupConnected,
			DriveGrants:   fullGrants(registry),
		}, nil
	}
}

func fullGrants(registry *storage.Registry) map[drive.TargetDrive]access.DriveGrant {
	grants := make(map[drive.TargetDrive]access.DriveGrant)
	for _, d := range registry.ListDrives() {
		grants[d.TargetDriveInfo] = access.DriveGrant{
			DriveID:    d.ID,
			Permission: access.PermissionRead | access.PermissionWrite,
		}
	}
	return grants
}
