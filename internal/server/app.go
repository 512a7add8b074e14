// Package server initializes and runs the Parsec server: it selects the
// store and blockstore backends, wires the services together and starts the
// HTTP endpoint, handling graceful shutdown on OS signals.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/server/blocks"
	"github.com/dmitrijs2005/parsecd/internal/server/certif"
	"github.com/dmitrijs2005/parsecd/internal/server/config"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/httpapi"
	"github.com/dmitrijs2005/parsecd/internal/server/invites"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
	"github.com/dmitrijs2005/parsecd/internal/server/realms"
	"github.com/dmitrijs2005/parsecd/internal/server/sequester"
	"github.com/dmitrijs2005/parsecd/internal/server/shamirx"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/server/store/memory"
	"github.com/dmitrijs2005/parsecd/internal/server/store/postgres"
	"github.com/dmitrijs2005/parsecd/internal/server/users"
	"github.com/dmitrijs2005/parsecd/internal/server/vlobs"
)

type App struct {
	config *config.Config
	logger logging.Logger
	store  store.Store
	server *httpapi.Server
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.New(), nil
	case "postgres":
		st, err := postgres.New(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("migration error: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}

func newBlockstore(ctx context.Context, cfg *config.Config) (blocks.Blockstore, error) {
	switch cfg.BlockstoreBackend {
	case "memory":
		return blocks.NewMemoryBlockstore(), nil
	case "filesystem":
		return blocks.NewFilesystemBlockstore(cfg.BlockstoreDir), nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.S3RootUser, cfg.S3RootPassword, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("s3 config error: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3BaseEndpoint != "" {
				o.BaseEndpoint = &cfg.S3BaseEndpoint
			}
			// MinIO and friends do not route bucket subdomains.
			o.UsePathStyle = true
		})
		return blocks.NewS3Blockstore(client, cfg.S3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown blockstore backend: %s", cfg.BlockstoreBackend)
	}
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	st, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	blockstore, err := newBlockstore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blockstore init error: %w", err)
	}

	bus := events.NewBus(logger, cfg.SseQueueSize, cfg.SseEventsCacheSize)
	validator := certif.NewValidator(cfg.BallparkEarlyOffset, cfg.BallparkLateOffset)
	gate := sequester.NewWebhookGate(logger, cfg.SequesterWebhookTimeout)

	orgService := organizations.NewService(logger, st, bus, validator)
	userService := users.NewService(logger, st, bus, validator)
	realmService := realms.NewService(logger, st, bus, validator)
	vlobService := vlobs.NewService(logger, st, bus, validator, gate)
	blockService := blocks.NewService(logger, st, blockstore)
	inviteService := invites.NewService(logger, st, bus)
	sequesterService := sequester.NewService(logger, st, bus, validator)
	shamirService := shamirx.NewService(logger, st, bus, validator)

	srv := httpapi.NewServer(cfg, logger, st, bus, validator,
		orgService, userService, realmService, vlobService, blockService,
		inviteService, sequesterService, shamirService)

	return &App{
		config: cfg,
		logger: logger,
		store:  st,
		server: srv,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		app.logger.Error(ctx, err.Error())
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}
}
