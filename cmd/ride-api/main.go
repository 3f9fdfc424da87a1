// README: Entry point; loads config, wires services, runs the HTTP API, dispatch and event consumers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"ridecore/internal/config"
	httpapi "ridecore/internal/http"
	"ridecore/internal/http/handlers"
	"ridecore/internal/infra"
	"ridecore/internal/logging"
	"ridecore/internal/maps"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/events"
	"ridecore/internal/modules/ledger"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/notify"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
	"ridecore/migrations"
)

var cli struct {
	EnvFile string `name:"env-file" help:"Load environment variables from this file first." type:"path"`

	Serve   struct{} `cmd:"" default:"1" help:"Run the API, dispatcher and event consumers."`
	Migrate struct{} `cmd:"" help:"Apply pending database migrations and exit."`
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("ride-api"), kong.Description("Ride lifecycle and driver dispatch service."))
	if cli.EnvFile != "" {
		if err := godotenv.Load(cli.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.LogLevel).With(slog.String("env", cfg.Env))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "migrate":
		err = migrate(ctx, cfg, log)
	default:
		err = serve(ctx, cfg, log)
	}
	if err != nil {
		log.Error("exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := infra.Migrate(ctx, db, migrations.FS)
	if err != nil {
		return err
	}
	log.Info("migrations applied", slog.Any("files", applied))
	return nil
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return fmt.Errorf("ARK_FIREBASE_PROJECT_ID is required")
	}
	loc, err := time.LoadLocation(cfg.Pricing.TimeZone)
	if err != nil {
		return fmt.Errorf("pricing time zone: %w", err)
	}

	tel, shutdownTracing, err := infra.SetupTelemetry(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SampleRatio)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}
	messaging, err := app.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("firebase messaging: %w", err)
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer rdb.Close()
	broker, err := infra.NewBroker(ctx, cfg.AMQP.URL, log)
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := events.Declare(broker.Channel()); err != nil {
		return err
	}

	tx := infra.NewTxRunner(db)
	httpClient := infra.NewHTTPClient(5 * time.Second)
	publisher := events.NewPublisher(broker)

	prices := pricing.NewService(pricing.NewStore(db), pricing.NewRedisCache(rdb, cfg.Pricing.CacheTTL), tx, pricing.Options{
		DefaultCarClass: cfg.Pricing.DefaultCarClass,
		Location:        loc,
	})
	var routes *maps.RouteService
	if cfg.Maps.APIKey != "" {
		if routes, err = maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.Language); err != nil {
			return err
		}
	} else {
		log.Warn("no maps api key; passenger rides wait for geo confirmation events")
	}

	approvals := driver.NewApprovalStore(db)
	drivers := driver.NewDirectory(approvals, driver.NewIdentityClient(cfg.Identity.BaseURL, httpClient))
	index := location.NewRedisIndex(rdb)
	locations := location.NewService(index, drivers)

	deps := ride.Deps{
		Store:   ride.NewStore(db),
		Tx:      tx,
		Pricing: prices,
		Drivers: drivers,
		Ledger:  ledger.NewClient(cfg.Ledger.BaseURL, httpClient),
		Events:  publisher,
	}
	if routes != nil {
		deps.Geo = routes
	}
	var rides *ride.Service
	hub := notify.NewHub(func(ctx context.Context, userID types.ID, rideID int64) bool {
		return rides.CanWatch(ctx, userID, rideID)
	}, log)
	defer hub.Close()
	notifier := notify.Fanout{hub, notify.NewPush(messaging)}
	deps.Notifier = notifier
	rides = ride.NewService(deps)

	dispatcher := matching.NewDispatcher(matching.ConfigFrom(cfg.Dispatch), matching.Deps{
		Rides:       rides,
		Index:       index,
		Notifier:    notifier,
		Events:      publisher,
		Coordinator: matching.NewStore(rdb),
		Metrics:     matching.NewMetrics(tel.Registry),
		Logger:      log,
	})
	defer dispatcher.Close()
	rides.SetDispatcher(dispatcher)
	if n, err := dispatcher.Resume(ctx); err != nil {
		log.Warn("resume pending rides failed", slog.String("error", err.Error()))
	} else {
		log.Info("pending rides resumed", slog.Int("count", n))
	}

	consumer := events.NewConsumer(tx, events.NewPgLedger(db), log)
	events.Subscribe(consumer, rides, locations, approvals)
	for _, sub := range events.Subscriptions {
		if err := broker.Consume(ctx, sub.Queue, "ride-api."+sub.Queue, consumer.Deliver); err != nil {
			return err
		}
	}

	server := httpapi.NewServer(cfg.HTTP.Addr, httpapi.ServerDeps{
		Rides:     rides,
		Decliner:  dispatcher,
		Locations: locations,
		Pricing:   prices,
		Routes:    resolver(routes),
		Profiles:  drivers,
		Realtime:  hub,
		Verifier:  verifier,
		Registry:  tel.Registry,
		Checks: map[string]handlers.Check{
			"postgres": func(ctx context.Context) error { return db.Ping(ctx) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Logger:         log,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	return server.Run(ctx)
}

// resolver keeps a nil *RouteService from becoming a non-nil interface.
func resolver(r *maps.RouteService) handlers.RouteResolver {
	if r == nil {
		return noRoutes{}
	}
	return r
}

type noRoutes struct{}

func (noRoutes) Resolve(context.Context, types.Point, types.Point) (maps.Route, error) {
	return maps.Route{}, maps.ErrNoRoute
}
