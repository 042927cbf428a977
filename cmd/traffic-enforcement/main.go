package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/client"
	"traffic-enforcement/internal/config"
	"traffic-enforcement/internal/db"
	"traffic-enforcement/internal/health"
	httphandler "traffic-enforcement/internal/http"
	"traffic-enforcement/internal/http/middleware"
	"traffic-enforcement/internal/logger"
	"traffic-enforcement/internal/notify"
	"traffic-enforcement/internal/patrol"
	"traffic-enforcement/internal/repository"
	"traffic-enforcement/internal/session"
	"traffic-enforcement/internal/vision"
	"traffic-enforcement/internal/violation"
	"traffic-enforcement/internal/worker"
)

type repositories struct {
	drones     *repository.DroneRepository
	patrols    *repository.PatrolRepository
	sessions   *repository.StreamSessionRepository
	runs       *repository.SessionRunRepository
	gps        *repository.GPSFixRepository
	detections *repository.DetectionRepository
	violations *repository.ViolationRepository
	vehicles   *repository.VehicleRepository
}

func newRepositories(database *gorm.DB) repositories {
	return repositories{
		drones:     repository.NewDroneRepository(database),
		patrols:    repository.NewPatrolRepository(database),
		sessions:   repository.NewStreamSessionRepository(database),
		runs:       repository.NewSessionRunRepository(database),
		gps:        repository.NewGPSFixRepository(database),
		detections: repository.NewDetectionRepository(database),
		violations: repository.NewViolationRepository(database),
		vehicles:   repository.NewVehicleRepository(database),
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info().Str("role", cfg.Role).Msg("starting traffic enforcement service")
	if err := run(ctx, cfg, newRepositories(database), appLogger); err != nil {
		appLogger.Error().Err(err).Msg("service stopped with error")
		os.Exit(1)
	}
	appLogger.Info().Msg("service stopped")
}

func run(ctx context.Context, cfg *config.Config, repos repositories, log zerolog.Logger) error {
	factory := bus.NewFactory(cfg.Redis)
	busOpts := bus.OptionsFromConfig(cfg.Bus)
	owns := func(role string) bool { return cfg.Role == "all" || cfg.Role == role }

	patrols := newPatrolService(cfg, factory, repos, log)
	notifier, closeNotifier := newNotifier(cfg, log)
	defer closeNotifier()

	var producer *bus.Producer
	if owns("ingest") || owns("processor") || owns("violations") {
		var err error
		producer, err = bus.NewProducer(ctx, factory, busOpts, log)
		if err != nil {
			return fmt.Errorf("connect message bus: %w", err)
		}
		defer producer.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	var streams httphandler.StreamController
	if owns("ingest") {
		manager := session.NewManager(
			repos.sessions, repos.runs, repos.gps, patrols, producer, vision.Opener{},
			session.OptionsFromConfig(cfg.Capture, cfg.Bus.RawFramesTopic), log,
		)
		defer manager.Close()
		streams = manager
	}

	// A STARTING session may spend every open attempt plus its retry delay
	// before a run exists.
	startGrace := time.Duration(cfg.Capture.StartAttempts) * (cfg.Capture.StartRetryDelay + time.Minute)
	monitor := health.NewMonitor(repos.sessions, repos.runs, notifier, cfg.Schedule.OrphanGrace, startGrace, log)

	if owns("processor") {
		models, err := vision.LoadModels(cfg.Vision, log)
		if err != nil {
			return fmt.Errorf("load vision models: %w", err)
		}
		defer models.Close()

		frames := pipelineWorker(cfg, models, producer, log)
		g.Go(func() error {
			return consume(ctx, factory, busOpts, cfg.Bus.RawFramesTopic, cfg.Bus.ProcessorGroup, cfg.Bus.ConsumerName, frames.HandleFrame, log)
		})
	}

	if owns("violations") {
		recorder := violation.NewRecorder(repos.detections, repos.drones, patrols, producer, cfg.Bus.ChecksTopic, log)
		engine := violation.NewEngine(
			repos.detections, repos.patrols, repos.drones, repos.violations, repos.vehicles,
			notifier, newSMSSender(cfg, log),
			violation.Defaults{SpeedLimit: cfg.Enforcement.DefaultSpeedLimit, Fine: cfg.Enforcement.DefaultFine},
			log,
		)
		g.Go(func() error {
			return consume(ctx, factory, busOpts, cfg.Bus.DetectionsTopic, cfg.Bus.RecorderGroup, cfg.Bus.ConsumerName, recorder.HandleDetection, log)
		})
		g.Go(func() error {
			return consume(ctx, factory, busOpts, cfg.Bus.ChecksTopic, cfg.Bus.EngineGroup, cfg.Bus.ConsumerName, engine.HandleCheck, log)
		})
	}

	if owns("scheduler") {
		g.Go(func() error {
			return worker.Periodic(ctx, log, "stream_health", cfg.Schedule.HealthInterval, func(ctx context.Context) error {
				_, err := monitor.Check(ctx)
				return err
			})
		})
		g.Go(func() error {
			return worker.Periodic(ctx, log, "orphan_cleanup", cfg.Schedule.CleanupInterval, func(ctx context.Context) error {
				_, err := monitor.CloseOrphanRuns(ctx)
				return err
			})
		})
		g.Go(func() error {
			return worker.Periodic(ctx, log, "patrol_cap", cfg.Schedule.PatrolInterval, func(ctx context.Context) error {
				_, err := patrols.CapOverlong(ctx, cfg.Schedule.PatrolMaxLength)
				return err
			})
		})
	}

	var violations httphandler.ViolationLister
	if owns("violations") {
		violations = repos.violations
	}
	handler := httphandler.NewHandler(streams, monitor, violations, log)
	if cfg.HTTP.InternalToken == "" {
		log.Warn().Msg("INTERNAL_TOKEN is empty, internal routes are unauthenticated")
	}
	router := httphandler.NewRouter(handler, middleware.InternalToken(cfg.HTTP.InternalToken), cfg.Environment)
	g.Go(func() error {
		return serve(ctx, fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port), router, log)
	})

	return g.Wait()
}

// consume keeps a consumer group member alive for the life of ctx. Each
// restart builds a fresh consumer, which reconnects to the broker.
func consume(
	ctx context.Context,
	factory bus.Factory,
	opts bus.Options,
	topic, group, name string,
	handler bus.Handler,
	log zerolog.Logger,
) error {
	return worker.Supervise(ctx, log, topic, func(ctx context.Context) error {
		consumer, err := bus.NewConsumer(ctx, factory, opts, topic, group, name, log)
		if err != nil {
			return err
		}
		defer consumer.Close()
		return consumer.Consume(ctx, handler)
	})
}

func serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func newPatrolService(cfg *config.Config, factory bus.Factory, repos repositories, log zerolog.Logger) *patrol.Service {
	var cache patrol.Cache = patrol.NewMemoryCache()
	if cfg.Schedule.PatrolCache == "redis" {
		cache = patrol.NewRedisCache(factory())
	}
	return patrol.NewService(repos.drones, repos.patrols, cache, cfg.Schedule.PatrolCacheTTL, log)
}

// newNotifier publishes over MQTT when a broker is configured and logs
// notifications otherwise.
func newNotifier(cfg *config.Config, log zerolog.Logger) (notify.Dispatcher, func()) {
	if cfg.MQTT.Broker == "" {
		log.Warn().Msg("MQTT_BROKER is empty, notifications are only logged")
		return notify.NewLogDispatcher(log), func() {}
	}
	mqttClient, err := notify.ConnectMQTT(cfg.MQTT, log)
	if err != nil {
		log.Error().Err(err).Msg("mqtt unavailable, notifications are only logged")
		return notify.NewLogDispatcher(log), func() {}
	}
	return notify.NewMQTTDispatcher(mqttClient, cfg.MQTT.TopicPrefix, log), func() {
		mqttClient.Disconnect(250)
	}
}

func newSMSSender(cfg *config.Config, log zerolog.Logger) notify.SMSSender {
	if cfg.SMS.GatewayURL == "" {
		log.Warn().Msg("SMS_GATEWAY_URL is empty, citizen SMS are only logged")
		return notify.NewLogDispatcher(log)
	}
	return client.NewSMSClient(cfg.SMS)
}
