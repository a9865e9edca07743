package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/archive"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/broadcast"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/config"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/consumer"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/database"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/metrics"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/mqtt"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/notify"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/repository"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	webhookTimeout = 5 * time.Second
	alertStreamMax = 10000
	startupTimeout = 10 * time.Second
)

// StepGuardService wires the hot store, the durable store, the transports and
// the alert broadcaster together.
type StepGuardService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
	metrics     *metrics.Metrics

	hot           *store.RedisHotStore
	broadcaster   *broadcast.Broadcaster
	tracker       *StatusTracker
	ingest        *IngestService
	query         *QueryService
	liveness      *LivenessMonitor
	archiver      *archive.InfluxArchiver
	mqttClient    *mqtt.Client
	mqttConsumer  *consumer.MQTTConsumer
	kafkaConsumer *consumer.KafkaConsumer
	kafkaSink     *notify.KafkaSink

	wg sync.WaitGroup
}

// NewStepGuardService connects to every enabled backend. Redis is required;
// PostgreSQL, MQTT, Kafka and InfluxDB are each optional.
func NewStepGuardService(cfg *config.Config, logger *zap.Logger) (*StepGuardService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// 1. Redis
	redisClient := store.NewRedisClient(&cfg.Redis)
	if err := store.Ping(ctx, redisClient); err != nil {
		_ = store.Close(redisClient)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	s := &StepGuardService{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
		metrics:     m,
	}
	s.hot = store.NewRedisHotStore(redisClient, store.Options{
		KeyPrefix:       cfg.Cache.KeyPrefix,
		SnapshotTTL:     cfg.Cache.SnapshotTTL,
		HistoryTTL:      cfg.Cache.HistoryTTL,
		StatusTTL:       cfg.Cache.StatusTTL,
		AlertTTL:        cfg.Cache.AlertTTL,
		ClampHeartbeats: cfg.Cache.ClampHeartbeats,
	})

	// 2. PostgreSQL. Interfaces stay nil when disabled.
	var (
		devices   DeviceStore
		events    EventStore
		owners    OwnerLookup
		directory broadcast.Directory
	)
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database, logger)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.db = db
		devices = repository.NewDeviceRepository(db, logger)
		events = repository.NewAlertEventsRepository(db, logger)
		dir := repository.NewDirectoryRepository(db, logger)
		owners, directory = dir, dir
	} else {
		logger.Warn("Durable store disabled, running on the hot store only")
	}

	// 3. Notification sinks
	var sinks []notify.Sink
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, webhookTimeout))
	}
	if cfg.Notify.StreamEnabled {
		sinks = append(sinks, notify.NewStreamSink(redisClient, cfg.Notify.StreamName, alertStreamMax))
	}
	if cfg.Kafka.Enabled && cfg.Kafka.AlertTopic != "" {
		s.kafkaSink = notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
		sinks = append(sinks, s.kafkaSink)
	}
	var sink broadcast.Sink
	if len(sinks) > 0 {
		sink = notify.NewMulti(sinks...)
	}
	s.broadcaster = broadcast.NewBroadcaster(directory, sink, cfg.Stream.BufferSize, logger, m)

	// 4. Archive
	var archiver Archiver
	if cfg.Influx.Enabled {
		s.archiver = archive.NewInfluxArchiver(&cfg.Influx, logger)
		archiver = s.archiver
	}

	// 5. Pipeline
	s.tracker = NewStatusTracker(s.hot, devices, logger, m)
	s.ingest = NewIngestService(IngestDeps{
		Hot:       s.hot,
		Tracker:   s.tracker,
		Devices:   devices,
		Events:    events,
		Owners:    owners,
		Archiver:  archiver,
		Publisher: s.broadcaster,
	}, cfg.Cache.HistoryCapacity, logger, m)
	s.query = NewQueryService(s.hot, devices, events, s.broadcaster, logger)
	s.liveness = NewLivenessMonitor(s.hot, s.tracker, cfg.Liveness.OfflineThreshold, cfg.Liveness.PollInterval, logger)

	// 6. Transports
	if cfg.MQTT.Enabled {
		client, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		s.mqttClient = client
		s.mqttConsumer = consumer.NewMQTTConsumer(client, s.ingest, cfg.MQTT.Topic, cfg.MQTT.QoS, logger)
	}
	if cfg.Kafka.Enabled {
		s.kafkaConsumer = consumer.NewKafkaConsumer(&cfg.Kafka, s.ingest, logger)
	}

	return s, nil
}

// Start runs the background workers and blocks until ctx is done or one of
// them fails.
func (s *StepGuardService) Start(ctx context.Context) error {
	s.logger.Info("Starting StepGuard service",
		zap.Bool("durable_store", s.db != nil),
		zap.Bool("mqtt", s.mqttConsumer != nil),
		zap.Bool("kafka", s.kafkaConsumer != nil),
		zap.Bool("archive", s.archiver != nil),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	run := func(name string, start func(context.Context) error) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("liveness monitor", s.liveness.Start)
	if s.mqttConsumer != nil {
		run("mqtt consumer", s.mqttConsumer.Start)
	}
	if s.kafkaConsumer != nil {
		run("kafka consumer", s.kafkaConsumer.Start)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop waits for the workers and releases every connection.
func (s *StepGuardService) Stop() error {
	s.logger.Info("Stopping StepGuard service")
	s.wg.Wait()
	s.broadcaster.Close()
	s.closeBackends()
	return nil
}

func (s *StepGuardService) closeBackends() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.kafkaConsumer != nil {
		if err := s.kafkaConsumer.Close(); err != nil {
			s.logger.Error("Failed to close Kafka consumer", zap.Error(err))
		}
	}
	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if s.archiver != nil {
		s.archiver.Close()
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	if err := store.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
}

// Ready reports whether the required backends answer.
func (s *StepGuardService) Ready(ctx context.Context) error {
	if err := store.Ping(ctx, s.redisClient); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (s *StepGuardService) Ingest() *IngestService { return s.ingest }
func (s *StepGuardService) Query() *QueryService { return s.query }
func (s *StepGuardService) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }
func (s *StepGuardService) Metrics() *metrics.Metrics { return s.metrics }
