package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"lbeacon-tracking-server/internal/config"
	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/dispatcher"
	"lbeacon-tracking-server/internal/geofence"
	"lbeacon-tracking-server/internal/ingest"
	"lbeacon-tracking-server/internal/logger"
	"lbeacon-tracking-server/internal/maintenance"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/parser"
	"lbeacon-tracking-server/internal/registry"
	"lbeacon-tracking-server/internal/schedule"
	"lbeacon-tracking-server/internal/summary"
	"lbeacon-tracking-server/internal/transport"
	"lbeacon-tracking-server/internal/violation"

	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting tracking server",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	// Initialize database
	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	// Initialize connection pool
	pool, err := database.NewPool(
		context.Background(),
		db.DB,
		cfg.Pool.Capacity,
		cfg.Pool.AcquireRetries,
		time.Duration(cfg.Pool.RetryWaitMs)*time.Millisecond,
		log.Logger,
	)
	if err != nil {
		log.Fatal("Failed to initialize connection pool", zap.Error(err))
	}

	// Initialize processing components
	pipeline := ingest.NewPipeline(pool, log.Logger)
	reg := registry.New(pool, log.Logger)

	summaryEngine := summary.NewEngine(pool, summary.Config{
		PreFilterWindow: time.Duration(cfg.Summary.PreFilterWindowSec) * time.Second,
		CurrentWindow:   time.Duration(cfg.Summary.CurrentWindowSec) * time.Second,
		RSSITolerance:   cfg.Summary.RSSITolerance,
		BaseTolerance:   cfg.Summary.BaseToleranceMm,
	}, log.Logger)

	violationEngine := violation.NewEngine(pool, violation.Config{
		RecencyWindow:     time.Duration(cfg.Violation.RecencyWindowSec) * time.Second,
		MinGap:            time.Duration(cfg.Violation.MinGapSec) * time.Second,
		MovementWindow:    time.Duration(cfg.Violation.MovementWindowMin) * time.Minute,
		MovementSlot:      time.Duration(cfg.Violation.MovementSlotMin) * time.Minute,
		MovementRSSIDelta: cfg.Violation.MovementRSSIDelta,
	}, log.Logger)

	geofenceEngine := geofence.NewEngine(pool, violationEngine, log.Logger)
	activator := schedule.NewActivator(pool, cfg.Schedule.UTCOffsetHours, log.Logger)

	maintenanceRunner := maintenance.NewRunner(pool, maintenance.Config{
		Retention: time.Duration(cfg.Maintenance.RetentionHours) * time.Hour,
	}, log.Logger)

	// Route inbound gateway messages to the right component
	disp := dispatcher.New(
		cfg.Ingest.Workers,
		cfg.Ingest.BufferSlots,
		cfg.Ingest.BufferSize,
		makeHandler(pipeline, geofenceEngine, reg, log.Logger),
		log.Logger,
	)
	disp.Start()

	// Connect to the gateway broker
	mqttClient := transport.NewClient(transport.Config{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		FeedTopic: cfg.MQTT.FeedTopic,
	}, disp, log.Logger)
	if err := mqttClient.Connect(context.Background()); err != nil {
		log.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}

	// Load the policy schedule and fence cache before the first reports
	if err := activator.Reload(context.Background()); err != nil {
		log.Error("Initial schedule reload failed", zap.Error(err))
	}
	if err := geofenceEngine.RefreshConfig(context.Background()); err != nil {
		log.Error("Initial geofence refresh failed", zap.Error(err))
	}

	// Periodic work loops
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	runEvery(ctx, &wg, time.Duration(cfg.Summary.IntervalSec)*time.Second, func(ctx context.Context) {
		if err := summaryEngine.Summarize(ctx); err != nil {
			log.Error("Summarization cycle failed", zap.Error(err))
		}
	})

	runEvery(ctx, &wg, time.Duration(cfg.Violation.IntervalSec)*time.Second, func(ctx context.Context) {
		runViolationCycle(ctx, violationEngine, mqttClient, cfg.Violation.FeedBufferSize, log.Logger)
	})

	runEvery(ctx, &wg, time.Duration(cfg.Schedule.IntervalSec)*time.Second, func(ctx context.Context) {
		if err := activator.Reload(ctx); err != nil {
			log.Error("Schedule reload failed", zap.Error(err))
		}
		if err := geofenceEngine.RefreshConfig(ctx); err != nil {
			log.Error("Geofence refresh failed", zap.Error(err))
		}
		if err := activator.DumpActiveGeofences(ctx, cfg.Schedule.GeofenceDumpPath); err != nil {
			log.Error("Geofence dump failed", zap.Error(err))
		}
		if err := activator.DumpMonitoredMACs(ctx, cfg.Schedule.MACDumpPath); err != nil {
			log.Error("Monitored MAC dump failed", zap.Error(err))
		}
	})

	runEvery(ctx, &wg, time.Duration(cfg.Maintenance.IntervalSec)*time.Second, func(ctx context.Context) {
		if err := maintenanceRunner.Run(ctx); err != nil {
			log.Error("Maintenance cycle failed", zap.Error(err))
		}
	})

	log.Info("Tracking server started successfully",
		zap.String("broker", cfg.MQTT.BrokerURL),
		zap.Int("pool_capacity", pool.Capacity()),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Stop accepting new work, then drain in order
	mqttClient.Disconnect()
	disp.Stop()
	cancel()
	wg.Wait()

	if err := pool.Destroy(); err != nil {
		log.Error("Failed to destroy connection pool", zap.Error(err))
	}

	log.Info("Tracking server stopped")
}

// makeHandler builds the dispatcher handler that parses each gateway
// record and routes it by kind.
func makeHandler(
	pipeline *ingest.Pipeline,
	geofenceEngine *geofence.Engine,
	reg *registry.Registry,
	log *zap.Logger,
) dispatcher.Handler {
	return func(ctx context.Context, msg dispatcher.Message) {
		switch msg.Kind {
		case dispatcher.KindTracking:
			report, err := parser.ParseTrackingReport(msg.Payload)
			if err != nil {
				log.Warn("Malformed tracking report",
					zap.String("gateway", msg.GatewayIP),
					zap.Error(err),
				)
				return
			}
			if err := pipeline.ProcessReport(ctx, report); err != nil {
				log.Error("Tracking report processing failed",
					zap.String("beacon", report.BeaconUUID),
					zap.Error(err),
				)
				return
			}
			geofenceEngine.EvaluateReport(ctx, report)

		case dispatcher.KindGatewayRegistration:
			ips, err := parser.ParseGatewayRegistration(msg.Payload)
			if err != nil {
				log.Warn("Malformed gateway registration", zap.Error(err))
				return
			}
			if err := reg.RegisterGateways(ctx, ips); err != nil {
				log.Error("Gateway registration failed", zap.Error(err))
			}

		case dispatcher.KindBeaconRegistration:
			report, err := parser.ParseBeaconRegistration(msg.Payload)
			if err != nil {
				log.Warn("Malformed beacon registration",
					zap.String("gateway", msg.GatewayIP),
					zap.Error(err),
				)
				return
			}
			if err := reg.RegisterBeacons(ctx, msg.GatewayIP, report); err != nil {
				log.Error("Beacon registration failed", zap.Error(err))
			}

		case dispatcher.KindGatewayHealth:
			status, err := parser.ParseGatewayHealth(msg.Payload)
			if err != nil {
				log.Warn("Malformed gateway health report",
					zap.String("gateway", msg.GatewayIP),
					zap.Error(err),
				)
				return
			}
			if err := reg.UpdateGatewayHealth(ctx, msg.GatewayIP, status); err != nil {
				log.Error("Gateway health update failed", zap.Error(err))
			}

		case dispatcher.KindBeaconHealth:
			health, err := parser.ParseBeaconHealth(msg.Payload)
			if err != nil {
				log.Warn("Malformed beacon health report",
					zap.String("gateway", msg.GatewayIP),
					zap.Error(err),
				)
				return
			}
			if err := reg.UpdateBeaconHealth(ctx, msg.GatewayIP, health); err != nil {
				log.Error("Beacon health update failed", zap.Error(err))
			}
		}
	}
}

// runViolationCycle runs every detection rule, emits the events, and
// pushes the drained feed to the broker.
func runViolationCycle(
	ctx context.Context,
	engine *violation.Engine,
	client *transport.Client,
	feedCapacity int,
	log *zap.Logger,
) {
	if err := engine.DetectRoomViolations(ctx); err != nil {
		log.Error("Room violation detection failed", zap.Error(err))
	}
	if err := engine.DetectLongStay(ctx); err != nil {
		log.Error("Long stay detection failed", zap.Error(err))
	}
	if err := engine.DetectMovement(ctx); err != nil {
		log.Error("Movement detection failed", zap.Error(err))
	}

	for _, t := range []models.MonitorType{
		models.MonitorGeofence,
		models.MonitorPanic,
		models.MonitorMovement,
		models.MonitorLocation,
	} {
		if err := engine.CollectEvents(ctx, t); err != nil {
			log.Error("Event collection failed",
				zap.String("monitor_type", t.String()),
				zap.Error(err),
			)
		}
	}

	feed, err := engine.DrainFeed(ctx, feedCapacity)
	if err != nil {
		log.Error("Feed drain failed", zap.Error(err))
		return
	}
	if err := client.PublishViolations(feed); err != nil {
		log.Error("Feed publish failed", zap.Error(err))
	}
}

// runEvery runs fn on a fixed interval until ctx is cancelled.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}
