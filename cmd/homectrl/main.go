// Command homectrl is the home-automation backend: it ingests device reports
// from MQTT, persists change-detected entries, republishes them on the
// on-air namespace and derives appliance activity.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"homectrl/internal/activity"
	"homectrl/internal/config"
	"homectrl/internal/entry"
	"homectrl/internal/httpapi"
	"homectrl/internal/ingress"
	"homectrl/internal/migrations"
	"homectrl/internal/notify"
	"homectrl/internal/onair"
	"homectrl/internal/store"
	"homectrl/pkg/dialect"
	"homectrl/pkg/migrator"
	"homectrl/pkg/mqtt"
	"homectrl/pkg/topics"
	"homectrl/pkg/utils"
)

func main() {
	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	config, err := config.New()
	if err != nil {
		fatalIfErr(slog.Default(), fmt.Errorf("failed to create config: %w", err))
	}

	defer func() {
		if err := config.Close(); err != nil {
			slog.Default().Error("failed to close config", utils.ErrAttr(err))
		}
	}()

	logger := getLogger(config)

	// Database
	if err := runMigrations(logger, config); err != nil {
		fatalIfErr(logger, fmt.Errorf("failed to run migrations: %w", err))
	}

	db, err := sql.Open(config.Dialect.Driver(), dsn(config))
	fatalIfErr(logger, err)

	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", utils.ErrAttr(err))
		}
	}()

	stateStore := store.New(logger, db)

	// Embedded MQTT broker, when a standalone one is not available
	var embeddedBroker *mqttbroker.Server

	if config.MQTTEmbedded {
		mqttAddr := fmt.Sprintf(":%d", config.MQTTServerPort)

		embeddedBroker, err = getMQTTServer(logger, mqttAddr)
		fatalIfErr(logger, err)

		go func() {
			logger.Info("MQTT broker listening", slog.String("address", mqttAddr))

			if err := embeddedBroker.Serve(); err != nil {
				logger.Error("MQTT broker failed", utils.ErrAttr(err))
				sigCancel()
			}
		}()
	}

	// Broker client with the backend's own liveness topic
	liveTopic, err := topics.Device("backend", topics.FacilityLive)
	fatalIfErr(logger, err)

	broker, err := mqtt.NewClient(logger, mqtt.Options{
		BrokerURL: config.MQTTBroker,
		ClientID:  config.MQTTClientID,
		Username:  config.MQTTUsername,
		Password:  config.MQTTPassword,
		LiveTopic: liveTopic,
	})
	fatalIfErr(logger, err)

	fatalIfErr(logger, broker.Connect())

	// Pipeline: bootstrap the projection before any device message flows
	cache := onair.NewCache()
	normalizer := ingress.New(logger, stateStore, cache, broker, entry.Now)

	fatalIfErr(logger, normalizer.Bootstrap(sigCtx))
	fatalIfErr(logger, normalizer.Start(sigCtx))

	// Activity detectors
	sms := notify.NewSMSClient(logger, config.SMSEndpoint, config.SMSToken, config.SMSRecipients)

	laundryCfg, err := activity.LaundryConfig(config.LaundryMeterEntity)
	fatalIfErr(logger, err)

	laundry := activity.NewDetector(logger, laundryCfg, stateStore, broker, cache, sms, time.Now)
	fatalIfErr(logger, laundry.Start(sigCtx))

	// Operational HTTP API
	apiHandler := httpapi.NewHandler(logger, stateStore, broker, cache)
	httpServer := httpapi.NewHTTPServer(logger, fmt.Sprintf(":%d", config.Port), apiHandler.Routes())
	httpServer.StartOnBackground(sigCancel)

	// Wait for signal (either OS or some failure)
	<-sigCtx.Done()
	logger.Info("received signal, shutting down...")

	logger.Info("http server shutting down...")

	if err := httpServer.ShutdownWithDefaultTimeout(); err != nil {
		logger.Error("http server shutdown failed", utils.ErrAttr(err))
	}

	// Goodbye on the liveness topic goes out before the connection drops.
	broker.Close()

	if embeddedBroker != nil {
		logger.Info("mqtt broker shutting down...")

		if err := embeddedBroker.Close(); err != nil {
			logger.Error("mqtt broker shutdown failed", utils.ErrAttr(err))
		}
	}

	logger.Info("server exited gracefully")
}

// dsn builds the driver connection string. SQLite gets a busy timeout so the
// migrator's schema lock never surfaces as an immediate error.
func dsn(c *config.Config) string {
	if c.Dialect == dialect.SQLite {
		return c.Database + "?_busy_timeout=5000"
	}

	return c.Database
}

func getMQTTServer(l *slog.Logger, addr string) (*mqttbroker.Server, error) {
	server := mqttbroker.New(&mqttbroker.Options{
		Logger: l.With(slog.String("component", "mqtt-broker")),
	})
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})

	err := server.AddListener(tcp)
	if err != nil {
		return nil, err
	}

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}

	return server, nil
}

func getLogger(config *config.Config) *slog.Logger {
	logOptions := slog.HandlerOptions{
		Level:       config.LogLevel,
		ReplaceAttr: utils.SlogReplacer,
	}

	logHandler := slog.NewJSONHandler(config.LogOutput, &logOptions)

	return slog.New(logHandler).With(slog.String("version", utils.GetVersionShort()))
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("error", utils.ErrAttr(err))
	os.Exit(1)
}

func runMigrations(l *slog.Logger, c *config.Config) error {
	l.Info("Running database migrations")

	mig, err := migrator.New(l, c.Dialect, c.Database, migrations.GetFS(), migrations.Dir(c.Dialect))
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := mig.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	l.Info("Database migrations completed successfully")

	return nil
}
