// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"homectrl/pkg/dialect"
)

type EnvKey string

const (
	EnvPort      EnvKey = "PORT"
	EnvDataDir   EnvKey = "DATA_DIR"
	EnvLogLevel  EnvKey = "LOG_LEVEL"
	EnvLogToFile EnvKey = "LOG_TO_FILE"

	EnvDBDialect EnvKey = "DB_DIALECT"
	EnvDBHost    EnvKey = "DB_HOST"
	EnvDBPort    EnvKey = "DB_PORT"
	EnvDBName    EnvKey = "DB_NAME"
	EnvDBUser    EnvKey = "DB_USER"
	EnvDBPass    EnvKey = "DB_PASSWORD"
	EnvDBSSLMode EnvKey = "DB_SSLMODE"

	EnvMQTTEmbedded   EnvKey = "MQTT_EMBEDDED"
	EnvMQTTServerPort EnvKey = "MQTT_SERVER_PORT"

	EnvMQTTBroker   EnvKey = "MQTT_BROKER"
	EnvMQTTClientID EnvKey = "MQTT_CLIENT_ID"
	EnvMQTTUsername EnvKey = "MQTT_USERNAME"
	EnvMQTTPassword EnvKey = "MQTT_PASSWORD"

	EnvSMSEndpoint   EnvKey = "SMS_ENDPOINT"
	EnvSMSToken      EnvKey = "SMS_TOKEN"
	EnvSMSRecipients EnvKey = "SMS_RECIPIENTS"

	EnvLaundryMeterEntity EnvKey = "LAUNDRY_METER_ENTITY"
)

type Config struct {
	Port      int
	DataDir   string
	Database  string
	Dialect   dialect.Dialect
	LogLevel  slog.Leveler
	LogOutput io.Writer

	// Embedded MQTT broker
	MQTTEmbedded   bool
	MQTTServerPort int

	// MQTT client
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// SMS sink
	SMSEndpoint   string
	SMSToken      string
	SMSRecipients []string

	// Activity detectors
	LaundryMeterEntity string
}

func New() (*Config, error) {
	dataDir := getStringEnv(EnvDataDir, "data")

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logPath := filepath.Join(dataDir, "app.log")

	var logOutput io.Writer = os.Stdout

	if getBoolEnv(EnvLogToFile, false) {
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		logOutput = f
	}

	dbDialect := dialect.Dialect(getStringEnv(EnvDBDialect, string(dialect.SQLite)))
	if err := dbDialect.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database dialect: %w", err)
	}

	var dbConnString string

	switch dbDialect {
	case dialect.SQLite:
		dbConnString = filepath.Join(dataDir, "homectrl.sqlite")
	case dialect.PostgreSQL:
		host := getStringEnv(EnvDBHost, "localhost")
		port := getIntEnv(EnvDBPort, 5432)
		dbName := getStringEnv(EnvDBName, "homectrl")
		user := getStringEnv(EnvDBUser, "homectrl")
		password := getStringEnv(EnvDBPass, "")
		sslmode := getStringEnv(EnvDBSSLMode, "disable")

		dbConnString = fmt.Sprintf(
			"postgresql://%s:%s@%s/%s?sslmode=%s",
			url.QueryEscape(user),
			url.QueryEscape(password),
			net.JoinHostPort(host, strconv.Itoa(port)),
			dbName, sslmode,
		)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dbDialect)
	}

	return &Config{
		Port:               getIntEnv(EnvPort, 8080),
		DataDir:            dataDir,
		Database:           dbConnString,
		Dialect:            dbDialect,
		LogLevel:           getLogLevelEnv(EnvLogLevel, slog.LevelInfo),
		LogOutput:          logOutput,
		MQTTEmbedded:       getBoolEnv(EnvMQTTEmbedded, false),
		MQTTServerPort:     getIntEnv(EnvMQTTServerPort, 1883),
		MQTTBroker:         getStringEnv(EnvMQTTBroker, "tcp://127.0.0.1:1883"),
		MQTTClientID:       getStringEnv(EnvMQTTClientID, "homectrl-backend"),
		MQTTUsername:       getStringEnv(EnvMQTTUsername, ""),
		MQTTPassword:       getStringEnv(EnvMQTTPassword, ""),
		SMSEndpoint:        getStringEnv(EnvSMSEndpoint, ""),
		SMSToken:           getStringEnv(EnvSMSToken, ""),
		SMSRecipients:      getListEnv(EnvSMSRecipients),
		LaundryMeterEntity: getStringEnv(EnvLaundryMeterEntity, "bathroom"),
	}, nil
}

func (c *Config) Close() error {
	if f, ok := c.LogOutput.(*os.File); ok {
		if f != os.Stdout && f != os.Stderr {
			return f.Close()
		}
	}

	return nil
}

func getStringEnv(key EnvKey, defaultVal string) string {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	return val
}

func getBoolEnv(key EnvKey, defaultVal bool) bool {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	val = strings.ToLower(val)
	switch val {
	case "true", "1":
		return true
	default:
		return false
	}
}

func getIntEnv(key EnvKey, defaultVal int) int {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	if intVal, err := strconv.Atoi(val); err == nil {
		return intVal
	}

	return defaultVal
}

// getListEnv parses a comma-separated list, trimming whitespace and dropping
// empty items.
func getListEnv(key EnvKey) []string {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return nil
	}

	var items []string

	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}

	return items
}

func getLogLevelEnv(key EnvKey, defaultVal slog.Leveler) slog.Leveler {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	switch strings.ToUpper(val) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}

	return defaultVal
}
