package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"campusride/internal/geo"
	"campusride/internal/geocode"
)

// DefaultServiceArea is a quadrilateral around the main campus. Override
// with SERVICE_AREA.
const DefaultServiceArea = "6.8800,3.7100;6.8800,3.7350;6.9050,3.7350;6.9050,3.7100"

// DefaultLandmarks label pickups when LANDMARKS is unset.
const DefaultLandmarks = "Main Gate@6.8901,3.7200;Library@6.8930,3.7250;Student Centre@6.8915,3.7182;Engineering@6.8965,3.7280;Halls of Residence@6.8850,3.7150"

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Location    LocationConfig
	NewRelic    NewRelicConfig
	Kafka       KafkaConfig
	Dispatch    DispatchConfig
	ServiceArea ServiceAreaConfig
	Feed        FeedConfig
	Log         LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	RunMigrations bool
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Location store backends.
const (
	LocationStoreRedis    = "redis"
	LocationStorePostgres = "postgres"
)

// LocationConfig selects where driver and student positions live.
type LocationConfig struct {
	Store string
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// KafkaConfig holds Kafka configuration. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers        []string
	RideEventTopic string
	LocationTopic  string
	ConsumerGroup  string
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// DispatchConfig holds matching, expiry and sweeper settings.
type DispatchConfig struct {
	SearchRadiusMeters float64
	MaxResults         int
	Freshness          time.Duration
	RequestTTL         time.Duration // 0 disables expiry
	SweepInterval      time.Duration
	DeclineTTL         time.Duration
	AddressTimeout     time.Duration
}

// ServiceAreaConfig holds the campus boundary and landmark list.
type ServiceAreaConfig struct {
	Polygon   string
	Landmarks string
}

// Area parses the configured polygon.
func (c ServiceAreaConfig) Area() (*geo.ServiceArea, error) {
	vertices, err := geo.ParsePolygon(c.Polygon)
	if err != nil {
		return nil, err
	}
	return geo.NewServiceArea(vertices)
}

// FeedConfig holds change feed settings.
type FeedConfig struct {
	SubscriberBuffer     int
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "campusride"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			RunMigrations: getBoolEnv("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Location: LocationConfig{
			Store: strings.ToLower(getEnv("LOCATION_STORE", LocationStoreRedis)),
		},
		NewRelic: NewRelicConfig{
			AppName:    getEnv("NEW_RELIC_APP_NAME", "campusride"),
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			Enabled:    getBoolEnv("NEW_RELIC_ENABLED", false),
		},
		Kafka: KafkaConfig{
			Brokers:        getListEnv("KAFKA_BROKERS"),
			RideEventTopic: getEnv("KAFKA_RIDE_EVENTS_TOPIC", "ride-events"),
			LocationTopic:  getEnv("KAFKA_LOCATION_TOPIC", "driver-locations"),
			ConsumerGroup:  getEnv("KAFKA_GROUP", "campusride-location-consumer"),
		},
		Dispatch: DispatchConfig{
			SearchRadiusMeters: getFloatEnv("MATCH_RADIUS_METERS", 2000),
			MaxResults:         getIntEnv("MATCH_MAX_RESULTS", 10),
			Freshness:          getDurationEnv("MATCH_FRESHNESS", 30*time.Second),
			RequestTTL:         getDurationEnv("REQUEST_TTL", 10*time.Minute),
			SweepInterval:      getDurationEnv("DISPATCH_SWEEP_INTERVAL", 30*time.Second),
			DeclineTTL:         getDurationEnv("DECLINE_TTL", time.Hour),
			AddressTimeout:     getDurationEnv("ADDRESS_TIMEOUT", 2*time.Second),
		},
		ServiceArea: ServiceAreaConfig{
			Polygon:   getEnv("SERVICE_AREA", DefaultServiceArea),
			Landmarks: getEnv("LANDMARKS", DefaultLandmarks),
		},
		Feed: FeedConfig{
			SubscriberBuffer:     getIntEnv("FEED_SUBSCRIBER_BUFFER", 64),
			MinReconnectInterval: getDurationEnv("FEED_MIN_RECONNECT", 10*time.Second),
			MaxReconnectInterval: getDurationEnv("FEED_MAX_RECONNECT", time.Minute),
			WriteTimeout:         getDurationEnv("FEED_WRITE_TIMEOUT", 5*time.Second),
			PingInterval:         getDurationEnv("FEED_PING_INTERVAL", 20*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("SERVER_PORT must not be empty"))
	}
	if _, err := c.ServiceArea.Area(); err != nil {
		errs = append(errs, fmt.Errorf("SERVICE_AREA: %w", err))
	}
	if _, err := geocode.ParseLandmarks(c.ServiceArea.Landmarks); err != nil {
		errs = append(errs, fmt.Errorf("LANDMARKS: %w", err))
	}
	switch c.Location.Store {
	case LocationStoreRedis, LocationStorePostgres:
	default:
		errs = append(errs, fmt.Errorf("LOCATION_STORE must be %q or %q, got %q", LocationStoreRedis, LocationStorePostgres, c.Location.Store))
	}
	if c.Dispatch.SearchRadiusMeters <= 0 {
		errs = append(errs, errors.New("MATCH_RADIUS_METERS must be positive"))
	}
	if c.Dispatch.MaxResults <= 0 {
		errs = append(errs, errors.New("MATCH_MAX_RESULTS must be positive"))
	}
	if c.Dispatch.Freshness <= 0 {
		errs = append(errs, errors.New("MATCH_FRESHNESS must be positive"))
	}
	if c.Dispatch.RequestTTL < 0 {
		errs = append(errs, errors.New("REQUEST_TTL must not be negative"))
	}
	if c.Dispatch.DeclineTTL <= 0 {
		errs = append(errs, errors.New("DECLINE_TTL must be positive"))
	}
	if c.Dispatch.SweepInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_SWEEP_INTERVAL must be positive"))
	}
	if c.Feed.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("FEED_SUBSCRIBER_BUFFER must be positive"))
	}
	if c.Feed.MinReconnectInterval > c.Feed.MaxReconnectInterval {
		errs = append(errs, errors.New("FEED_MIN_RECONNECT must not exceed FEED_MAX_RECONNECT"))
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		errs = append(errs, errors.New("NEW_RELIC_LICENSE_KEY is required when NEW_RELIC_ENABLED"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
