package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the call-control server
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	Env            string
	SkipAuth       bool
	OIDCIssuer     string

	// Call routing
	RoutingInterval  time.Duration
	RingTimeout      time.Duration
	MaxQueueSize     int
	AvgHandleSeconds int

	// Per-connection inbound message limit
	RateLimitPerSecond float64
	RateLimitBurst     int

	// ICE servers handed to clients by /api/webrtc/config
	ICE types.ICEConfig

	// Presence store, memory when RedisAddr is empty
	RedisAddr   string
	PresenceTTL time.Duration

	// Call detail records
	DynamoMode             string
	DynamoEndpoint         string
	DynamoRegion           string
	DynamoCallRecordsTable string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigins:         splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		Env:                    getEnv("ENV", "development"),
		OIDCIssuer:             getEnv("OIDC_ISSUER", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		DynamoMode:             getEnv("DYNAMO_MODE", "off"),
		DynamoEndpoint:         getEnv("DYNAMO_ENDPOINT", ""),
		DynamoRegion:           getEnv("DYNAMO_REGION", "eu-central-1"),
		DynamoCallRecordsTable: getEnv("DYNAMO_CALL_RECORDS_TABLE", "call_records"),
	}
	config.SkipAuth = getEnv("SKIP_AUTH", "") == "true" || (config.OIDCIssuer == "" && config.Env != "production")

	var err error
	if config.WSReadTimeout, err = seconds("WS_READ_TIMEOUT", "60"); err != nil {
		return nil, err
	}
	if config.WSWriteTimeout, err = seconds("WS_WRITE_TIMEOUT", "10"); err != nil {
		return nil, err
	}
	if config.RingTimeout, err = seconds("RING_TIMEOUT", "30"); err != nil {
		return nil, err
	}
	if config.PresenceTTL, err = seconds("PRESENCE_TTL", "90"); err != nil {
		return nil, err
	}

	routingMs, err := strconv.Atoi(getEnv("ROUTING_INTERVAL_MS", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTING_INTERVAL_MS: %w", err)
	}
	config.RoutingInterval = time.Duration(routingMs) * time.Millisecond

	if config.MaxQueueSize, err = integer("MAX_QUEUE_SIZE", "100"); err != nil {
		return nil, err
	}
	if config.AvgHandleSeconds, err = integer("AVG_HANDLE_SECONDS", "180"); err != nil {
		return nil, err
	}
	if config.RateLimitBurst, err = integer("RATE_LIMIT_BURST", "40"); err != nil {
		return nil, err
	}
	config.RateLimitPerSecond, err = strconv.ParseFloat(getEnv("RATE_LIMIT_PER_SECOND", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_SECOND: %w", err)
	}

	config.ICE = types.ICEConfig{ICETransportPolicy: getEnv("ICE_TRANSPORT_POLICY", "all")}
	username := getEnv("TURN_USERNAME", "")
	credential := getEnv("TURN_CREDENTIAL", "")
	for _, url := range splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")) {
		server := types.ICEServer{URLs: []string{url}}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			server.Username = username
			server.Credential = credential
		}
		config.ICE.ICEServers = append(config.ICE.ICEServers, server)
	}

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 64 * 1024 // SDP offers exceed a few KB

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func seconds(key, defaultValue string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

func integer(key, defaultValue string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
