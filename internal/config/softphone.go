package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/backoff"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/joho/godotenv"
)

// Softphone holds configuration for a client process: customer softphone,
// agent desk or CRM gateway
type Softphone struct {
	SignalingURL   string
	APIURL         string
	APIToken       string
	Role           types.Role
	UserID         string
	Name           string
	ControlPort    string
	LogLevel       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Reconnect      backoff.Policy
	GracePeriod    time.Duration
	HistorySize    int
	Notifications  bool
}

// LoadSoftphone loads client configuration from environment variables
func LoadSoftphone() (*Softphone, error) {
	_ = godotenv.Load()

	cfg := &Softphone{
		SignalingURL:  getEnv("SIGNALING_URL", "ws://localhost:8080/ws"),
		APIURL:        getEnv("API_URL", "http://localhost:8080"),
		APIToken:      getEnv("API_TOKEN", ""),
		Role:          types.Role(getEnv("ROLE", string(types.RoleCustomer))),
		UserID:        getEnv("USER_ID", ""),
		Name:          getEnv("DISPLAY_NAME", ""),
		ControlPort:   getEnv("CONTROL_PORT", "8090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Notifications: getEnv("NOTIFICATIONS", "true") == "true",
	}

	switch cfg.Role {
	case types.RoleAgent, types.RoleCustomer, types.RoleCRMSystem:
	default:
		return nil, fmt.Errorf("invalid ROLE: %q", cfg.Role)
	}

	var err error
	if cfg.ConnectTimeout, err = seconds("CONNECT_TIMEOUT", "10"); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = seconds("REQUEST_TIMEOUT", "5"); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = seconds("GRACE_PERIOD", "5"); err != nil {
		return nil, err
	}
	if cfg.HistorySize, err = integer("HISTORY_SIZE", "50"); err != nil {
		return nil, err
	}

	cfg.Reconnect = backoff.SignalingDefault
	if cfg.Role == types.RoleCRMSystem {
		cfg.Reconnect = backoff.GatewayDefault
	}
	if cfg.Reconnect.MaxAttempts, err = integer("RECONNECT_MAX_ATTEMPTS", strconv.Itoa(cfg.Reconnect.MaxAttempts)); err != nil {
		return nil, err
	}
	if cfg.Reconnect.Base, err = seconds("RECONNECT_BASE", "1"); err != nil {
		return nil, err
	}
	if cfg.Reconnect.Cap, err = seconds("RECONNECT_CAP", "30"); err != nil {
		return nil, err
	}

	return cfg, nil
}
