package storage

import "github.com/dennisdiepolder/monti/callcore/internal/config"

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
	DynamoModeOff   DynamoMode = "off"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode             DynamoMode
	Endpoint         string // for local mode
	Region           string
	CallRecordsTable string
}

// DynamoConfigFrom extracts the store settings from server configuration.
// Unknown modes disable DynamoDB.
func DynamoConfigFrom(cfg *config.Config) DynamoConfig {
	mode := DynamoMode(cfg.DynamoMode)
	if mode != DynamoModeLocal && mode != DynamoModeAWS {
		mode = DynamoModeOff
	}
	endpoint := cfg.DynamoEndpoint
	if endpoint == "" && mode == DynamoModeLocal {
		endpoint = "http://localhost:8000"
	}
	return DynamoConfig{
		Mode:             mode,
		Endpoint:         endpoint,
		Region:           cfg.DynamoRegion,
		CallRecordsTable: cfg.DynamoCallRecordsTable,
	}
}
