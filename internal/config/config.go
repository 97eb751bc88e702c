// Package config holds the replica configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for a replica
type Config struct {
	Replica     ReplicaConfig     `json:"replica" validate:"required"`
	PreProcess  PreProcessConfig  `json:"pre_process" validate:"required"`
	Transport   TransportConfig   `json:"transport"`
	Metadata    MetadataConfig    `json:"metadata"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Logging     LoggingConfig     `json:"logging"`
}

// ReplicaConfig describes the cluster membership as seen by this replica
type ReplicaConfig struct {
	ReplicaID            uint16 `json:"replica_id"`
	FVal                 uint16 `json:"f_val"`
	CVal                 uint16 `json:"c_val"`
	NumReplicas          uint16 `json:"num_replicas" validate:"gt=0"`
	NumRoReplicas        uint16 `json:"num_ro_replicas"`
	NumOfClientProxies   uint16 `json:"num_of_client_proxies"`
	NumOfExternalClients uint16 `json:"num_of_external_clients"`
	NumOfClientServices  uint16 `json:"num_of_client_services"`
	KeyViewFilePath      string `json:"key_view_file_path"`
}

// PreProcessConfig holds pre-processing coordinator configuration
type PreProcessConfig struct {
	ClientBatchingMaxMsgsNbr uint16        `json:"client_batching_max_msgs_nbr" validate:"gt=0"`
	TimersResolution         time.Duration `json:"timers_resolution" validate:"gt=0"`
	ConsensusTimeout         time.Duration `json:"pre_processing_consensus_timeout" validate:"gt=0"`
	RetryInterval            time.Duration `json:"pre_processing_retry_interval" validate:"gt=0"`
	MaxReqsPerClient         int           `json:"max_reqs_per_client" validate:"gt=0"`
	IngressRatePerSec        float64       `json:"ingress_rate_per_sec" validate:"gt=0"`
	IngressBurst             int           `json:"ingress_burst" validate:"gt=0"`
	ValidationPoolSize       int           `json:"validation_pool_size" validate:"gt=0"`
	ExecutionPoolSize        int           `json:"execution_pool_size" validate:"gt=0"`
}

// TransportConfig contains peer transport configuration
type TransportConfig struct {
	NATSURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// MetadataConfig contains the ordering engine's metadata store configuration
type MetadataConfig struct {
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// DiagnosticsConfig contains the diagnostics HTTP server configuration
type DiagnosticsConfig struct {
	Addr    string `json:"addr"`
	Enabled bool   `json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `json:"level"`
}

// NumOfRequiredEqualReplies returns the quorum threshold f + c + 1.
func (r ReplicaConfig) NumOfRequiredEqualReplies() uint16 {
	return r.FVal + r.CVal + 1
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Replica: ReplicaConfig{
			ReplicaID:            uint16(getEnvInt("REPLICA_ID", 0)),
			FVal:                 uint16(getEnvInt("F_VAL", 1)),
			CVal:                 uint16(getEnvInt("C_VAL", 0)),
			NumReplicas:          uint16(getEnvInt("NUM_REPLICAS", 4)),
			NumRoReplicas:        uint16(getEnvInt("NUM_RO_REPLICAS", 0)),
			NumOfClientProxies:   uint16(getEnvInt("NUM_OF_CLIENT_PROXIES", 4)),
			NumOfExternalClients: uint16(getEnvInt("NUM_OF_EXTERNAL_CLIENTS", 0)),
			NumOfClientServices:  uint16(getEnvInt("NUM_OF_CLIENT_SERVICES", 0)),
			KeyViewFilePath:      getEnv("KEY_VIEW_FILE_PATH", "./keys"),
		},
		PreProcess: PreProcessConfig{
			ClientBatchingMaxMsgsNbr: uint16(getEnvInt("CLIENT_BATCHING_MAX_MSGS_NBR", 16)),
			TimersResolution:         time.Duration(getEnvInt("TIMERS_RESOLUTION_MS", 10)) * time.Millisecond,
			ConsensusTimeout:         time.Duration(getEnvInt("PRE_PROCESSING_CONSENSUS_TIMEOUT_MS", 30000)) * time.Millisecond,
			RetryInterval:            time.Duration(getEnvInt("PRE_PROCESSING_RETRY_INTERVAL_MS", 1000)) * time.Millisecond,
			MaxReqsPerClient:         getEnvInt("MAX_REQS_PER_CLIENT", 16),
			IngressRatePerSec:        float64(getEnvInt("INGRESS_RATE_PER_SEC", 1000)),
			IngressBurst:             getEnvInt("INGRESS_BURST", 100),
			ValidationPoolSize:       getEnvInt("VALIDATION_POOL_SIZE", 8),
			ExecutionPoolSize:        getEnvInt("EXECUTION_POOL_SIZE", 4),
		},
		Transport: TransportConfig{
			NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnv("TRANSPORT_SUBJECT_PREFIX", "concord.bft"),
		},
		Metadata: MetadataConfig{
			RedisAddr:     getEnv("METADATA_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("METADATA_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("METADATA_REDIS_DB", 0),
		},
		Diagnostics: DiagnosticsConfig{
			Addr:    getEnv("DIAGNOSTICS_ADDR", ":8090"),
			Enabled: getEnvBool("DIAGNOSTICS_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cluster arithmetic N = 3f + 2c + 1.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	r := c.Replica
	if r.NumReplicas != 3*r.FVal+2*r.CVal+1 {
		return fmt.Errorf("invalid cluster size: numReplicas=%d, want 3f+2c+1=%d (f=%d, c=%d)",
			r.NumReplicas, 3*r.FVal+2*r.CVal+1, r.FVal, r.CVal)
	}
	if r.ReplicaID >= r.NumReplicas+r.NumRoReplicas {
		return fmt.Errorf("replica id %d out of range for %d replicas", r.ReplicaID, r.NumReplicas+r.NumRoReplicas)
	}
	// A threshold not exceeding (N-1)/2 would allow two hashes to cross it
	// simultaneously.
	if r.NumOfRequiredEqualReplies() <= (r.NumReplicas-1)/2 {
		return fmt.Errorf("quorum threshold %d must exceed (numReplicas-1)/2=%d",
			r.NumOfRequiredEqualReplies(), (r.NumReplicas-1)/2)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
