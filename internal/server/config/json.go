package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/flagx"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "30s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddrHTTP           string         `json:"endpoint_addr_http"`
	DatabaseDSN                string         `json:"database_dsn"`
	StoreBackend               string         `json:"store_backend"`
	BlockstoreBackend          string         `json:"blockstore_backend"`
	BlockstoreDir              string         `json:"blockstore_dir"`
	AdminSecretKey             string         `json:"admin_secret_key"`
	AdminTokenValidityDuration timex.Duration `json:"admin_token_validity_duration"`
	S3RootUser                 string         `json:"s3_root_user"`
	S3RootPassword             string         `json:"s3_root_password"`
	S3Bucket                   string         `json:"s3_bucket"`
	S3Region                   string         `json:"s3_region"`
	S3BaseEndpoint             string         `json:"s3_base_endpoint"`
	SseQueueSize               int            `json:"sse_queue_size"`
	SseEventsCacheSize         int            `json:"sse_events_cache_size"`
	BallparkEarlyOffset        timex.Duration `json:"ballpark_early_offset"`
	BallparkLateOffset         timex.Duration `json:"ballpark_late_offset"`
	SequesterWebhookTimeout    timex.Duration `json:"sequester_webhook_timeout"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The lookup order for the JSON file path is:
//
//	The -c or -config command-line flags.
//	If it is not set, no JSON file is loaded.
//
// If the file cannot be read or contains invalid JSON, the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.EndpointAddrHTTP = c.EndpointAddrHTTP
	config.DatabaseDSN = c.DatabaseDSN
	config.StoreBackend = c.StoreBackend
	config.BlockstoreBackend = c.BlockstoreBackend
	config.BlockstoreDir = c.BlockstoreDir
	config.AdminSecretKey = c.AdminSecretKey
	config.AdminTokenValidityDuration = time.Duration(c.AdminTokenValidityDuration.Duration)
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
	config.SseQueueSize = c.SseQueueSize
	config.SseEventsCacheSize = c.SseEventsCacheSize
	config.BallparkEarlyOffset = time.Duration(c.BallparkEarlyOffset.Duration)
	config.BallparkLateOffset = time.Duration(c.BallparkLateOffset.Duration)
	config.SequesterWebhookTimeout = time.Duration(c.SequesterWebhookTimeout.Duration)
}
