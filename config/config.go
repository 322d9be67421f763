/*
Package config handles loading and validating the proxy fabric's
configuration from environment variables. All values have sensible defaults
so either binary (containerside or edgeside) can start with zero
environment setup during local development.
*/
package config

import (
	"fmt"
	"log/slog"      // slog = structured log. used for json logging in this app
	"os"            // used .Getenv calls and write logs to stdout.
	"path/filepath" // used to extract file base name from absolute path in logging.
	"strconv"
	"strings"
)

// CSConfig holds configuration for the Container Side binary: the local
// ingress port (H) that in-container workloads call, the control port (C)
// the ES dials into, and the contiguous data-port range (D1..Dn) used for
// the channel pool. values are read once at startup and passed through the
// app via dependency injection; there is no package-level config variable.
type CSConfig struct {
	// IngressPort is the local HTTP/1.1 server port workloads call.
	IngressPort string

	// ControlPort is the TCP port the ES's control client dials into.
	ControlPort int

	// DataPortBase and DataPortCount describe the contiguous data-port
	// range: ports DataPortBase .. DataPortBase+DataPortCount-1.
	DataPortBase  int
	DataPortCount int

	// StatsDBPath is the SQLite file backing the persisted
	// successful_requests / service_unavailable_count counters.
	StatsDBPath string

	// RequestsPerSecond and Burst configure the ingress's token-bucket
	// rate limiter (golang.org/x/time/rate), placed in front of the
	// allocator so load is shed before it ever reaches the pool's
	// saturation check.
	RequestsPerSecond float64
	Burst             int

	// LogFormat controls the output format of slog (logging library)
	// accepted values: "text" (default) | "json"
	// set to "json" in production for structured log shipping
	LogFormat string
}

// ESConfig holds configuration for the Edge Side binary: where to find the
// CS's control channel and data ports, the object-store backend this
// peer's adapter talks to, and the container identity the containerstatus
// watcher tracks.
type ESConfig struct {
	// CSHost is the hostname/IP the CS listens on. loopback in production
	// since both peers share a network namespace or a direct bridge.
	CSHost string

	ControlPort   int
	DataPortBase  int
	DataPortCount int

	// ContainerID is the Docker container identity the containerstatus
	// watcher subscribes to for running/stopping/stopped transitions.
	ContainerID string

	// object store connection. an empty access/secret key pair means
	// "use the default AWS credential chain" rather than static keys.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// S3KnownBuckets is an optional comma-separated list of additional
	// bucket names recognized as a path prefix (spec §6's routing rule);
	// S3Bucket is always the fallback when a path's first segment is not
	// one of these.
	S3KnownBuckets []string

	// ObjectStoreBackend selects which objectstore.Adapter edgeside wires
	// up: "s3" (default) talks to a real S3-compatible endpoint via
	// S3Endpoint/S3Region/etc; "memory" uses the in-memory fake so the
	// fabric can be exercised end to end without AWS credentials.
	ObjectStoreBackend string

	LogFormat string
}

// NewLogger constructs a *slog.Logger based on the given LogFormat value.
// "text" produces human-readable output for local development; any other
// value (including "json") produces structured JSON output for production
// and container log shipping. both CSConfig and ESConfig share this
// function rather than each defining their own method, since the logging
// policy does not differ between the two peers.
func NewLogger(logFormat string) *slog.Logger {
	var handler slog.Handler // declaration of slog.Handler interface variable to hold the chosen log handler

	options := &slog.HandlerOptions{
		// AddSource adds the file name and line number to each log record
		// useful during development to trace log origins.
		AddSource: true,
		Level:     slog.LevelInfo,

		// ReplaceAttr runs on every attribute of every log record; here it
		// is used only to shorten the "source" attribute's absolute file
		// path down to its basename, which is otherwise a long eyesore.
		ReplaceAttr: func(groups []string, attribute slog.Attr) slog.Attr {
			if attribute.Key == slog.SourceKey {
				if source, ok := attribute.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attribute
		},
	}

	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, options) // text for local dev
	} else {
		handler = slog.NewJSONHandler(os.Stdout, options) // json for prod
	}

	return slog.New(handler)
}

// LoadCSConfig reads the Container Side configuration from environment
// variables. missing variables fall back to defaults suitable for a local
// single-container development loop.
func LoadCSConfig() (*CSConfig, error) {
	controlPort, err := getEnvInt("CS_CONTROL_PORT", 9099)
	if err != nil {
		return nil, err
	}
	dataPortBase, err := getEnvInt("CS_DATA_PORT_BASE", 9100)
	if err != nil {
		return nil, err
	}
	dataPortCount, err := getEnvInt("CS_DATA_PORT_COUNT", 25)
	if err != nil {
		return nil, err
	}
	if dataPortCount <= 0 {
		return nil, fmt.Errorf("config: CS_DATA_PORT_COUNT must be positive, got %d", dataPortCount)
	}

	requestsPerSecond, err := getEnvFloat("CS_RATE_LIMIT_RPS", 200)
	if err != nil {
		return nil, err
	}
	burst, err := getEnvInt("CS_RATE_LIMIT_BURST", 400)
	if err != nil {
		return nil, err
	}

	return &CSConfig{
		IngressPort:       getEnv("CS_INGRESS_PORT", "8080"),
		ControlPort:       controlPort,
		DataPortBase:      dataPortBase,
		DataPortCount:     dataPortCount,
		StatsDBPath:       getEnv("CS_STATS_DB_PATH", "./data/corvus-fabric-stats.db"),
		RequestsPerSecond: requestsPerSecond,
		Burst:             burst,
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}, nil
}

// LoadESConfig reads the Edge Side configuration from environment
// variables. the data-port range MUST agree with whatever CS was started
// with; in a deployment the same two env vars are set for both binaries.
func LoadESConfig() (*ESConfig, error) {
	controlPort, err := getEnvInt("CS_CONTROL_PORT", 9099)
	if err != nil {
		return nil, err
	}
	dataPortBase, err := getEnvInt("CS_DATA_PORT_BASE", 9100)
	if err != nil {
		return nil, err
	}
	dataPortCount, err := getEnvInt("CS_DATA_PORT_COUNT", 25)
	if err != nil {
		return nil, err
	}
	if dataPortCount <= 0 {
		return nil, fmt.Errorf("config: CS_DATA_PORT_COUNT must be positive, got %d", dataPortCount)
	}

	var knownBuckets []string
	if raw := getEnv("ES_S3_KNOWN_BUCKETS", ""); raw != "" {
		knownBuckets = strings.Split(raw, ",")
	}

	return &ESConfig{
		CSHost:             getEnv("ES_CS_HOST", "127.0.0.1"),
		ControlPort:        controlPort,
		DataPortBase:       dataPortBase,
		DataPortCount:      dataPortCount,
		ContainerID:        getEnv("ES_CONTAINER_ID", ""),
		S3Endpoint:         getEnv("ES_S3_ENDPOINT", ""),
		S3Region:           getEnv("ES_S3_REGION", "us-east-1"),
		S3Bucket:           getEnv("ES_S3_DEFAULT_BUCKET", "default"),
		S3AccessKey:        getEnv("ES_S3_ACCESS_KEY", ""),
		S3SecretKey:        getEnv("ES_S3_SECRET_KEY", ""),
		S3KnownBuckets:     knownBuckets,
		ObjectStoreBackend: getEnv("ES_OBJECT_STORE_BACKEND", "s3"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}, nil
}

// getEnv retrieves the value of an environment variable by key.
// if the variable is not set or is empty, the provided fallback value is returned.
// this avoids scattered os.Getenv calls with inline fallback logic throughout the codebase.
func getEnv(key, fallbackValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallbackValue
}

// getEnvFloat is getEnv's counterpart for float-valued settings (the rate
// limiter's requests-per-second).
func getEnvFloat(key string, fallbackValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallbackValue, nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q: %w", key, raw, err)
	}
	return n, nil
}

// getEnvInt is getEnv's counterpart for integer-valued settings (ports,
// counts): a non-numeric value is a startup-time configuration error
// rather than a silently-ignored default, since a wrong port number fails
// much more confusingly than a clear error at boot.
func getEnvInt(key string, fallbackValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallbackValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, raw, err)
	}
	return n, nil
}
