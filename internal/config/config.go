// Package config loads and validates process configuration for the gateway
// and worker binaries from environment variables, generalizing the
// teacher's settings-struct pattern (a single typed bundle built once at
// startup and passed by reference to every collaborator) away from its
// protobuf source, since this system has no SDK-handshake surface to
// satisfy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// Stage names used in Config.WorkerLease and in -stage flags.
const (
	StageExtract    = "extract"
	StageSegment    = "segment"
	StageSynthesize = "synthesize"
	StagePackage    = "package"
)

// AllStages lists the four pipeline stages in execution order.
var AllStages = []string{StageExtract, StageSegment, StageSynthesize, StagePackage}

// MinSigningSecretBytes is the minimum length of signing_secret (spec §6.4).
const MinSigningSecretBytes = 32

const (
	defaultSignedURLTTL          = 3600 * time.Second
	defaultMaxUploadBytes   int64 = 50 * 1024 * 1024
	defaultSegmentDuration        = 3140 * time.Millisecond
	defaultWorkerMaxAttempts      = 3
	defaultWorkerLease            = 2 * time.Minute
)

// Config is every configuration key spec §6.4 names, plus the small set of
// process-wiring keys (stage collaborator URLs, admin listen address,
// observability DSNs) needed to actually run the binaries.
type Config struct {
	// ListenAddr is the gateway's HTTP bind address.
	ListenAddr string
	// AdminAddr serves /metrics. An unset or empty EVOCABLE_ADMIN_ADDR
	// falls back to ":9090", so Load never leaves it empty.
	AdminAddr string
	// PprofAddr serves net/http/pprof's debug endpoints; empty disables it.
	// Prefer binding it to loopback only (e.g. "127.0.0.1:6060").
	PprofAddr string

	// BlobRoot is the Blob Store root: a local path, or a gocloud.dev URL
	// (gs://, s3://, azblob://) for off-box durability.
	BlobRoot string
	// StoreDSN is the Metadata Store (Postgres) connection string.
	StoreDSN string
	// QueueDSN is the Queue Broker (Postgres) connection string.
	QueueDSN string

	// SigningSecret signs and verifies chunk signed URLs. Must be >= 32 bytes.
	SigningSecret []byte
	// SignedURLTTL is the default TTL for minted signed chunk URLs.
	SignedURLTTL time.Duration

	// MaxUploadBytes rejects uploads larger than this with a 413
	// "file_too_large" response.
	MaxUploadBytes int64
	// TargetSegmentDuration is passed through to the Packager stage.
	TargetSegmentDuration time.Duration

	// WorkerLease is the per-stage lease duration, keyed by Stage* constant.
	WorkerLease map[string]time.Duration
	// WorkerMaxAttempts is the retry budget before a job is marked Failed.
	WorkerMaxAttempts int

	// StageURL is the external collaborator base URL, keyed by Stage*
	// constant (e.g. EVOCABLE_EXTRACT_URL).
	StageURL map[string]string

	// SentryDSN and SentryRelease configure error reporting; an empty DSN
	// disables Sentry entirely.
	SentryDSN     string
	SentryRelease string
	// LogFormat is "json" (default) or "text".
	LogFormat string
}

// Load reads configuration from the environment (optionally seeded by a
// .env file at dotenvPath, if one exists) and validates it eagerly: an
// invalid or missing required value fails Load rather than the first
// collaborator that would have used it.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return nil, pipelineerrors.FatalErrorf("config: loading %s: %v", dotenvPath, err)
			}
		}
	}

	c := &Config{
		ListenAddr:            getenv("EVOCABLE_LISTEN_ADDR", ":8080"),
		AdminAddr:             getenv("EVOCABLE_ADMIN_ADDR", ":9090"),
		PprofAddr:             os.Getenv("EVOCABLE_PPROF_ADDR"),
		BlobRoot:              os.Getenv("EVOCABLE_BLOB_ROOT"),
		StoreDSN:              os.Getenv("EVOCABLE_STORE_DSN"),
		QueueDSN:              os.Getenv("EVOCABLE_QUEUE_DSN"),
		SigningSecret:         []byte(os.Getenv("EVOCABLE_SIGNING_SECRET")),
		MaxUploadBytes:        defaultMaxUploadBytes,
		TargetSegmentDuration: defaultSegmentDuration,
		WorkerMaxAttempts:     defaultWorkerMaxAttempts,
		SignedURLTTL:          defaultSignedURLTTL,
		SentryDSN:             os.Getenv("EVOCABLE_SENTRY_DSN"),
		SentryRelease:         getenv("EVOCABLE_SENTRY_RELEASE", "dev"),
		LogFormat:             getenv("EVOCABLE_LOG_FORMAT", "json"),
		WorkerLease:           map[string]time.Duration{},
		StageURL:              map[string]string{},
	}

	if v := os.Getenv("EVOCABLE_SIGNED_URL_TTL_S"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, pipelineerrors.ValidationErrorf("config: EVOCABLE_SIGNED_URL_TTL_S: %v", err)
		}
		c.SignedURLTTL = d
	}

	if v := os.Getenv("EVOCABLE_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, pipelineerrors.ValidationErrorf("config: EVOCABLE_MAX_UPLOAD_BYTES must be a positive integer, got %q", v)
		}
		c.MaxUploadBytes = n
	}

	if v := os.Getenv("EVOCABLE_TARGET_SEGMENT_DURATION_S"); v != "" {
		d, err := parseSecondsFloat(v)
		if err != nil {
			return nil, pipelineerrors.ValidationErrorf("config: EVOCABLE_TARGET_SEGMENT_DURATION_S: %v", err)
		}
		c.TargetSegmentDuration = d
	}

	if v := os.Getenv("EVOCABLE_WORKER_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, pipelineerrors.ValidationErrorf("config: EVOCABLE_WORKER_MAX_ATTEMPTS must be a positive integer, got %q", v)
		}
		c.WorkerMaxAttempts = n
	}

	for _, stage := range AllStages {
		key := "EVOCABLE_WORKER_LEASE_S_" + strings.ToUpper(stage)
		lease := defaultWorkerLease
		if v := os.Getenv(key); v != "" {
			d, err := parseSeconds(v)
			if err != nil {
				return nil, pipelineerrors.ValidationErrorf("config: %s: %v", key, err)
			}
			lease = d
		}
		c.WorkerLease[stage] = lease

		urlKey := "EVOCABLE_" + strings.ToUpper(stage) + "_URL"
		c.StageURL[stage] = os.Getenv(urlKey)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.BlobRoot == "" {
		return pipelineerrors.FatalErrorf("config: EVOCABLE_BLOB_ROOT is required")
	}
	if c.StoreDSN == "" {
		return pipelineerrors.FatalErrorf("config: EVOCABLE_STORE_DSN is required")
	}
	if c.QueueDSN == "" {
		return pipelineerrors.FatalErrorf("config: EVOCABLE_QUEUE_DSN is required")
	}
	if len(c.SigningSecret) < MinSigningSecretBytes {
		return pipelineerrors.FatalErrorf(
			"config: EVOCABLE_SIGNING_SECRET must be at least %d bytes, got %d",
			MinSigningSecretBytes, len(c.SigningSecret))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return pipelineerrors.FatalErrorf("config: EVOCABLE_LOG_FORMAT must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer number of seconds, got %q", v)
	}
	return time.Duration(n) * time.Second, nil
}

func parseSecondsFloat(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("must be a non-negative number of seconds, got %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}
