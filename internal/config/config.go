// Package config loads process configuration from the environment, mirroring
// the variable names and defaults of the Python original's backend/config.py.
// Nothing below main reads os.Getenv directly; Config is threaded through
// constructors instead.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// StorageMode selects how a sandbox session's filesystem is backed.
type StorageMode string

const (
	// StorageEphemeral backs a session with RAM (tmpfs); state is lost on stop.
	StorageEphemeral StorageMode = "ephemeral"
	// StoragePersistent backs a session with a bind-mounted host directory.
	StoragePersistent StorageMode = "persistent"
)

// Config is the immutable process configuration.
type Config struct {
	// LLM defaults, overridable per-thread via the Config table.
	DefaultModel       string
	DefaultTemperature float64
	ContextWindow      int
	AnthropicAPIKey    string
	AutoTitleModel     string
	SummarizerModel    string

	// Sandbox.
	SandboxImage    string
	SessionStorage  StorageMode
	TmpfsSizeMB     int
	SandboxNetwork  string
	HybridLocalPath string // empty means unset (DATASET_ACCESS != HYBRID)
	SessionsRoot    string

	// Artifacts.
	BlobstoreDir         string
	MaxArtifactSizeMB    int
	ArtifactsSecret      string
	ArtifactsTokenTTLSec int

	// Datastores.
	DatabaseURL      string
	MongoURI         string
	MongoDatabase    string
	ContainerdSocket string
	ContainerdNS     string

	// HTTP.
	ListenAddr string
}

// MaxArtifactSizeBytes returns the configured ingest cap in bytes.
func (c Config) MaxArtifactSizeBytes() int64 {
	return int64(c.MaxArtifactSizeMB) * 1024 * 1024
}

// TmpfsSizeSpec renders the tmpfs size option accepted by the mount option
// string (e.g. "1024m").
func (c Config) TmpfsSizeSpec() string {
	return fmt.Sprintf("%dm", c.TmpfsSizeMB)
}

// Load builds a Config from the environment, applying the same defaults as
// the Python original.
func Load() (Config, error) {
	temp, err := parseFloat("DEFAULT_TEMPERATURE", "0.7")
	if err != nil {
		return Config{}, err
	}
	window, err := parseInt("CONTEXT_WINDOW", "30000")
	if err != nil {
		return Config{}, err
	}
	tmpfs, err := parseInt("TMPFS_SIZE_MB", "1024")
	if err != nil {
		return Config{}, err
	}
	maxSize, err := parseInt("MAX_ARTIFACT_SIZE_MB", "50")
	if err != nil {
		return Config{}, err
	}
	ttl, err := parseInt("ARTIFACTS_TOKEN_TTL_SECONDS", "86400")
	if err != nil {
		return Config{}, err
	}

	storage := StorageMode(getenv("SESSION_STORAGE", "ephemeral"))
	if storage != StorageEphemeral && storage != StoragePersistent {
		return Config{}, fmt.Errorf("config: SESSION_STORAGE must be %q or %q, got %q", StorageEphemeral, StoragePersistent, storage)
	}

	return Config{
		DefaultModel:       getenv("DEFAULT_MODEL", "claude-sonnet-4-5"),
		DefaultTemperature: temp,
		ContextWindow:      window,
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		AutoTitleModel:     getenv("AUTO_TITLE_MODEL", "claude-haiku-4-5"),
		SummarizerModel:    getenv("SUMMARIZER_MODEL", "claude-haiku-4-5"),

		SandboxImage:    getenv("SANDBOX_IMAGE", "sandbox:latest"),
		SessionStorage:  storage,
		TmpfsSizeMB:     tmpfs,
		SandboxNetwork:  getenv("SANDBOX_NETWORK", "assistant-sandbox-network"),
		HybridLocalPath: os.Getenv("HYBRID_LOCAL_PATH"),
		SessionsRoot:    getenv("SESSIONS_ROOT", "./sessions"),

		BlobstoreDir:         getenv("BLOBSTORE_DIR", "./blobstore"),
		MaxArtifactSizeMB:    maxSize,
		ArtifactsSecret:      getenv("ARTIFACTS_SECRET", "default-secret-change-in-production"),
		ArtifactsTokenTTLSec: ttl,

		DatabaseURL:      getenv("DATABASE_URL", "postgres://localhost:5432/assistant?sslmode=disable"),
		MongoURI:         getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:    getenv("MONGO_DATABASE", "assistant_checkpoints"),
		ContainerdSocket: getenv("CONTAINERD_SOCKET", "/run/containerd/containerd.sock"),
		ContainerdNS:     getenv("CONTAINERD_NAMESPACE", "assistant-sandbox"),

		ListenAddr: getenv("LISTEN_ADDR", ":8080"),
	}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(key, def string) (int, error) {
	v, err := strconv.Atoi(getenv(key, def))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func parseFloat(key, def string) (float64, error) {
	v, err := strconv.ParseFloat(getenv(key, def), 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}
