package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	// Storage
	dataDir       string
	flushInterval time.Duration

	// Logging
	logLevel string

	// Optional config file; flags and environment win over file values
	configFile string

	// LLM provider: "gemini" or "claude"
	provider string

	anthropicAPIKey string
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	embeddingModel  string
	embeddingDim    int64
}

// fileConfig is the YAML shape of the optional config file.
type fileConfig struct {
	DataDir       string `yaml:"data_dir"`
	FlushInterval string `yaml:"flush_interval"`
	LogLevel      string `yaml:"log_level"`
	Provider      string `yaml:"provider"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	Gemini struct {
		Project        string `yaml:"project"`
		Location       string `yaml:"location"`
		Model          string `yaml:"model"`
		EmbeddingModel string `yaml:"embedding_model"`
		EmbeddingDim   int64  `yaml:"embedding_dimension"`
	} `yaml:"gemini"`
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data-dir",
			Aliases:     []string{"d"},
			Usage:       "Directory for session data",
			Sources:     cli.EnvVars("BURROW_DATA_DIR"),
			Destination: &cfg.dataDir,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML config file",
			Sources:     cli.EnvVars("BURROW_CONFIG"),
			Destination: &cfg.configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("BURROW_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.DurationFlag{
			Name:        "flush-interval",
			Usage:       "Interval between background saves",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("BURROW_FLUSH_INTERVAL"),
			Destination: &cfg.flushInterval,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "LLM provider (gemini or claude)",
			Value:       "gemini",
			Sources:     cli.EnvVars("BURROW_PROVIDER"),
			Destination: &cfg.provider,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name",
			Sources:     cli.EnvVars("BURROW_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Embedding vector dimension",
			Sources:     cli.EnvVars("BURROW_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDim,
		},
	}
}

// setup merges the optional config file, applies defaults and attaches
// the configured logger to the context. Called at the top of every
// command action.
func (cfg *config) setup(ctx context.Context) (context.Context, error) {
	if cfg.configFile != "" {
		if err := cfg.mergeFile(cfg.configFile); err != nil {
			return ctx, err
		}
	}

	if cfg.dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ctx, goerr.Wrap(err, "cannot resolve home directory, set --data-dir")
		}
		cfg.dataDir = filepath.Join(home, ".burrow")
	}
	if cfg.flushInterval <= 0 {
		cfg.flushInterval = 30 * time.Second
	}

	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// mergeFile fills unset fields from the YAML config file. Flag and
// environment values take precedence.
func (cfg *config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}

	if cfg.dataDir == "" {
		cfg.dataDir = f.DataDir
	}
	if f.FlushInterval != "" && cfg.flushInterval == 30*time.Second {
		d, err := time.ParseDuration(f.FlushInterval)
		if err != nil {
			return goerr.Wrap(err, "invalid flush_interval in config file")
		}
		cfg.flushInterval = d
	}
	if f.LogLevel != "" && cfg.logLevel == "info" {
		cfg.logLevel = f.LogLevel
	}
	if f.Provider != "" && cfg.provider == "gemini" {
		cfg.provider = f.Provider
	}
	if cfg.anthropicAPIKey == "" {
		cfg.anthropicAPIKey = f.AnthropicAPIKey
	}
	if cfg.geminiProject == "" {
		cfg.geminiProject = f.Gemini.Project
	}
	if cfg.geminiLocation == "" || cfg.geminiLocation == "us-central1" {
		if f.Gemini.Location != "" {
			cfg.geminiLocation = f.Gemini.Location
		}
	}
	if cfg.geminiModel == "" {
		cfg.geminiModel = f.Gemini.Model
	}
	if cfg.embeddingModel == "" {
		cfg.embeddingModel = f.Gemini.EmbeddingModel
	}
	if cfg.embeddingDim == 0 {
		cfg.embeddingDim = f.Gemini.EmbeddingDim
	}
	return nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository() (repository.Repository, error) {
	repo, err := repository.NewLocal(cfg.dataDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newCache creates the session cache and starts its background flush
// loop. The returned closer stops the loop and runs a final save.
func (cfg *config) newCache(ctx context.Context, repo repository.Repository) (*cache.Cache, func(), error) {
	sessions := cache.New(repo, cache.WithFlushInterval(cfg.flushInterval))
	if err := sessions.Load(ctx); err != nil {
		return nil, nil, err
	}
	sessions.Start(ctx)

	closer := func() {
		if err := sessions.Close(ctx); err != nil {
			logging.From(ctx).Error("failed to close session cache", "error", err)
		}
	}
	return sessions, closer, nil
}

// newLLM creates the generation adapter for the configured provider
func (cfg *config) newLLM(ctx context.Context) (adapter.LLM, error) {
	switch cfg.provider {
	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required for the claude provider")
		}
		return adapter.NewClaude(cfg.anthropicAPIKey), nil
	case "gemini", "":
		return cfg.newGemini(ctx)
	default:
		return nil, goerr.New("unknown provider", goerr.V("provider", cfg.provider))
	}
}

// newGemini creates a Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}
	if cfg.embeddingDim > 0 {
		opts = append(opts, adapter.WithEmbeddingDimension(int(cfg.embeddingDim)))
	}

	gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini adapter")
	}
	return gemini, nil
}

// newEmbedder creates the embedding adapter behind an in-process cache.
// Embeddings always come from Gemini; Claude has no embedding endpoint.
func (cfg *config) newEmbedder(ctx context.Context) (*adapter.CachedEmbedder, error) {
	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	return adapter.NewCachedEmbedder(gemini)
}
