package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/adapter"
	"github.com/m-mizutani/triage/pkg/repository"
	"github.com/m-mizutani/triage/pkg/usecase/triage"
	"github.com/m-mizutani/triage/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"google.golang.org/api/option"
)

const (
	storeSQLite    = "sqlite"
	storeMemory    = "memory"
	storeGCS       = "gcs"
	storeFirestore = "firestore"
	storeRedis     = "redis"
)

// config holds configuration values
type config struct {
	// History store
	store         string
	sqlitePath    string
	bucket        string
	prefix        string
	project       string
	database      string
	credentials   string
	redisAddr     string
	redisPassword string
	redisDB       int64
	historyKey    string

	// LLM
	geminiAPIKey   string
	geminiProject  string
	geminiLocation string
	geminiModel    string
	protocolFile   string

	// Logging
	logLevel  string
	logFormat string
}

// storeFlags returns flags for the history store with destination config
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "History store (sqlite, memory, gcs, firestore, redis)",
			Value:       storeSQLite,
			Sources:     cli.EnvVars("TRIAGE_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file (default: user config dir)",
			Sources:     cli.EnvVars("TRIAGE_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for history",
			Sources:     cli.EnvVars("TRIAGE_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "prefix",
			Usage:       "Object or key prefix for history in Cloud Storage and Redis",
			Sources:     cli.EnvVars("TRIAGE_PREFIX"),
			Destination: &cfg.prefix,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "credentials",
			Usage:       "Google Cloud service account key file",
			Sources:     cli.EnvVars("GOOGLE_APPLICATION_CREDENTIALS"),
			Destination: &cfg.credentials,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address (host:port)",
			Sources:     cli.EnvVars("TRIAGE_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Sources:     cli.EnvVars("TRIAGE_REDIS_PASSWORD"),
			Destination: &cfg.redisPassword,
		},
		&cli.IntFlag{
			Name:        "redis-db",
			Usage:       "Redis database number",
			Sources:     cli.EnvVars("TRIAGE_REDIS_DB"),
			Destination: &cfg.redisDB,
		},
		&cli.StringFlag{
			Name:        "history-key",
			Usage:       "Key under which the history is stored",
			Value:       repository.DefaultHistoryKey,
			Sources:     cli.EnvVars("TRIAGE_HISTORY_KEY"),
			Destination: &cfg.historyKey,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key (takes precedence over Vertex AI)",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini on Vertex AI",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model name",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "protocol",
			Usage:       "YAML file overriding the triage protocol",
			Sources:     cli.EnvVars("TRIAGE_PROTOCOL"),
			Destination: &cfg.protocolFile,
		},
	}
}

// logFlags returns flags for logging with destination config
func logFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "warn",
			Sources:     cli.EnvVars("TRIAGE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("TRIAGE_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// setupLogger installs the configured logger and returns a context carrying it
func (cfg *config) setupLogger(ctx context.Context, w io.Writer) context.Context {
	logger := logging.NewWithFormat(cfg.logLevel, logging.Format(cfg.logFormat), w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

func (cfg *config) clientOptions() []option.ClientOption {
	if cfg.credentials == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.credentials)}
}

func defaultSQLitePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", goerr.Wrap(err, "failed to get user config dir")
	}
	return filepath.Join(dir, "triage", "history.db"), nil
}

// newBlobStore creates the configured blob store. The returned closer releases
// the store and is never nil.
func (cfg *config) newBlobStore(ctx context.Context) (adapter.BlobStore, func(), error) {
	nop := func() {}

	switch cfg.store {
	case storeSQLite, "":
		path := cfg.sqlitePath
		if path == "" {
			p, err := defaultSQLitePath()
			if err != nil {
				return nil, nop, err
			}
			path = p
		}
		store, err := adapter.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, nop, goerr.Wrap(err, "failed to open sqlite store")
		}
		return store, closerOf(ctx, storeSQLite, store), nil

	case storeMemory:
		store := adapter.NewMemoryStore()
		return store, closerOf(ctx, storeMemory, store), nil

	case storeGCS:
		if cfg.bucket == "" {
			return nil, nop, goerr.New("bucket is required for gcs store")
		}
		store, err := adapter.NewGCSStore(ctx, cfg.bucket, cfg.prefix, cfg.clientOptions()...)
		if err != nil {
			return nil, nop, goerr.Wrap(err, "failed to create gcs store")
		}
		return store, closerOf(ctx, storeGCS, store), nil

	case storeFirestore:
		if cfg.project == "" {
			return nil, nop, goerr.New("project is required for firestore store")
		}
		if cfg.database == "" {
			return nil, nop, goerr.New("database is required for firestore store")
		}
		store, err := adapter.NewFirestoreStore(ctx, cfg.project, cfg.database, cfg.clientOptions()...)
		if err != nil {
			return nil, nop, goerr.Wrap(err, "failed to create firestore store")
		}
		return store, closerOf(ctx, storeFirestore, store), nil

	case storeRedis:
		store, err := adapter.NewRedisStore(ctx, adapter.RedisConfig{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       int(cfg.redisDB),
			Prefix:   cfg.prefix,
		})
		if err != nil {
			return nil, nop, goerr.Wrap(err, "failed to create redis store")
		}
		return store, closerOf(ctx, storeRedis, store), nil

	default:
		return nil, nop, goerr.New("unknown store", goerr.V("store", cfg.store))
	}
}

// closerOf returns a func closing c once. A close failure is only logged.
func closerOf(ctx context.Context, name string, c io.Closer) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := c.Close(); err != nil {
				logging.From(ctx).Warn("failed to close client", "client", name, "error", err)
			}
		})
	}
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	store, closer, err := cfg.newBlobStore(ctx)
	if err != nil {
		return nil, closer, err
	}

	var opts []repository.BlobOption
	if cfg.historyKey != "" {
		opts = append(opts, repository.WithKey(cfg.historyKey))
	}
	return repository.New(store, opts...), closer, nil
}

// newBackend creates the Gemini chat backend
func (cfg *config) newBackend(ctx context.Context) (adapter.ChatBackend, error) {
	if cfg.geminiAPIKey == "" && cfg.geminiProject == "" {
		return nil, goerr.New("gemini-api-key or gemini-project is required")
	}
	if cfg.geminiAPIKey == "" && cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	gemini, err := adapter.NewGemini(ctx, adapter.GeminiConfig{
		APIKey:   cfg.geminiAPIKey,
		Project:  cfg.geminiProject,
		Location: cfg.geminiLocation,
	}, adapter.WithGenerativeModel(cfg.geminiModel))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}

	logging.From(ctx).Debug("gemini backend ready", "model", gemini.Model())
	return gemini, nil
}

// newProtocol returns the built-in protocol or the one loaded from file
func (cfg *config) newProtocol() (*triage.Protocol, error) {
	if cfg.protocolFile == "" {
		return triage.DefaultProtocol(), nil
	}
	return triage.LoadProtocol(cfg.protocolFile)
}

// newBigQuery creates a BigQuery client for history export. The caller closes it.
func (cfg *config) newBigQuery(ctx context.Context, projectID string) (*adapter.BigQueryClient, error) {
	if projectID == "" {
		projectID = cfg.project
	}
	if projectID == "" {
		return nil, goerr.New("project is required for bigquery export")
	}

	bq, err := adapter.NewBigQuery(ctx, projectID, cfg.clientOptions()...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create bigquery client")
	}
	return bq, nil
}
