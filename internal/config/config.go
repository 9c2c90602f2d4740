package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// Blob drivers.
const (
	BlobFS     = "fs"
	BlobS3     = "s3"
	BlobGridFS = "gridfs"
)

// Patient delete policies.
const (
	DeleteRestrict = "restrict"
	DeleteCascade  = "cascade"
	DeleteOrphan   = "orphan"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	CacheTTL time.Duration `mapstructure:"CACHE_TTL"`

	BlobDriver        string `mapstructure:"BLOB_DRIVER"`
	BlobDir           string `mapstructure:"BLOB_DIR"`
	GridFSBucket      string `mapstructure:"GRIDFS_BUCKET"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3Prefix          string `mapstructure:"S3_PREFIX"`

	BlobGCSchedule string        `mapstructure:"BLOB_GC_SCHEDULE"`
	BlobGCGrace    time.Duration `mapstructure:"BLOB_GC_GRACE"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	PatientDeletePolicy string        `mapstructure:"PATIENT_DELETE_POLICY"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
	LogCompress   bool   `mapstructure:"LOG_COMPRESS"`
}

var defaults = map[string]interface{}{
	"PORT":                  "8000",
	"ENV":                   "development",
	"STORE_DRIVER":          StoreMongo,
	"MONGO_URI":             "mongodb://localhost:27017",
	"MONGO_DATABASE":        "prontuario",
	"DB_MAX_CONNS":          20,
	"DB_MIN_CONNS":          2,
	"MIGRATIONS_DIR":        "migrations",
	"CACHE_TTL":             "10m",
	"BLOB_DRIVER":           BlobFS,
	"BLOB_DIR":              "data/blobs",
	"GRIDFS_BUCKET":         "blobs",
	"S3_REGION":             "us-east-1",
	"BLOB_GC_GRACE":         "24h",
	"CORS_ORIGINS":          "http://localhost:3000",
	"REQUEST_TIMEOUT":       "30s",
	"PATIENT_DELETE_POLICY": DeleteRestrict,
	"LOG_LEVEL":             "info",
	"LOG_MAX_SIZE_MB":       100,
	"LOG_MAX_BACKUPS":       5,
	"LOG_MAX_AGE_DAYS":      30,
}

var keys = []string{
	"PORT", "ENV",
	"STORE_DRIVER", "MONGO_URI", "MONGO_DATABASE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "CACHE_TTL",
	"BLOB_DRIVER", "BLOB_DIR", "GRIDFS_BUCKET",
	"S3_ENDPOINT", "S3_REGION", "S3_BUCKET", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_PREFIX",
	"BLOB_GC_SCHEDULE", "BLOB_GC_GRACE",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "PATIENT_DELETE_POLICY",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS", "LOG_COMPRESS",
}

// Load reads .env (when present) and the environment. It does not validate;
// call Validate before starting the server.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// explicit binds so Unmarshal sees variables that only exist in the environment
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.BlobDriver = strings.ToLower(cfg.BlobDriver)
	cfg.PatientDeletePolicy = strings.ToLower(cfg.PatientDeletePolicy)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return fmt.Errorf("MONGO_URI and MONGO_DATABASE are required when STORE_DRIVER is %q", StoreMongo)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMongo, StorePostgres, c.StoreDriver)
	}

	switch c.BlobDriver {
	case BlobFS:
		if c.BlobDir == "" {
			return fmt.Errorf("BLOB_DIR is required when BLOB_DRIVER is %q", BlobFS)
		}
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_DRIVER is %q", BlobS3)
		}
	case BlobGridFS:
		if c.StoreDriver != StoreMongo && c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when BLOB_DRIVER is %q", BlobGridFS)
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be %q, %q or %q, got %q", BlobFS, BlobS3, BlobGridFS, c.BlobDriver)
	}

	switch c.PatientDeletePolicy {
	case DeleteRestrict, DeleteCascade, DeleteOrphan:
	default:
		return fmt.Errorf("PATIENT_DELETE_POLICY must be %q, %q or %q, got %q",
			DeleteRestrict, DeleteCascade, DeleteOrphan, c.PatientDeletePolicy)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	if c.BlobGCGrace < 0 {
		return fmt.Errorf("BLOB_GC_GRACE must not be negative")
	}
	return nil
}
