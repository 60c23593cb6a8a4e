package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/pflag"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"production"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Storage    Storage    `yaml:"storage"`
	Upload     Upload     `yaml:"upload"`
	PGSQL      PQSQL      `yaml:"pgsql"`
	Redis      Redis      `yaml:"redis"`
	MinIO      MinIO      `yaml:"minio"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Cache      Cache      `yaml:"cache"`
}

type HTTPServer struct {
	Address           string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env-default:"10m"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env-default:"0s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env-default:"65s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env-default:"66s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env-default:"5s"`
}

// Storage holds the on-disk layout. Type directories that are left empty
// default to <root>/videos and <root>/images with a temp/ subdirectory.
type Storage struct {
	Root  string     `yaml:"root" env:"STORAGE_ROOT" env-default:"."`
	Video TypeConfig `yaml:"video"`
	Image TypeConfig `yaml:"image"`
}

type TypeConfig struct {
	TargetDir       string        `yaml:"target_dir"`
	TempDir         string        `yaml:"temp_dir"`
	AllowedTypes    []string      `yaml:"allowed_types"`
	MaxSize         int64         `yaml:"max_size"`
	MaxFiles        int           `yaml:"max_files"`
	ChunkSize       int64         `yaml:"chunk_size"`
	ChunkRetryTimes int           `yaml:"chunk_retry_times"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout"`
	EnableChunking  *bool         `yaml:"enable_chunking"`
}

type Upload struct {
	DefaultChunkSize    int64         `yaml:"default_chunk_size" env-default:"1048576"`
	MaxChunkBytes       int64         `yaml:"max_chunk_bytes" env-default:"16777216"`
	MaxConcurrentChunks int           `yaml:"max_concurrent_chunks" env-default:"3"`
	ChunkExpireTime     time.Duration `yaml:"chunk_expire_time" env:"CHUNK_EXPIRE_TIME" env-default:"24h"`
	SweepInterval       time.Duration `yaml:"sweep_interval" env-default:"10m"`
	MergeTimeout        time.Duration `yaml:"merge_timeout" env-default:"10m"`
	CompletedTTL        time.Duration `yaml:"completed_ttl" env-default:"1h"`
	EnableResume        bool          `yaml:"enable_resume" env-default:"true"`
	EnableVerification  bool          `yaml:"enable_verification" env-default:"true"`
	LockTTL             time.Duration `yaml:"lock_ttl" env-default:"15m"`
}

type PQSQL struct {
	Enabled  bool   `yaml:"enabled" env:"PG_ENABLED" env-default:"false"`
	Host     string `yaml:"host" env:"PG_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"PG_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"PG_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"PG_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"PG_DBNAME" env-default:"media_db"`
	SSLMode  string `yaml:"sslmode" env:"PG_SSLMODE" env-default:"disable"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED" env-default:"false"`
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type MinIO struct {
	Enabled         bool          `yaml:"enabled" env:"MINIO_ENABLED" env-default:"false"`
	Endpoint        string        `yaml:"endpoint" env:"MINIO_ENDPOINT" env-default:"localhost:9000"`
	AccessKeyID     string        `yaml:"access_key_id" env:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" env:"MINIO_SECRET_ACCESS_KEY"`
	BucketName      string        `yaml:"bucket_name" env:"MINIO_BUCKET" env-default:"media"`
	UseSSL          bool          `yaml:"use_ssl" env:"MINIO_USE_SSL" env-default:"false"`
	PresignedURLTTL time.Duration `yaml:"presigned_url_ttl" env-default:"1h"`
}

type RateLimit struct {
	Enabled          bool  `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	ChunksPerMinute  int64 `yaml:"chunks_per_minute" env-default:"600"`
	MergesPerMinute  int64 `yaml:"merges_per_minute" env-default:"60"`
	UploadsPerMinute int64 `yaml:"uploads_per_minute" env-default:"60"`
}

type Cache struct {
	ListingTTL time.Duration `yaml:"listing_ttl" env-default:"30s"`
}

func boolPtr(b bool) *bool { return &b }

var defaultTypes = map[media.FileType]TypeConfig{
	media.FileTypeVideo: {
		AllowedTypes:    []string{".mp4", ".webm", ".ogg", ".mov", ".avi", ".mkv", ".flv"},
		MaxSize:         2 << 30,
		MaxFiles:        10,
		ChunkSize:       2 << 20,
		ChunkRetryTimes: 3,
		ChunkTimeout:    30 * time.Second,
		EnableChunking:  boolPtr(true),
	},
	media.FileTypeImage: {
		AllowedTypes:    []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".svg", ".tiff"},
		MaxSize:         10 << 20,
		MaxFiles:        20,
		ChunkSize:       512 << 10,
		ChunkRetryTimes: 3,
		ChunkTimeout:    15 * time.Second,
		EnableChunking:  boolPtr(false),
	},
}

func (c *Config) typeConfig(t media.FileType) *TypeConfig {
	if t == media.FileTypeVideo {
		return &c.Storage.Video
	}
	return &c.Storage.Image
}

func (c *Config) applyDefaults() {
	for _, t := range media.FileTypes {
		tc, def := c.typeConfig(t), defaultTypes[t]
		if tc.TargetDir == "" {
			tc.TargetDir = filepath.Join(c.Storage.Root, string(t)+"s")
		}
		if tc.TempDir == "" {
			tc.TempDir = filepath.Join(tc.TargetDir, "temp")
		}
		if len(tc.AllowedTypes) == 0 {
			tc.AllowedTypes = slices.Clone(def.AllowedTypes)
		}
		for i, ext := range tc.AllowedTypes {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			tc.AllowedTypes[i] = ext
		}
		if tc.MaxSize <= 0 {
			tc.MaxSize = def.MaxSize
		}
		if tc.MaxFiles <= 0 {
			tc.MaxFiles = def.MaxFiles
		}
		if tc.ChunkSize <= 0 {
			tc.ChunkSize = def.ChunkSize
		}
		if tc.ChunkRetryTimes <= 0 {
			tc.ChunkRetryTimes = def.ChunkRetryTimes
		}
		if tc.ChunkTimeout <= 0 {
			tc.ChunkTimeout = def.ChunkTimeout
		}
		if tc.EnableChunking == nil {
			tc.EnableChunking = def.EnableChunking
		}
	}
}

// Layout resolves the per-type configuration into absolute directories.
func (c *Config) Layout() (media.Layout, error) {
	layout := make(media.Layout, len(media.FileTypes))
	for _, t := range media.FileTypes {
		tc := c.typeConfig(t)
		target, err := filepath.Abs(tc.TargetDir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s target dir: %w", t, err)
		}
		temp, err := filepath.Abs(tc.TempDir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s temp dir: %w", t, err)
		}
		layout[t] = media.TypeSpec{
			Type:            t,
			TargetDir:       target,
			TempDir:         temp,
			AllowedExts:     tc.AllowedTypes,
			MaxSize:         tc.MaxSize,
			MaxFiles:        tc.MaxFiles,
			ChunkSize:       tc.ChunkSize,
			ChunkRetryTimes: tc.ChunkRetryTimes,
			ChunkTimeout:    tc.ChunkTimeout,
			EnableChunking:  tc.EnableChunking != nil && *tc.EnableChunking,
		}
	}
	return layout, nil
}

// Load reads the YAML file at path, applies environment overrides and fills
// in the per-type defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate rejects combinations that break the upload core at runtime.
// Redis locks are not renewed, so a merge must finish within lock_ttl or
// a sweeper could take the lock and delete fragments still being read.
func (c *Config) validate() error {
	if c.Redis.Enabled && c.Upload.MergeTimeout >= c.Upload.LockTTL {
		return fmt.Errorf("upload.merge_timeout (%s) must be shorter than upload.lock_ttl (%s) when redis is enabled",
			c.Upload.MergeTimeout, c.Upload.LockTTL)
	}
	return nil
}

func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")

	if configPath == "" {
		flagPath := pflag.StringP("config", "c", "", "Path to config file")
		pflag.Parse()
		configPath = *flagPath

		if configPath == "" {
			log.Fatal("config path must be provided")
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	return cfg
}
