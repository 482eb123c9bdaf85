// Package config loads and validates fnscraper configuration via Viper.
//
// Configuration arrives as one or more named sources (files, or inherited
// descriptors when the scheduler launches a child) merged in order, with
// FNSCRAPER_* environment variables layered on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FNSCRAPER_GLOBAL_SCRAPER_DB.
const EnvPrefix = "FNSCRAPER"

// Storage and publisher backends accepted by Validate.
const (
	StorageS3     = "s3"
	StorageGCS    = "gcs"
	StorageLocal  = "local"
	StorageMemory = "memory"

	PublisherAMQP   = "amqp"
	PublisherPubSub = "pubsub"
	PublisherNATS   = "nats"
	PublisherFile   = "file"
	PublisherNone   = "none"
)

// Source is one named blob of configuration. The name's extension selects the format.
type Source struct {
	Name string
	Data []byte
}

// Config captures every knob loaded via Viper.
type Config struct {
	Global       GlobalConfig               `mapstructure:"global"`
	ScraperUtils ScraperUtilsConfig         `mapstructure:"scraperutils"`
	Publisher    PublisherConfig            `mapstructure:"publisher"`
	HTTP         HTTPConfig                 `mapstructure:"http"`
	Logging      LoggingConfig              `mapstructure:"logging"`
	Telemetry    TelemetryConfig            `mapstructure:"telemetry"`
	Scheduler    map[string]SchedulerConfig `mapstructure:"scheduler"`
	// Scrapers holds per-scraper options passed through untouched.
	Scrapers map[string]map[string]any `mapstructure:"scrapers"`

	// Sources are the inputs Load merged, kept so a scheduler can hand them to children.
	Sources []Source `mapstructure:"-"`
}

// GlobalConfig holds shared endpoints.
type GlobalConfig struct {
	ScraperDB         string        `mapstructure:"scraper_db"`
	DocServiceURL     string        `mapstructure:"doc_service_url"`
	DocServiceTimeout time.Duration `mapstructure:"doc_service_timeout"`
	MetadataURL       string        `mapstructure:"metadata_url"`
	AMQPURL           string        `mapstructure:"amqp_url"`
	RedisURL          string        `mapstructure:"redis_url"`
	NATSURL           string        `mapstructure:"nats_url"`
}

// ScraperUtilsConfig configures document storage.
type ScraperUtilsConfig struct {
	AWS              AWSConfig `mapstructure:"aws"`
	FileUploadBucket string    `mapstructure:"file_upload_bucket"`
	TempDir          string    `mapstructure:"tempdir"`
	StorageBackend   string    `mapstructure:"storage_backend"`
	LocalStorageDir  string    `mapstructure:"local_storage_dir"`
}

// AWSConfig carries S3 client settings. Empty credentials fall back to the default chain.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// PublisherConfig selects and tunes the record transport.
type PublisherConfig struct {
	Backend    string `mapstructure:"backend"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	FileSink   string `mapstructure:"file_sink"`
	// Mirror also appends every message to FileSink when Backend is not file.
	Mirror            bool   `mapstructure:"mirror"`
	BatchSize         int    `mapstructure:"batch_size"`
	GCPProject        string `mapstructure:"gcp_project"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`
}

// HTTPConfig configures the shared scraper HTTP client.
type HTTPConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	UserAgent           string        `mapstructure:"user_agent"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	Burst               int           `mapstructure:"burst"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	// SharedLimit caps requests per host per SharedWindow across processes (needs global.redis_url).
	SharedLimit  int64         `mapstructure:"shared_limit"`
	SharedWindow time.Duration `mapstructure:"shared_window"`
}

// LoggingConfig toggles zap development features and sets the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the process for traces and exposes metrics.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	// ProjectID enables span export to Google Cloud Trace.
	ProjectID string `mapstructure:"project_id"`
}

// SchedulerConfig is one named scheduler worker.
type SchedulerConfig struct {
	Scrapers       []string      `mapstructure:"scrapers"`
	Parts          int           `mapstructure:"parts"`
	MyPart         int           `mapstructure:"mypart"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	SmoothingAlpha float64       `mapstructure:"smoothing_alpha"`
	AdminAddr      string        `mapstructure:"admin_addr"`
	// AdminAPIKey, when set, is required as X-API-Key on admin requests.
	AdminAPIKey string              `mapstructure:"admin_api_key"`
	ScraperArgs map[string][]string `mapstructure:"scraper_args"`
}

// ReadFile loads a Source from disk, named by the file's base name.
func ReadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Source{Name: filepath.Base(path), Data: data}, nil
}

// ParseFDSpec splits "<fd>:<name>" as passed to --config-from-fd.
func ParseFDSpec(spec string) (int, string, error) {
	fdText, name, ok := strings.Cut(spec, ":")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("config fd %q: want <fd>:<name>", spec)
	}
	fd, err := strconv.Atoi(fdText)
	if err != nil || fd < 0 {
		return 0, "", fmt.Errorf("config fd %q: bad descriptor", spec)
	}
	return fd, name, nil
}

// FromFD reads a Source from an inherited descriptor and closes it.
func FromFD(spec string) (Source, error) {
	fd, name, err := ParseFDSpec(spec)
	if err != nil {
		return Source{}, err
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return Source{}, fmt.Errorf("config fd %d is not open", fd)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Source{}, fmt.Errorf("read config fd %d: %w", fd, err)
	}
	return Source{Name: name, Data: data}, nil
}

// Load merges sources in order over the defaults, applies env overrides and validates.
func Load(sources ...Source) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, src := range sources {
		v.SetConfigType(formatOf(src.Name))
		if err := v.MergeConfig(bytes.NewReader(src.Data)); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", src.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Sources = append([]Source(nil), sources...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func formatOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.scraper_db", "")
	v.SetDefault("global.doc_service_url", "")
	v.SetDefault("global.doc_service_timeout", 5*time.Minute)
	v.SetDefault("global.metadata_url", "")
	v.SetDefault("global.amqp_url", "")
	v.SetDefault("global.redis_url", "")
	v.SetDefault("global.nats_url", "")
	v.SetDefault("scraperutils.aws.region", "us-east-1")
	v.SetDefault("scraperutils.aws.endpoint", "")
	v.SetDefault("scraperutils.aws.access_key_id", "")
	v.SetDefault("scraperutils.aws.secret_access_key", "")
	v.SetDefault("scraperutils.aws.path_style", false)
	v.SetDefault("scraperutils.file_upload_bucket", "")
	v.SetDefault("scraperutils.tempdir", os.TempDir())
	v.SetDefault("scraperutils.storage_backend", StorageLocal)
	v.SetDefault("scraperutils.local_storage_dir", "")
	v.SetDefault("publisher.backend", PublisherFile)
	v.SetDefault("publisher.exchange", "scraper_output")
	v.SetDefault("publisher.routing_key", "documents")
	v.SetDefault("publisher.file_sink", "fnscraper.msgs")
	v.SetDefault("publisher.mirror", false)
	v.SetDefault("publisher.batch_size", 100)
	v.SetDefault("publisher.gcp_project", "")
	v.SetDefault("publisher.nats_subject_prefix", "")
	v.SetDefault("http.timeout", 60*time.Second)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_idle_conns_per_host", 8)
	v.SetDefault("http.shared_limit", 0)
	v.SetDefault("http.shared_window", time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "fnscraper")
	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	switch c.ScraperUtils.StorageBackend {
	case StorageS3, StorageGCS:
		if c.ScraperUtils.FileUploadBucket == "" {
			return fmt.Errorf("scraperutils.file_upload_bucket is required for %s storage", c.ScraperUtils.StorageBackend)
		}
	case StorageLocal, StorageMemory:
	default:
		return fmt.Errorf("scraperutils.storage_backend %q is not one of s3, gcs, local, memory", c.ScraperUtils.StorageBackend)
	}

	switch c.Publisher.Backend {
	case PublisherAMQP:
		if c.Global.AMQPURL == "" {
			return errors.New("global.amqp_url is required for the amqp publisher")
		}
	case PublisherPubSub:
		if c.Publisher.GCPProject == "" {
			return errors.New("publisher.gcp_project is required for the pubsub publisher")
		}
	case PublisherNATS:
		if c.Global.NATSURL == "" {
			return errors.New("global.nats_url is required for the nats publisher")
		}
	case PublisherFile:
		if c.Publisher.FileSink == "" {
			return errors.New("publisher.file_sink is required for the file publisher")
		}
	case PublisherNone:
	default:
		return fmt.Errorf("publisher.backend %q is not one of amqp, pubsub, nats, file, none", c.Publisher.Backend)
	}
	if c.Publisher.BatchSize <= 0 {
		return errors.New("publisher.batch_size must be > 0")
	}

	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return errors.New("http.max_attempts must be > 0")
	}
	if c.HTTP.SharedLimit > 0 && c.Global.RedisURL == "" {
		return errors.New("global.redis_url is required when http.shared_limit is set")
	}
	if c.Global.DocServiceTimeout <= 0 {
		return errors.New("global.doc_service_timeout must be > 0")
	}

	for name, sc := range c.Scheduler {
		if err := sc.validate(); err != nil {
			return fmt.Errorf("scheduler.%s: %w", name, err)
		}
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if s.Parts < 0 {
		return errors.New("parts must be >= 0")
	}
	if s.Parts > 0 && (s.MyPart < 0 || s.MyPart >= s.Parts) {
		return fmt.Errorf("mypart %d outside [0, %d)", s.MyPart, s.Parts)
	}
	if s.MaxConcurrent < 0 {
		return errors.New("max_concurrent must be >= 0")
	}
	if s.SmoothingAlpha < 0 || s.SmoothingAlpha > 1 {
		return errors.New("smoothing_alpha must be within [0, 1]")
	}
	return nil
}

// SchedulerNamed returns the scheduler section for name.
func (c *Config) SchedulerNamed(name string) (SchedulerConfig, error) {
	sc, ok := c.Scheduler[strings.ToLower(name)]
	if !ok {
		return SchedulerConfig{}, fmt.Errorf("no scheduler.%s section in config", name)
	}
	return sc, nil
}

// ScraperOptions returns the opaque options for one scraper, never nil.
func (c *Config) ScraperOptions(name string) map[string]any {
	if opts, ok := c.Scrapers[strings.ToLower(name)]; ok && opts != nil {
		return opts
	}
	return map[string]any{}
}

// LocalStorageDir resolves the local object directory, defaulting under tempdir.
func (c *Config) LocalStorageDir() string {
	if c.ScraperUtils.LocalStorageDir != "" {
		return c.ScraperUtils.LocalStorageDir
	}
	return filepath.Join(c.ScraperUtils.TempDir, "fnscraper-objects")
}
