package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"

	"codelab/internal/common/cache"
	"codelab/internal/common/db"
	"codelab/internal/common/mq"
	"codelab/internal/common/storage"
	"codelab/internal/grading"
	"codelab/internal/grading/service"
	"codelab/internal/sandbox"
	"codelab/internal/sandbox/engine"
	"codelab/internal/sandbox/security"
	"codelab/internal/sandbox/spec"
	"codelab/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	ClientID        string        `yaml:"clientID"`
	MinBytes        int           `yaml:"minBytes"`
	MaxBytes        int           `yaml:"maxBytes"`
	MaxWait         time.Duration `yaml:"maxWait"`
	BatchSize       int           `yaml:"batchSize"`
	BatchTimeout    time.Duration `yaml:"batchTimeout"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequiredAcks    int           `yaml:"requiredAcks"`
	Compression     string        `yaml:"compression"`
	Topic           string        `yaml:"topic"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	MaxPoolBounces int           `yaml:"maxPoolBounces"`
	AdmitTimeout   time.Duration `yaml:"admitTimeout"`
}

// SourceConfig holds source download settings.
type SourceConfig struct {
	Bucket   string `yaml:"bucket"`
	MaxBytes int64  `yaml:"maxBytes"`
}

// ArchiveConfig holds oversized-output archival settings.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	CgroupRoot           string `yaml:"cgroupRoot"`
	SeccompDir           string `yaml:"seccompDir"`
	HelperPath           string `yaml:"helperPath"`
	StdoutStderrMaxBytes int64  `yaml:"stdoutStderrMaxBytes"`
	EnableSeccomp        bool   `yaml:"enableSeccomp"`
	EnableCgroup         bool   `yaml:"enableCgroup"`
	EnableNamespaces     bool   `yaml:"enableNamespaces"`

	Profiles []IsolationProfileConfig `yaml:"profiles"`

	WorkRoot        string        `yaml:"workRoot"`
	MaxInfraRetries int           `yaml:"maxInfraRetries"`
	InfraRetryDelay time.Duration `yaml:"infraRetryDelay"`

	DefaultWallTimeMs int64 `yaml:"defaultWallTimeMs"`
	DefaultPIDs       int64 `yaml:"defaultPIDs"`
	DefaultOutputMB   int64 `yaml:"defaultOutputMB"`
}

// IsolationProfileConfig defines one named isolation profile. RootFS is
// the directory the jail chroots into, remounted read-only with only
// the scratch dir writable. SeccompProfile is the syscall filter file,
// resolved against sandbox.seccompDir when relative. Network is always
// disabled inside the jail.
type IsolationProfileConfig struct {
	Name           string `yaml:"name"`
	RootFS         string `yaml:"rootFS"`
	SeccompProfile string `yaml:"seccompProfile"`
}

// GradingConfig holds orchestrator settings.
type GradingConfig struct {
	WatchdogMultiplier float64       `yaml:"watchdogMultiplier"`
	WatchdogFloor      time.Duration `yaml:"watchdogFloor"`
	GraceSec           float64       `yaml:"graceSec"`
}

// LanguageConfig points at the language definition file. When empty,
// only the built-in languages are available.
type LanguageConfig struct {
	File string `yaml:"file"`
}

// AppConfig holds grader-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Worker   WorkerConfig        `yaml:"worker"`
	Source   SourceConfig        `yaml:"source"`
	Archive  ArchiveConfig       `yaml:"archive"`
	Sandbox  SandboxConfig       `yaml:"sandbox"`
	Grading  GradingConfig       `yaml:"grading"`
	Language LanguageConfig      `yaml:"language"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "grade.submit"
	}
	if cfg.Kafka.DeadLetterTopic == "" {
		cfg.Kafka.DeadLetterTopic = "grade.dead"
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = cfg.MinIO.Bucket
	}
	if err := cfg.Sandbox.validateProfiles(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateProfiles checks the profile set at startup. Every run selects
// the "default" profile, so a missing or underspecified one would
// otherwise only surface when the first submission fails.
func (s SandboxConfig) validateProfiles() error {
	def, ok := s.toIsolationProfiles()["default"]
	if !ok {
		return fmt.Errorf("sandbox.profiles must define a %q profile", "default")
	}
	if s.EnableNamespaces && def.RootFS == "" {
		return fmt.Errorf("sandbox default profile requires rootFS when namespaces are enabled")
	}
	if s.EnableSeccomp && def.SeccompProfile == "" {
		return fmt.Errorf("sandbox default profile requires seccompProfile when seccomp is enabled")
	}
	return nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toIsolationProfiles() map[string]security.IsolationProfile {
	out := make(map[string]security.IsolationProfile, len(s.Profiles))
	for _, p := range s.Profiles {
		if p.Name == "" {
			continue
		}
		out[p.Name] = security.IsolationProfile{
			RootFS:         p.RootFS,
			SeccompProfile: p.SeccompProfile,
			DisableNetwork: true,
		}
	}
	return out
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:           s.CgroupRoot,
		SeccompDir:           s.SeccompDir,
		HelperPath:           s.HelperPath,
		StdoutStderrMaxBytes: s.StdoutStderrMaxBytes,
		EnableSeccomp:        s.EnableSeccomp,
		EnableCgroup:         s.EnableCgroup,
		EnableNamespaces:     s.EnableNamespaces,
	}
}

func (s SandboxConfig) toManagerConfig() sandbox.ManagerConfig {
	return sandbox.ManagerConfig{
		WorkRoot: s.WorkRoot,
		DefaultLimits: spec.ResourceLimit{
			WallTimeMs: s.DefaultWallTimeMs,
			PIDs:       s.DefaultPIDs,
			OutputMB:   s.DefaultOutputMB,
		},
		MaxInfraRetries: s.MaxInfraRetries,
		InfraRetryDelay: s.InfraRetryDelay,
	}
}

func (g GradingConfig) toOrchestratorConfig() grading.Config {
	return grading.Config{
		WatchdogMultiplier: g.WatchdogMultiplier,
		WatchdogFloor:      g.WatchdogFloor,
		GraceSec:           g.GraceSec,
	}
}

func (w WorkerConfig) toServiceConfig(k KafkaConfig, s SourceConfig) service.GradeServiceConfig {
	return service.GradeServiceConfig{
		Topic:           k.Topic,
		DeadLetterTopic: k.DeadLetterTopic,
		PoolSize:        w.PoolSize,
		MaxPoolBounces:  w.MaxPoolBounces,
		AdmitTimeout:    w.AdmitTimeout,
		SourceBucket:    s.Bucket,
		SourceMaxBytes:  s.MaxBytes,
	}
}
