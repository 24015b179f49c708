package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MetaDirName              = "meta"
	DefaultTrustedUserHeader = "X-Parley-User"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

type Storage struct {
	Path          string `yaml:"path"`
	TmpPath       string `yaml:"tmpPath,omitempty"` // defaults to <path>/.tmp
	Atomic        bool   `yaml:"atomic"`            // rename on publish; false copies and verifies
	MaxObjectSize int64  `yaml:"maxObjectSize"`     // bytes, 0 is unlimited
	VerifyOnRead  bool   `yaml:"verifyOnRead"`
}

type Cache struct {
	StandardTTL time.Duration `yaml:"standardTTL"`
}

type SessionsConfig struct {
	PingInterval             time.Duration `yaml:"pingInterval"`
	WriteWait                time.Duration `yaml:"writeWait"`
	SendBufferSize           int           `yaml:"sendBufferSize"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	MaxMessageSize           int64         `yaml:"maxMessageSize"`
	RegistryShards           int           `yaml:"registryShards"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Files    RateLimiterConfig `yaml:"files"`
	Messages RateLimiterConfig `yaml:"messages"`
	Sessions RateLimiterConfig `yaml:"sessions"`
	Default  RateLimiterConfig `yaml:"default"`
}

type Server struct {
	HttpBinding       string         `yaml:"httpBinding"`
	DataDir           string         `yaml:"dataDir"`
	TrustedUserHeader string         `yaml:"trustedUserHeader"`
	Logging           Logging        `yaml:"logging"`
	TLS               TLS            `yaml:"tls"`
	Storage           Storage        `yaml:"storage"`
	Cache             Cache          `yaml:"cache"`
	Sessions          SessionsConfig `yaml:"sessions"`
	RateLimiters      RateLimiters   `yaml:"rateLimiters"`
}

var (
	ErrConfigFileMissing                       = errors.New("config file is missing")
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing                      = errors.New("httpBinding is missing in config")
	ErrDataDirMissing                          = errors.New("dataDir is missing in config and is required for metadata")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrLoggingLevelInvalid                     = errors.New("logging.level must be one of debug, info, warn, error")
	ErrStoragePathMissing                      = errors.New("storage.path is missing in config")
	ErrStorageMaxObjectSizeInvalid             = errors.New("storage.maxObjectSize cannot be negative")
	ErrCacheStandardTTLMissing                 = errors.New("cache.standardTTL is missing in config")
	ErrRateLimitersFilesLimitMissing           = errors.New("rateLimiters.files.limit is missing in config")
	ErrRateLimitersMessagesLimitMissing        = errors.New("rateLimiters.messages.limit is missing in config")
	ErrRateLimitersSessionsLimitMissing        = errors.New("rateLimiters.sessions.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrSessionsPingIntervalMissing             = errors.New("sessions.pingInterval is missing or invalid in config")
	ErrSessionsSendBufferSizeMissing           = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
)

func LoadConfig(configFile string) (*Server, error) {
	data, err := os.ReadFile(configFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrConfigFileMissing
	}
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Server
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Server) applyDefaults() {
	if cfg.TrustedUserHeader == "" {
		cfg.TrustedUserHeader = DefaultTrustedUserHeader
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.TmpPath == "" && cfg.Storage.Path != "" {
		cfg.Storage.TmpPath = filepath.Join(cfg.Storage.Path, ".tmp")
	}
	if cfg.Sessions.WriteWait == 0 {
		cfg.Sessions.WriteWait = 10 * time.Second
	}
	if cfg.Sessions.MaxMessageSize == 0 {
		cfg.Sessions.MaxMessageSize = 4096
	}
	if cfg.Sessions.RegistryShards == 0 {
		cfg.Sessions.RegistryShards = 32
	}
}

func (cfg *Server) Validate() error {
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if cfg.DataDir == "" {
		return ErrDataDirMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrLoggingLevelInvalid
	}

	if cfg.Storage.Path == "" {
		return ErrStoragePathMissing
	}
	if cfg.Storage.MaxObjectSize < 0 {
		return ErrStorageMaxObjectSizeInvalid
	}

	if cfg.Cache.StandardTTL == 0 {
		return ErrCacheStandardTTLMissing
	}

	if cfg.RateLimiters.Files.Limit == 0 {
		return ErrRateLimitersFilesLimitMissing
	}
	if cfg.RateLimiters.Messages.Limit == 0 {
		return ErrRateLimitersMessagesLimitMissing
	}
	if cfg.RateLimiters.Sessions.Limit == 0 {
		return ErrRateLimitersSessionsLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Sessions.PingInterval <= 0 {
		return ErrSessionsPingIntervalMissing
	}
	if cfg.Sessions.SendBufferSize <= 0 {
		return ErrSessionsSendBufferSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}
	return nil
}

// MetaDir is where the metadata database lives.
func (cfg *Server) MetaDir() string {
	return filepath.Join(cfg.DataDir, MetaDirName)
}

func GenerateConfig() *Server {
	return &Server{
		HttpBinding:       "127.0.0.1:8450",
		DataDir:           "data/parley",
		TrustedUserHeader: DefaultTrustedUserHeader,
		Logging:           Logging{Level: "info"},
		Storage: Storage{
			Path:          "data/parley/objects",
			Atomic:        true,
			MaxObjectSize: 64 << 20,
			VerifyOnRead:  false,
		},
		Cache: Cache{
			StandardTTL: 5 * time.Minute,
		},
		Sessions: SessionsConfig{
			PingInterval:             5 * time.Second,
			WriteWait:                10 * time.Second,
			SendBufferSize:           256,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           1000,
			MaxMessageSize:           4096,
			RegistryShards:           32,
		},
		RateLimiters: RateLimiters{
			Files:    RateLimiterConfig{Limit: 5.0, Burst: 10},
			Messages: RateLimiterConfig{Limit: 20.0, Burst: 40},
			Sessions: RateLimiterConfig{Limit: 2.0, Burst: 5},
			Default:  RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
	}
}

// WriteConfig marshals cfg to path.
func WriteConfig(cfg *Server, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
