// Package config loads and validates the gateway's YAML configuration
// file (§6 "Configuration keys"), with local .env overrides for secrets
// and host-specific overrides the teacher's flat env-first config loader
// would have used.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Telemetry configures logging and an optional trace sink.
type Telemetry struct {
	LogLevel  string `yaml:"log-level" validate:"required,oneof=ERROR WARN INFO DEBUG TRACE"`
	TraceSink string `yaml:"trace-sink"`
}

// HTTPConfig configures the DICOMweb HTTP surface.
type HTTPConfig struct {
	Interface          string `yaml:"interface" validate:"required"`
	Port               int    `yaml:"port" validate:"required,min=1,max=65535"`
	MaxUploadSizeBytes int64  `yaml:"max-upload-size" validate:"required,min=1"`
	RequestTimeoutMS   int    `yaml:"request-timeout" validate:"required,min=1"`
	GracefulShutdown   bool   `yaml:"graceful-shutdown"`
}

func (h HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutMS) * time.Millisecond
}

// DIMSEListener configures one store-SCP listener (§4.4).
type DIMSEListener struct {
	AET               string   `yaml:"aet" validate:"required"`
	Interface         string   `yaml:"interface" validate:"required"`
	Port              int      `yaml:"port" validate:"required,min=1,max=65535"`
	UncompressedOnly  bool     `yaml:"uncompressed-only"`
	NotifyAETs        []string `yaml:"notify-aets"`
}

// Server configures the gateway's own identity and listeners.
type Server struct {
	CallingAET string          `yaml:"calling-aet" validate:"required"`
	HTTP       HTTPConfig      `yaml:"http" validate:"required"`
	Listeners  []DIMSEListener `yaml:"listeners" validate:"dive"`
}

// Backend selects a PACS backend variant (§9 Design Notes, polymorphic
// backend). Only DIMSE is implemented as a real PACS connector; S3 and
// disabled are thin capability-set stubs (see internal/adapters).
type Backend string

const (
	BackendDIMSE    Backend = "DIMSE"
	BackendS3       Backend = "S3"
	BackendDisabled Backend = "disabled"
)

// PoolSettings configures one AET's association pool (§4.5).
type PoolSettings struct {
	Size      int `yaml:"size" validate:"required,min=1"`
	TimeoutMS int `yaml:"timeout-ms" validate:"required,min=1"`
}

func (p PoolSettings) Timeout() time.Duration { return time.Duration(p.TimeoutMS) * time.Millisecond }

// QIDOSettings configures QIDO-RS timeouts for one AET.
type QIDOSettings struct {
	TimeoutMS int `yaml:"timeout-ms" validate:"required,min=1"`
}

// WADOSettings configures WADO-RS behavior for one AET.
type WADOSettings struct {
	TimeoutMS int      `yaml:"timeout-ms" validate:"required,min=1"`
	Mode      string   `yaml:"mode" validate:"required,oneof=concurrent sequential"`
	Receivers []string `yaml:"receivers" validate:"required,min=1"`
}

// STOWSettings configures STOW-RS timeouts for one AET.
type STOWSettings struct {
	TimeoutMS int `yaml:"timeout-ms" validate:"required,min=1"`
}

// AET is one configured PACS peer and its per-service settings.
type AET struct {
	AET     string       `yaml:"aet" validate:"required"`
	Host    string       `yaml:"host" validate:"required_unless=Backend disabled"`
	Port    int          `yaml:"port" validate:"required_unless=Backend disabled,omitempty,min=1,max=65535"`
	Backend Backend      `yaml:"backend" validate:"required,oneof=DIMSE S3 disabled"`
	Pool    PoolSettings `yaml:"pool" validate:"-"`
	QIDO    QIDOSettings `yaml:"qido-rs" validate:"-"`
	WADO    WADOSettings `yaml:"wado-rs" validate:"-"`
	STOW    STOWSettings `yaml:"stow-rs" validate:"-"`
}

// Config is the gateway's full configuration (§6).
type Config struct {
	Telemetry Telemetry `yaml:"telemetry" validate:"required"`
	Server    Server    `yaml:"server" validate:"required"`
	AETs      []AET     `yaml:"aets" validate:"dive"`
}

// ByAET returns the configured AET entry for a title, or ok=false.
func (c *Config) ByAET(aet string) (AET, bool) {
	for _, a := range c.AETs {
		if a.AET == aet {
			return a, true
		}
	}
	return AET{}, false
}

// Load reads .env (if present, for secrets/host overrides) then parses
// and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints beyond what the validator tags
// express (cross-field rules such as "S3/disabled AETs don't need pool
// settings").
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, a := range c.AETs {
		if a.Backend == BackendDIMSE {
			if a.Pool.Size <= 0 {
				return fmt.Errorf("aet %s: backend DIMSE requires pool.size > 0", a.AET)
			}
			for _, s := range []any{a.Pool, a.QIDO, a.WADO, a.STOW} {
				if err := v.Struct(s); err != nil {
					return fmt.Errorf("aet %s: invalid configuration: %w", a.AET, err)
				}
			}
		}
	}
	return nil
}
