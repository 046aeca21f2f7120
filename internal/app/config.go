package app

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/lifecycle"
	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/scoring"
)

type HeaderConfig struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

type GSheetConfig struct {
	Subject         string `toml:"subject"`
	Assessment      string `toml:"assessment"`
	CredentialsPath string `toml:"credentials_path"`
	SheetID         string `toml:"sheet_id"`
	SheetName       string `toml:"sheet_name"`
	StudentsRange   string `toml:"students_range"`
	FirstRow        int    `toml:"first_row"`
	FirstColumn     string `toml:"first_column"`
	TimestampRange  string `toml:"timestamp_range"`
	Schedule        string `toml:"schedule"`
}

func (c GSheetConfig) SheetKey() (models.SheetKey, error) {
	kind, err := models.ParseAssessmentKind(c.Assessment)
	if err != nil {
		return models.SheetKey{}, err
	}
	if c.Subject == "" {
		return models.SheetKey{}, fmt.Errorf("subject is required")
	}
	return models.SheetKey{Assessment: kind, Subject: c.Subject}, nil
}

type Config struct {
	Server struct {
		Port       string `toml:"port"`
		EnableAuth bool   `toml:"enable_auth"`
	} `toml:"server"`

	Auth struct {
		RedisURL         string `toml:"redis_url"`
		TokenHeader      string `toml:"token_header"`
		TokenKeyTemplate string `toml:"token_key_template"`
	} `toml:"auth"`

	API struct {
		StaffIDHeader   string         `toml:"staff_id_header"`
		RequiredHeaders []HeaderConfig `toml:"required_headers"`
	} `toml:"api"`

	Database struct {
		DSN           string `toml:"dsn"`
		MigrationsDir string `toml:"migrations_dir"`
	} `toml:"database"`

	Redis struct {
		URL                 string `toml:"url"`
		EventsChannel       string `toml:"events_channel"`
		SnapshotKeyTemplate string `toml:"snapshot_key_template"`
		ConsumedKeyTemplate string `toml:"consumed_key_template"`
	} `toml:"redis"`

	Polling struct {
		PublishWindow string `toml:"publish_window"`
		MarkTableLock string `toml:"mark_table_lock"`
		EditWindows   string `toml:"edit_windows"`
	} `toml:"polling"`

	Lifecycle struct {
		AutosaveDebounce    string `toml:"autosave_debounce"`
		SyncInitialInterval string `toml:"sync_initial_interval"`
		SyncMaxInterval     string `toml:"sync_max_interval"`
		SyncMaxTries        uint   `toml:"sync_max_tries"`
		ApprovalTTL         string `toml:"approval_ttl"`
		ExpirySweep         string `toml:"expiry_sweep"`
	} `toml:"lifecycle"`

	Defaults map[string]scoring.Variant `toml:"defaults"`

	GSheet map[string][]GSheetConfig `toml:"gsheet"`

	Client struct {
		BaseURL            string `toml:"base_url"`
		Staff              string `toml:"staff"`
		Token              string `toml:"token"`
		Timeout            string `toml:"timeout"`
		TeachingAssignment string `toml:"teaching_assignment"`
	} `toml:"client"`

	Bot struct {
		Token    string  `toml:"token"`
		AdminIDs []int64 `toml:"admin_ids"`
		Staff    string  `toml:"staff"`
	} `toml:"bot"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return ParseConfig(path, data)
}

func ParseConfig(path string, data []byte) (*Config, error) {
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf(
			"error reading config file %s\n> Error: %w\n> Content:\n%s",
			path,
			err,
			string(data),
		)
	}

	if config.Server.Port == "" {
		return nil, fmt.Errorf("Server port is not specified in config, use a value like :9999")
	}
	if config.API.StaffIDHeader == "" {
		config.API.StaffIDHeader = "X-Staff-Id"
	}
	if config.Auth.TokenHeader == "" {
		config.Auth.TokenHeader = "Authorization"
	}
	if config.Auth.TokenKeyTemplate == "" {
		config.Auth.TokenKeyTemplate = "auth:{staff}"
	}
	if config.Database.MigrationsDir == "" {
		config.Database.MigrationsDir = "./migrations"
	}

	for name, value := range map[string]string{
		"polling.publish_window":          config.Polling.PublishWindow,
		"polling.mark_table_lock":         config.Polling.MarkTableLock,
		"polling.edit_windows":            config.Polling.EditWindows,
		"lifecycle.autosave_debounce":     config.Lifecycle.AutosaveDebounce,
		"lifecycle.sync_initial_interval": config.Lifecycle.SyncInitialInterval,
		"lifecycle.sync_max_interval":     config.Lifecycle.SyncMaxInterval,
		"lifecycle.approval_ttl":          config.Lifecycle.ApprovalTTL,
		"lifecycle.expiry_sweep":          config.Lifecycle.ExpirySweep,
		"client.timeout":                  config.Client.Timeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	if _, err := scoring.NewRegistry(config.Defaults); err != nil {
		return nil, fmt.Errorf("invalid assessment defaults: %w", err)
	}

	logger.Debug.Printf("Loaded assessment defaults for %d kinds", len(config.Defaults))

	return &config, nil
}

// duration parses a value already checked by ParseConfig, falling back to def when unset.
func duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) Registry() (*scoring.Registry, error) {
	return scoring.NewRegistry(c.Defaults)
}

func (c *Config) PollIntervals() lifecycle.PollIntervals {
	def := lifecycle.DefaultPollIntervals()
	return lifecycle.PollIntervals{
		PublishWindow: duration(c.Polling.PublishWindow, def.PublishWindow),
		MarkTableLock: duration(c.Polling.MarkTableLock, def.MarkTableLock),
		EditWindows:   duration(c.Polling.EditWindows, def.EditWindows),
	}
}

func (c *Config) SyncConfig() lifecycle.SyncConfig {
	def := lifecycle.DefaultSyncConfig()
	cfg := lifecycle.SyncConfig{
		InitialInterval: duration(c.Lifecycle.SyncInitialInterval, def.InitialInterval),
		MaxInterval:     duration(c.Lifecycle.SyncMaxInterval, def.MaxInterval),
		MaxTries:        c.Lifecycle.SyncMaxTries,
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	return cfg
}

func (c *Config) AutosaveDebounce() time.Duration {
	return duration(c.Lifecycle.AutosaveDebounce, 700*time.Millisecond)
}

// ApprovalTTL is how long an approval stays valid when the reviewer gives no duration.
func (c *Config) ApprovalTTL() time.Duration {
	return duration(c.Lifecycle.ApprovalTTL, 2*time.Hour)
}

func (c *Config) ExpirySweep() time.Duration {
	return duration(c.Lifecycle.ExpirySweep, time.Minute)
}

func (c *Config) ClientTimeout() time.Duration {
	return duration(c.Client.Timeout, 10*time.Second)
}
