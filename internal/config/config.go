package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how the agent drives the upstream UI session.
const (
	ModeDirectChat = "direct_chat"
	ModeBattle     = "battle"
)

// ReasoningMode selects how reasoning segments are surfaced to clients.
const (
	ReasoningModeOpenAI   = "openai"
	ReasoningModeThinkTag = "think_tag"
)

// Config is the validated runtime configuration of the bridge. Every field
// has an explicit default; unknown YAML keys are ignored with a warning.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Default resolver tuple, used when a model has no endpoint mapping.
	SessionID string `yaml:"session_id"`
	MessageID string `yaml:"message_id"`

	// id_updater state: default mode and battle participant side.
	IDUpdaterLastMode     string `yaml:"id_updater_last_mode"`
	IDUpdaterBattleTarget string `yaml:"id_updater_battle_target"`

	UseDefaultIDsIfMappingNotFound bool `yaml:"use_default_ids_if_mapping_not_found"`

	// Optional bearer key for /v1 endpoints.
	APIKey string `yaml:"api_key"`

	// Disconnect-recovery policy.
	EnableAutoRetry     bool `yaml:"enable_auto_retry"`
	RetryTimeoutSeconds int  `yaml:"retry_timeout_seconds"`

	EmptyResponseRetry EmptyResponseRetry `yaml:"empty_response_retry"`

	// Stream behavior.
	StreamResponseTimeoutSeconds int  `yaml:"stream_response_timeout_seconds"`
	EnableReasoning              bool `yaml:"enable_reasoning"`
	ReasoningOutputMode          string `yaml:"reasoning_output_mode"`
	PreserveStreaming            bool `yaml:"preserve_streaming"`
	StripReasoningFromHistory    bool `yaml:"strip_reasoning_from_history"`

	// Moderation bypass.
	BypassEnabled                bool            `yaml:"bypass_enabled"`
	BypassSettings               map[string]bool `yaml:"bypass_settings"`
	BypassInjection              BypassInjection `yaml:"bypass_injection"`
	ImageAttachmentBypassEnabled bool            `yaml:"image_attachment_bypass_enabled"`

	TavernModeEnabled bool `yaml:"tavern_mode_enabled"`

	// Image handling.
	SaveImagesLocally bool            `yaml:"save_images_locally"`
	ImageSaveDir      string          `yaml:"image_save_dir"`
	LocalSaveFormat   LocalSaveFormat `yaml:"local_save_format"`
	ImageReturnFormat ImageReturn     `yaml:"image_return_format"`

	// File bed.
	FileBedEnabled           bool              `yaml:"file_bed_enabled"`
	FileBedSelectionStrategy string            `yaml:"file_bed_selection_strategy"`
	FileBedEndpoints         []FileBedEndpoint `yaml:"file_bed_endpoints"`

	// Download pool.
	MaxConcurrentDownloads int             `yaml:"max_concurrent_downloads"`
	DownloadTimeout        DownloadTimeout `yaml:"download_timeout"`
	ConnectionPool         ConnectionPool  `yaml:"connection_pool"`

	MemoryManagement       MemoryManagement `yaml:"memory_management"`
	MetadataTimeoutMinutes int              `yaml:"metadata_timeout_minutes"`

	ShowRetryInfoToClient bool `yaml:"show_retry_info_to_client"`

	// Registry files.
	ModelsPath      string `yaml:"models_path"`
	EndpointMapPath string `yaml:"model_endpoint_map_path"`

	// Logging.
	LogFile    string `yaml:"log_file"`
	LogDir     string `yaml:"log_dir"`
	StatsPath  string `yaml:"stats_path"`

	// Usage ledger.
	Ledger Ledger `yaml:"ledger"`
}

// EmptyResponseRetry is the agent-side retry contract for empty upstream streams.
type EmptyResponseRetry struct {
	Enabled               bool `yaml:"enabled"`
	MaxRetries            int  `yaml:"max_retries"`
	BaseDelayMs           int  `yaml:"base_delay_ms"`
	MaxDelayMs            int  `yaml:"max_delay_ms"`
	ShowRetryInfoToClient bool `yaml:"show_retry_info_to_client"`
}

// BypassInjection selects the template appended when bypass applies.
type BypassInjection struct {
	ActivePreset string                   `yaml:"active_preset"`
	Presets      map[string]BypassPreset  `yaml:"presets"`
	Custom       *BypassPreset            `yaml:"custom"`
}

// BypassPreset is one injectable message template.
type BypassPreset struct {
	Role                string `yaml:"role"`
	Content             string `yaml:"content"`
	ParticipantPosition string `yaml:"participant_position"`
}

// LocalSaveFormat controls conversion of locally archived images.
type LocalSaveFormat struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // original|png|jpeg|webp
}

// ImageReturn controls how generated images are returned to clients.
type ImageReturn struct {
	Mode string `yaml:"mode"` // url|base64
}

// FileBedEndpoint describes one upload target.
type FileBedEndpoint struct {
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Enabled        bool              `yaml:"enabled"`
	FormFileField  string            `yaml:"form_file_field"`
	FormDataFields map[string]string `yaml:"form_data_fields"`
	ResponseType   string            `yaml:"response_type"` // json|text
	JSONURLKey     string            `yaml:"json_url_key"`
	APIKey         string            `yaml:"api_key"`
	APIKeyField    string            `yaml:"api_key_field"`
}

// DownloadTimeout bounds a single image download attempt.
type DownloadTimeout struct {
	ConnectSeconds  int `yaml:"connect"`
	SockReadSeconds int `yaml:"sock_read"`
	TotalSeconds    int `yaml:"total"`
	MaxRetries      int `yaml:"max_retries"`
}

// ConnectionPool configures the shared download HTTP client.
type ConnectionPool struct {
	TotalLimit       int `yaml:"total_limit"`
	PerHostLimit     int `yaml:"per_host_limit"`
	KeepaliveTimeout int `yaml:"keepalive_timeout"`
	DNSCacheTTL      int `yaml:"dns_cache_ttl"`
}

// MemoryManagement bounds the in-process caches.
type MemoryManagement struct {
	GCThresholdMB        int `yaml:"gc_threshold_mb"`
	ImageCacheMaxSize    int `yaml:"image_cache_max_size"`
	ImageCacheTTLSeconds int `yaml:"image_cache_ttl_seconds"`
}

// Ledger selects the usage ledger backend.
type Ledger struct {
	Driver string `yaml:"driver"` // sqlite|postgres|none
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// Default returns a Config with every recognized key at its documented default.
func Default() Config {
	return Config{
		ListenAddr:                     "127.0.0.1:5102",
		IDUpdaterLastMode:              ModeDirectChat,
		IDUpdaterBattleTarget:          "A",
		UseDefaultIDsIfMappingNotFound: true,
		EnableAutoRetry:                true,
		RetryTimeoutSeconds:            60,
		EmptyResponseRetry: EmptyResponseRetry{
			Enabled:     true,
			MaxRetries:  5,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		StreamResponseTimeoutSeconds: 360,
		ReasoningOutputMode:          ReasoningModeOpenAI,
		PreserveStreaming:            true,
		StripReasoningFromHistory:    true,
		BypassInjection: BypassInjection{
			ActivePreset: "default",
			Presets: map[string]BypassPreset{
				"default": {Role: "user", Content: " ", ParticipantPosition: "a"},
			},
		},
		SaveImagesLocally:        true,
		ImageSaveDir:             "downloaded_images",
		LocalSaveFormat:          LocalSaveFormat{Format: "original"},
		ImageReturnFormat:        ImageReturn{Mode: "url"},
		FileBedSelectionStrategy: "random",
		MaxConcurrentDownloads:   50,
		DownloadTimeout: DownloadTimeout{
			ConnectSeconds:  5,
			SockReadSeconds: 10,
			TotalSeconds:    30,
			MaxRetries:      2,
		},
		ConnectionPool: ConnectionPool{
			TotalLimit:       200,
			PerHostLimit:     50,
			KeepaliveTimeout: 30,
			DNSCacheTTL:      300,
		},
		MemoryManagement: MemoryManagement{
			GCThresholdMB:        500,
			ImageCacheMaxSize:    1000,
			ImageCacheTTLSeconds: 3600,
		},
		MetadataTimeoutMinutes: 30,
		ModelsPath:             "models.json",
		EndpointMapPath:        "model_endpoint_map.json",
		LogDir:                 "logs",
		StatsPath:              "logs/stats_snapshot.json",
		Ledger:                 Ledger{Driver: "sqlite", Path: "usage.db"},
	}
}

// Load reads the YAML config at path, applies environment overrides, and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		} else {
			strict := yaml.NewDecoder(strings.NewReader(string(raw)))
			strict.KnownFields(true)
			var probe Config
			if err := strict.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
				log.Printf("[WARN] config %s: %v", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = firstNonEmpty(os.Getenv("LUMABRIDGE_LISTEN_ADDR"), cfg.ListenAddr)
	cfg.APIKey = firstNonEmpty(os.Getenv("LUMABRIDGE_API_KEY"), cfg.APIKey)
	cfg.SessionID = firstNonEmpty(os.Getenv("LUMABRIDGE_SESSION_ID"), cfg.SessionID)
	cfg.MessageID = firstNonEmpty(os.Getenv("LUMABRIDGE_MESSAGE_ID"), cfg.MessageID)
	cfg.Ledger.Driver = firstNonEmpty(os.Getenv("LUMABRIDGE_LEDGER_DRIVER"), cfg.Ledger.Driver)
	cfg.Ledger.DSN = firstNonEmpty(os.Getenv("LUMABRIDGE_LEDGER_DSN"), cfg.Ledger.DSN)
	if v := os.Getenv("LUMABRIDGE_ENABLE_AUTO_RETRY"); v != "" {
		cfg.EnableAutoRetry = parseBool(v)
	}
	if v := os.Getenv("LUMABRIDGE_RETRY_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RetryTimeoutSeconds = parsed
		}
	}
}

// Validate rejects combinations that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.IDUpdaterLastMode {
	case ModeDirectChat, ModeBattle:
	default:
		return fmt.Errorf("invalid id_updater_last_mode %q", c.IDUpdaterLastMode)
	}
	switch strings.ToUpper(c.IDUpdaterBattleTarget) {
	case "A", "B":
		c.IDUpdaterBattleTarget = strings.ToUpper(c.IDUpdaterBattleTarget)
	default:
		return fmt.Errorf("invalid id_updater_battle_target %q", c.IDUpdaterBattleTarget)
	}
	switch c.ReasoningOutputMode {
	case ReasoningModeOpenAI, ReasoningModeThinkTag:
	default:
		return fmt.Errorf("invalid reasoning_output_mode %q", c.ReasoningOutputMode)
	}
	switch c.FileBedSelectionStrategy {
	case "random", "round_robin", "failover":
	default:
		return fmt.Errorf("invalid file_bed_selection_strategy %q", c.FileBedSelectionStrategy)
	}
	if c.FileBedEnabled && len(c.FileBedEndpoints) == 0 {
		return errors.New("file_bed_enabled requires at least one entry in file_bed_endpoints")
	}
	switch c.ImageReturnFormat.Mode {
	case "url", "base64":
	default:
		return fmt.Errorf("invalid image_return_format.mode %q", c.ImageReturnFormat.Mode)
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("invalid ledger.driver %q", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "postgres" && strings.TrimSpace(c.Ledger.DSN) == "" {
		return errors.New("ledger.driver=postgres requires ledger.dsn")
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 50
	}
	if c.RetryTimeoutSeconds <= 0 {
		c.RetryTimeoutSeconds = 60
	}
	if c.StreamResponseTimeoutSeconds <= 0 {
		c.StreamResponseTimeoutSeconds = 360
	}
	if c.MetadataTimeoutMinutes <= 0 {
		c.MetadataTimeoutMinutes = 30
	}
	return nil
}

// StreamTimeout returns the per-channel read deadline.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamResponseTimeoutSeconds) * time.Second
}

// RetryTimeout returns how long a parked request waits for reconnection.
func (c *Config) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutSeconds) * time.Second
}

// MetadataTimeout returns the sweep age for abandoned request metadata.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.MetadataTimeoutMinutes) * time.Minute
}

// ActiveBypassPreset resolves the preset referenced by bypass_injection,
// falling back to the custom template and finally the built-in default.
func (c *Config) ActiveBypassPreset() BypassPreset {
	if preset, ok := c.BypassInjection.Presets[c.BypassInjection.ActivePreset]; ok {
		return preset
	}
	if c.BypassInjection.Custom != nil {
		return *c.BypassInjection.Custom
	}
	return BypassPreset{Role: "user", Content: " ", ParticipantPosition: "a"}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
