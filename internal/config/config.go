package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is applied to every key, e.g. LAUNCHLINE_TASK_API_ACCESS_TOKEN.
const EnvPrefix = "LAUNCHLINE"

// Config is the service configuration. It is built once by Load and injected
// into components; nothing reads the environment after that.
type Config struct {
	Workspace string        `mapstructure:"workspace"`
	Server    ServerConfig  `mapstructure:"server"`
	TaskAPI   TaskAPIConfig `mapstructure:"task_api"`
	Webhook   WebhookConfig `mapstructure:"webhook"`
	Sync      SyncConfig    `mapstructure:"sync"`
	Log       LogConfig     `mapstructure:"log"`

	keyring Keyring
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	BasePath  string `mapstructure:"base_path"`
	JWTSecret Secret `mapstructure:"jwt_secret"`
}

type TaskAPIConfig struct {
	BaseURL            string           `mapstructure:"base_url"`
	AccessToken        Secret           `mapstructure:"access_token"`
	WorkspaceID        string           `mapstructure:"workspace_id"`
	DefaultContainerID string           `mapstructure:"default_container_id"`
	TimeoutSeconds     int              `mapstructure:"timeout_seconds"`
	Fields             TaskFieldsConfig `mapstructure:"fields"`
}

// TaskFieldsConfig names the remote custom fields that carry local identifiers.
type TaskFieldsConfig struct {
	ProjectID           string `mapstructure:"project_id"`
	ChecklistInstanceID string `mapstructure:"checklist_instance_id"`
}

type WebhookConfig struct {
	Secret           Secret `mapstructure:"secret"`
	QueueSize        int    `mapstructure:"queue_size"`
	EnqueueTimeoutMS int    `mapstructure:"enqueue_timeout_ms"`
}

type SyncConfig struct {
	ClaimTTLSeconds int `mapstructure:"claim_ttl_seconds"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Enabled reports whether the remote task API has enough settings to be called.
func (c TaskAPIConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != "" && !c.AccessToken.Empty() &&
		(strings.TrimSpace(c.WorkspaceID) != "" || strings.TrimSpace(c.DefaultContainerID) != "")
}

func (c TaskAPIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c WebhookConfig) EnqueueTimeout() time.Duration {
	if c.EnqueueTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.EnqueueTimeoutMS) * time.Millisecond
}

func (c SyncConfig) ClaimTTL() time.Duration {
	if c.ClaimTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// Reveal returns the plaintext of a configured secret, decrypting sealed values.
func (c *Config) Reveal(s Secret) (string, error) {
	return c.keyring.Reveal(s)
}

// Seal encrypts plaintext with the configured secret_key.
func (c *Config) Seal(plaintext string) (Secret, error) {
	return c.keyring.Seal(plaintext)
}

// WithKeyring sets the keyring used by Reveal.
func (c *Config) WithKeyring(k Keyring) *Config {
	c.keyring = k
	return c
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	if c.Webhook.QueueSize <= 0 {
		return fmt.Errorf("webhook.queue_size must be positive")
	}
	if c.TaskAPI.TimeoutSeconds < 0 {
		return fmt.Errorf("task_api.timeout_seconds must not be negative")
	}
	if c.TaskAPI.Enabled() {
		if c.TaskAPI.Fields.ProjectID != "" && c.TaskAPI.Fields.ProjectID == c.TaskAPI.Fields.ChecklistInstanceID {
			return fmt.Errorf("task_api.fields.project_id and checklist_instance_id must differ")
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// SetDefaults registers every key so AutomaticEnv can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/v1")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("task_api.base_url", "")
	v.SetDefault("task_api.access_token", "")
	v.SetDefault("task_api.workspace_id", "")
	v.SetDefault("task_api.default_container_id", "")
	v.SetDefault("task_api.timeout_seconds", 10)
	v.SetDefault("task_api.fields.project_id", "")
	v.SetDefault("task_api.fields.checklist_instance_id", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.queue_size", 256)
	v.SetDefault("webhook.enqueue_timeout_ms", 2000)
	v.SetDefault("sync.claim_ttl_seconds", 600)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("secret_key", "")
}

// BindEnv wires LAUNCHLINE_* environment variables into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads launchline.yml (explicit path via the "config" key, otherwise
// looked up in the workspace) plus environment overrides.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)
	if file := strings.TrimSpace(v.GetString("config")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("launchline")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("workspace"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keyring, err := NewKeyring(v.GetString("secret_key"))
	if err != nil {
		return nil, err
	}
	cfg.keyring = keyring
	return &cfg, nil
}

// Default returns the configuration used when no file or environment is present.
func Default(workspace string) *Config {
	v := viper.New()
	SetDefaults(v)
	v.Set("workspace", workspace)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Path returns the default config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "launchline.yml")
}
