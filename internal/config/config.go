package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Value == "" {
		d.Duration = 0
		return nil
	}

	str := strings.TrimSpace(value.Value)
	if str == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", str, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root of the service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Processing ProcessingConfig `yaml:"processing"`
	Jenkins    JenkinsConfig    `yaml:"jenkins"`
	Git        GitConfig        `yaml:"git"`
	Storage    StorageConfig    `yaml:"storage"`
	PollLog    PollLogConfig    `yaml:"poll_log"`
	Logging    LoggingConfig    `yaml:"logging"`
	Jobs       []JobConfig      `yaml:"jobs"`
}

// ServerConfig controls HTTP server behaviour.
type ServerConfig struct {
	Address          string   `yaml:"address"`
	WebhookPath      string   `yaml:"webhook_path"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	IdleTimeout      Duration `yaml:"idle_timeout"`
	WebhookSecretEnv string   `yaml:"webhook_secret_env"`
	RateLimitPerMin  int      `yaml:"rate_limit_per_min"`
}

// ProcessingConfig controls the per-job dispatch queues.
type ProcessingConfig struct {
	WorkerCount      int      `yaml:"worker_count"`
	MaxPendingPerJob int      `yaml:"max_pending_per_job"`
	PollTimeout      Duration `yaml:"poll_timeout"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`
}

// JenkinsConfig contains Jenkins connection settings.
type JenkinsConfig struct {
	BaseURL        string   `yaml:"base_url"`
	User           string   `yaml:"user"`
	UserEnv        string   `yaml:"user_env"`
	APIToken       string   `yaml:"api_token"`
	APITokenEnv    string   `yaml:"api_token_env"`
	BuildTokenEnv  string   `yaml:"build_token_env"`
	SkipTLSVerify  bool     `yaml:"skip_tls_verify"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RetryAttempts  uint     `yaml:"retry_attempts"`
	RetryDelay     Duration `yaml:"retry_delay"`
}

// GitConfig holds credentials used when listing remote refs.
type GitConfig struct {
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// StorageConfig selects where parameter definitions and ref snapshots live.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	PasswordEnv     string   `yaml:"password_env"`
	Database        string   `yaml:"database"`
	SSLMode         string   `yaml:"sslmode"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// PollLogConfig controls where per-job polling logs are written.
type PollLogConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig customises slog configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// JobConfig declares a Jenkins job that is triggered by Bitbucket pushes.
type JobConfig struct {
	Name       string            `yaml:"name"`
	Remotes    []string          `yaml:"remotes"`
	SCM        string            `yaml:"scm"`
	Branches   []string          `yaml:"branches"`
	Disabled   bool              `yaml:"disabled"`
	Parameters []ParameterConfig `yaml:"parameters"`
}

// ParameterConfig seeds a build parameter definition for a job.
type ParameterConfig struct {
	Name        string `yaml:"name"`
	Default     string `yaml:"default"`
	Description string `yaml:"description"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Load reads configuration from the provided path.
func Load(path string) (*Config, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.WebhookPath == "" {
		c.Server.WebhookPath = "/bitbucket-hook"
	}

	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Server.IdleTimeout.Duration == 0 {
		c.Server.IdleTimeout = Duration{Duration: 60 * time.Second}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Processing.WorkerCount <= 0 {
		c.Processing.WorkerCount = 4
	}
	if c.Processing.MaxPendingPerJob <= 0 {
		c.Processing.MaxPendingPerJob = 64
	}
	if c.Processing.ShutdownTimeout.Duration == 0 {
		c.Processing.ShutdownTimeout = Duration{Duration: 30 * time.Second}
	}

	if c.Jenkins.RequestTimeout.Duration == 0 {
		c.Jenkins.RequestTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Jenkins.RetryAttempts == 0 {
		c.Jenkins.RetryAttempts = 3
	}
	if c.Jenkins.RetryDelay.Duration == 0 {
		c.Jenkins.RetryDelay = Duration{Duration: time.Second}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}

	if c.PollLog.Dir == "" {
		c.PollLog.Dir = "poll-logs"
	}

	for i := range c.Jobs {
		c.Jobs[i].Name = strings.Trim(strings.TrimSpace(c.Jobs[i].Name), "/")
		if c.Jobs[i].SCM == "" {
			c.Jobs[i].SCM = "git"
		}
	}
}

func (c *Config) validate() error {
	if c.Jenkins.BaseURL == "" {
		return errors.New("jenkins.base_url is required")
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path %q must start with /", c.Server.WebhookPath)
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			return errors.New("storage.postgres.host and storage.postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if len(c.Jobs) == 0 {
		return errors.New("at least one job config is required")
	}
	seen := make(map[string]struct{}, len(c.Jobs))
	for i := range c.Jobs {
		if err := c.Jobs[i].validate(); err != nil {
			return err
		}
		name := strings.Trim(strings.TrimSpace(c.Jobs[i].Name), "/")
		if _, dup := seen[name]; dup {
			return fmt.Errorf("job %s is declared more than once", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (j *JobConfig) validate() error {
	if strings.Trim(strings.TrimSpace(j.Name), "/") == "" {
		return errors.New("job.name is required")
	}
	if len(j.Remotes) == 0 {
		return fmt.Errorf("job %s must define at least one remote", j.Name)
	}
	for i, remote := range j.Remotes {
		if strings.TrimSpace(remote) == "" {
			return fmt.Errorf("job %s remote[%d] is empty", j.Name, i)
		}
	}
	for i, p := range j.Parameters {
		if p.Name == "" {
			return fmt.Errorf("job %s parameter[%d]: name is required", j.Name, i)
		}
	}
	return nil
}

// ResolveCredentials returns Jenkins user/token from config or environment.
// Anonymous access is allowed when neither is configured.
func (c *JenkinsConfig) ResolveCredentials() (string, string, error) {
	user := c.User
	token := c.APIToken
	if user == "" && c.UserEnv != "" {
		user = strings.TrimSpace(os.Getenv(c.UserEnv))
	}
	if token == "" && c.APITokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(c.APITokenEnv))
	}
	if user == "" && token != "" {
		return "", "", errors.New("jenkins user or user_env must be provided with an api token")
	}
	if user != "" && token == "" {
		return "", "", errors.New("jenkins api_token or api_token_env must be provided")
	}
	return user, token, nil
}

// ResolveBuildToken returns the remote build trigger token, if configured.
func (c *JenkinsConfig) ResolveBuildToken() string {
	if c.BuildTokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.BuildTokenEnv))
}

// ResolvePassword returns the git password from the environment, if configured.
func (c *GitConfig) ResolvePassword() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.PasswordEnv))
}

// ResolvePassword returns the database password using the precedence order.
func (c *PostgresConfig) ResolvePassword() (string, error) {
	if c.Password != "" {
		return c.Password, nil
	}
	if c.PasswordEnv == "" {
		return "", nil
	}
	val := strings.TrimSpace(os.Getenv(c.PasswordEnv))
	if val == "" {
		return "", fmt.Errorf("postgres password environment variable %s is empty", c.PasswordEnv)
	}
	return val, nil
}

// WebhookSecret returns the shared secret used to verify request signatures.
func (c *ServerConfig) WebhookSecret() string {
	if c.WebhookSecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.WebhookSecretEnv))
}
