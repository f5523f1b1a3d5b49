// Package config loads provisiond settings from defaults, an optional YAML
// file, PROVISIONER_* environment variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/elpendex123/ec2-creator-local/internal/policy"
)

// EnvPrefix prefixes every environment override, e.g. PROVISIONER_STORE_PATH.
const EnvPrefix = "PROVISIONER"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Backends BackendsConfig `mapstructure:"backends"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Lock     LockConfig     `mapstructure:"lock"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// GRPCAddr is the gRPC listen address; empty disables the gRPC server.
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// CallTimeout caps every backend call on top of the backend's own
	// timeout; zero leaves only the backend's.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type StoreConfig struct {
	// Driver is "badger" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type BackendsConfig struct {
	// Default is used when a create request names no backend.
	Default   string         `mapstructure:"default"`
	Enabled   []string       `mapstructure:"enabled"`
	AWSCLI    ScriptSettings `mapstructure:"awscli"`
	Terraform ScriptSettings `mapstructure:"terraform"`
	Docker    DockerSettings `mapstructure:"docker"`
	Sim       SimSettings    `mapstructure:"sim"`
}

type ScriptSettings struct {
	ScriptsDir string        `mapstructure:"scripts_dir"`
	WorkDir    string        `mapstructure:"work_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// Env entries (KEY=value) are appended to the script environment.
	Env []string `mapstructure:"env"`
}

// DockerClass maps an instance class to container limits. Classes are a
// list rather than a map because class names contain dots, which viper
// treats as key separators.
type DockerClass struct {
	Name     string  `mapstructure:"name"`
	MemoryMB int64   `mapstructure:"memory_mb"`
	CPUs     float64 `mapstructure:"cpus"`
}

type DockerSettings struct {
	Classes []DockerClass `mapstructure:"classes"`
}

type SimSettings struct {
	BootDelay time.Duration `mapstructure:"boot_delay"`
}

type PolicyConfig struct {
	Region        string              `mapstructure:"region"`
	InstanceTypes []string            `mapstructure:"instance_types"`
	Images        map[string][]string `mapstructure:"images"`
}

type LockConfig struct {
	// Policy is "wait" or "reject".
	Policy string `mapstructure:"policy"`
	// RedisURL switches to a redis lock shared across replicas.
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type NotifyConfig struct {
	QueueSize int           `mapstructure:"queue_size"`
	Workers   int           `mapstructure:"workers"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Log       bool          `mapstructure:"log"`
	NATS      NATSConfig    `mapstructure:"nats"`
	SMTP      SMTPConfig    `mapstructure:"smtp"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type SMTPConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type SSHConfig struct {
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Pretty  bool `mapstructure:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8000",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: "badger",
			Path:   "./data/instances",
		},
		Backends: BackendsConfig{
			Default: "awscli",
			Enabled: []string{"awscli", "terraform"},
			AWSCLI: ScriptSettings{
				ScriptsDir: "aws_cli_bash_scripts",
				Timeout:    5 * time.Minute,
			},
			Terraform: ScriptSettings{
				ScriptsDir: "terraform_bash_scripts",
				WorkDir:    "terraform/ec2",
				Timeout:    10 * time.Minute,
			},
			Docker: DockerSettings{
				Classes: []DockerClass{
					{Name: "t3.micro", MemoryMB: 1024, CPUs: 2},
					{Name: "t4g.micro", MemoryMB: 1024, CPUs: 2},
				},
			},
			Sim: SimSettings{BootDelay: 2 * time.Second},
		},
		Policy: PolicyConfig{
			Region:        "us-east-1",
			InstanceTypes: append([]string(nil), policy.FreeTierClasses...),
			Images:        copyImages(policy.FreeTierImages),
		},
		Lock: LockConfig{
			Policy: "wait",
			TTL:    15 * time.Minute,
		},
		Notify: NotifyConfig{
			QueueSize: 256,
			Workers:   2,
			Timeout:   10 * time.Second,
			Log:       true,
			NATS:      NATSConfig{Subject: "instances.events"},
			SMTP:      SMTPConfig{Host: "smtp.gmail.com", Port: 587},
		},
		SSH: SSHConfig{
			User:    "ec2-user",
			KeyPath: "~/.ssh/id_rsa",
		},
		Log: LogConfig{Level: "info"},
	}
}

func copyImages(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the region falls back to the standard AWS variable
	_ = v.BindEnv("policy.region", EnvPrefix+"_POLICY_REGION", "AWS_DEFAULT_REGION")
	return v
}

// SetDefaults registers every default with v so that environment variables
// can override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.call_timeout", d.Server.CallTimeout)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("backends.default", d.Backends.Default)
	v.SetDefault("backends.enabled", d.Backends.Enabled)
	v.SetDefault("backends.awscli.scripts_dir", d.Backends.AWSCLI.ScriptsDir)
	v.SetDefault("backends.awscli.work_dir", d.Backends.AWSCLI.WorkDir)
	v.SetDefault("backends.awscli.timeout", d.Backends.AWSCLI.Timeout)
	v.SetDefault("backends.awscli.env", d.Backends.AWSCLI.Env)
	v.SetDefault("backends.terraform.scripts_dir", d.Backends.Terraform.ScriptsDir)
	v.SetDefault("backends.terraform.work_dir", d.Backends.Terraform.WorkDir)
	v.SetDefault("backends.terraform.timeout", d.Backends.Terraform.Timeout)
	v.SetDefault("backends.terraform.env", d.Backends.Terraform.Env)
	v.SetDefault("backends.docker.classes", d.Backends.Docker.Classes)
	v.SetDefault("backends.sim.boot_delay", d.Backends.Sim.BootDelay)

	v.SetDefault("policy.region", d.Policy.Region)
	v.SetDefault("policy.instance_types", d.Policy.InstanceTypes)
	v.SetDefault("policy.images", d.Policy.Images)

	v.SetDefault("lock.policy", d.Lock.Policy)
	v.SetDefault("lock.redis_url", d.Lock.RedisURL)
	v.SetDefault("lock.ttl", d.Lock.TTL)

	v.SetDefault("notify.queue_size", d.Notify.QueueSize)
	v.SetDefault("notify.workers", d.Notify.Workers)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.log", d.Notify.Log)
	v.SetDefault("notify.nats.url", d.Notify.NATS.URL)
	v.SetDefault("notify.nats.subject", d.Notify.NATS.Subject)
	v.SetDefault("notify.smtp.host", d.Notify.SMTP.Host)
	v.SetDefault("notify.smtp.port", d.Notify.SMTP.Port)
	v.SetDefault("notify.smtp.username", d.Notify.SMTP.Username)
	v.SetDefault("notify.smtp.password", d.Notify.SMTP.Password)
	v.SetDefault("notify.smtp.from", d.Notify.SMTP.From)
	v.SetDefault("notify.smtp.to", d.Notify.SMTP.To)

	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.key_path", d.SSH.KeyPath)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.pretty", d.Tracing.Pretty)
}

// Load reads the optional config file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// KnownBackends lists the backend names provisiond can build.
var KnownBackends = []string{"awscli", "terraform", "docker", "sim"}

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate reports every invalid setting.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.HTTPAddr == "" {
		add("server.http_addr", c.Server.HTTPAddr, "must not be empty")
	}
	if c.Server.CallTimeout < 0 {
		add("server.call_timeout", c.Server.CallTimeout, "must not be negative")
	}
	if !contains([]string{"badger", "sqlite"}, c.Store.Driver) {
		add("store.driver", c.Store.Driver, "must be badger or sqlite")
	}
	if c.Store.Path == "" {
		add("store.path", c.Store.Path, "must not be empty")
	}
	if len(c.Backends.Enabled) == 0 {
		add("backends.enabled", c.Backends.Enabled, "at least one backend is required")
	}
	for _, name := range c.Backends.Enabled {
		if !contains(KnownBackends, name) {
			add("backends.enabled", name, "unknown backend")
		}
	}
	if !contains(c.Backends.Enabled, c.Backends.Default) {
		add("backends.default", c.Backends.Default, "must be one of the enabled backends")
	}
	if c.Policy.Region == "" {
		add("policy.region", c.Policy.Region, "must not be empty")
	}
	if !contains([]string{"wait", "reject"}, c.Lock.Policy) {
		add("lock.policy", c.Lock.Policy, "must be wait or reject")
	}
	if c.Lock.RedisURL != "" && c.Lock.TTL <= 0 {
		add("lock.ttl", c.Lock.TTL, "must be positive when a redis lock is used")
	}
	if c.Notify.QueueSize < 1 {
		add("notify.queue_size", c.Notify.QueueSize, "must be at least 1")
	}
	if c.Notify.Workers < 1 {
		add("notify.workers", c.Notify.Workers, "must be at least 1")
	}
	if !contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		add("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	return errs
}
