package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Blob      BlobConfig      `yaml:"blob"`
	Queue     QueueConfig     `yaml:"queue"`
	Valve     ValveConfig     `yaml:"valve"`
	Reclaimer ReclaimerConfig `yaml:"reclaimer"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Billing   BillingConfig   `yaml:"billing"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// Requests per second allowed on the /swarm routes, per client IP.
	SwarmRPS   float64 `yaml:"swarm_rps"`
	SwarmBurst int     `yaml:"swarm_burst"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the asynq-backed notification queue.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BlobConfig struct {
	Driver    string `yaml:"driver"` // file, s3
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type QueueConfig struct {
	// Owner tag the in-process pipeline claims jobs with. Empty means
	// hostname plus a random suffix.
	Owner       string `yaml:"owner"`
	PopAttempts int    `yaml:"pop_attempts"`
}

type ValveConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	Deadline     Duration `yaml:"deadline"`
}

type ReclaimerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Schedule       string   `yaml:"schedule"` // cron spec, e.g. "@every 1m"
	StaleRetention Duration `yaml:"stale_retention"`
	StuckThreshold Duration `yaml:"stuck_threshold"`
	TestToken      string   `yaml:"test_token"`
	TestThreshold  Duration `yaml:"test_threshold"`
	LockAge        Duration `yaml:"lock_age"`
	ValveAge       Duration `yaml:"valve_age"`
	AuditRetention Duration `yaml:"audit_retention"` // zero keeps audit logs forever
}

type PipelineConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Interval   Duration `yaml:"interval"`
	WorkDir    string   `yaml:"work_dir"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	AlterCmd   string   `yaml:"alter_command"`
	AlterArgs  []string `yaml:"alter_args"`
	MaxStdout  int      `yaml:"max_stdout"`
	TrailsName string   `yaml:"trails_name"`
}

type BillingConfig struct {
	ZentsPerSecond int64 `yaml:"zents_per_second"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Format     string `yaml:"format"` // generic, slack, discord, teams, telegram, wechat_work, dingtalk, feishu
	Secret     string `yaml:"secret"`
	ChatID     string `yaml:"chat_id"` // telegram only
}

// BootstrapConfig seeds one human and token on startup so a fresh install
// can accept jobs.
type BootstrapConfig struct {
	Login string `yaml:"login"`
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration that reads and writes YAML as "90s", "5m".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Decoding over the defaults keeps unset keys at their default values.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       "8080",
			Mode:       "release",
			SwarmRPS:   5,
			SwarmBurst: 10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "swarmhub.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Blob: BlobConfig{
			Driver: "file",
			Dir:    "blobs",
			Bucket: "swarmhub",
		},
		Queue: QueueConfig{
			PopAttempts: 8,
		},
		Valve: ValveConfig{
			PollInterval: Duration(time.Second),
			Deadline:     Duration(60 * time.Second),
		},
		Reclaimer: ReclaimerConfig{
			Enabled:        true,
			Schedule:       "@every 1m",
			StaleRetention: Duration(48 * time.Hour),
			StuckThreshold: Duration(4 * time.Hour),
			TestToken:      "TESTING",
			TestThreshold:  Duration(time.Hour),
			LockAge:        Duration(24 * time.Hour),
			ValveAge:       Duration(time.Hour),
			AuditRetention: Duration(30 * 24 * time.Hour),
		},
		Pipeline: PipelineConfig{
			Enabled:    true,
			Interval:   Duration(5 * time.Second),
			Command:    "judges",
			Args:       []string{"update"},
			AlterCmd:   "judges",
			AlterArgs:  []string{"eval"},
			MaxStdout:  64 * 1024,
			TrailsName: "trails",
		},
		Billing: BillingConfig{
			ZentsPerSecond: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
		Bootstrap: BootstrapConfig{
			Login: "admin",
		},
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Blob.Driver {
	case "file":
		if c.Blob.Dir == "" {
			return fmt.Errorf("blob.dir is required for the file driver")
		}
	case "s3":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("blob.endpoint and blob.bucket are required for the s3 driver")
		}
	default:
		return fmt.Errorf("unsupported blob driver: %s", c.Blob.Driver)
	}
	if c.Valve.PollInterval <= 0 || c.Valve.Deadline <= 0 {
		return fmt.Errorf("valve.poll_interval and valve.deadline must be positive")
	}
	if c.Valve.PollInterval > c.Valve.Deadline {
		return fmt.Errorf("valve.poll_interval must not exceed valve.deadline")
	}
	switch c.Notify.Format {
	case "", "generic", "slack", "discord", "teams", "telegram", "wechat_work", "dingtalk", "feishu":
	default:
		return fmt.Errorf("unsupported notify format: %s", c.Notify.Format)
	}
	if c.Notify.Format == "telegram" && c.Notify.ChatID == "" {
		return fmt.Errorf("notify.chat_id is required for telegram")
	}
	if c.Reclaimer.Enabled && strings.TrimSpace(c.Reclaimer.Schedule) == "" {
		return fmt.Errorf("reclaimer.schedule is required when the reclaimer is enabled")
	}
	return nil
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if driver := os.Getenv("BLOB_DRIVER"); driver != "" {
		c.Blob.Driver = driver
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		c.Blob.Endpoint = endpoint
	}
	if key := os.Getenv("S3_ACCESS_KEY"); key != "" {
		c.Blob.AccessKey = key
	}
	if secret := os.Getenv("S3_SECRET_KEY"); secret != "" {
		c.Blob.SecretKey = secret
	}
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Blob.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if hook := os.Getenv("NOTIFY_WEBHOOK_URL"); hook != "" {
		c.Notify.WebhookURL = hook
	}
	if format := os.Getenv("NOTIFY_FORMAT"); format != "" {
		c.Notify.Format = format
	}
	if token := os.Getenv("BOOTSTRAP_TOKEN"); token != "" {
		c.Bootstrap.Token = token
	}
	if cmd := os.Getenv("JUDGES_COMMAND"); cmd != "" {
		c.Pipeline.Command = cmd
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
