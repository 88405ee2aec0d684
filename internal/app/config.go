package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
)

// Config 存放应用级配置；字段名与 viper key 一一对应。
type Config struct {
	DBPath     string `mapstructure:"db_path"`
	ReportDir  string `mapstructure:"report_dir"`
	ExportDir  string `mapstructure:"export_dir"`
	ListenAddr string `mapstructure:"listen_addr"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Custody CustodyConfig `mapstructure:"custody"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
}

type HTTPConfig struct {
	// MaxBody 是请求体上限，格式同 echo BodyLimit（如 "256M"、"1K"）。
	MaxBody string `mapstructure:"max_body"`
}

type CustodyConfig struct {
	// Policy 是保管链流转策略：permissive（默认）或 strict。
	Policy           string `mapstructure:"policy"`
	MaxAppendRetries int    `mapstructure:"max_append_retries"`
	ReverifyWorkers  int    `mapstructure:"reverify_workers"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:     "data/custody.db",
		ReportDir:  "data/reports",
		ExportDir:  "data/exports",
		ListenAddr: "127.0.0.1:8787",
		HTTP:       HTTPConfig{MaxBody: "256M"},
		Custody: CustodyConfig{
			Policy:           "permissive",
			MaxAppendRetries: 8,
			ReverifyWorkers:  4,
		},
		Cache: CacheConfig{TTL: 30 * time.Second},
		Log: LogConfig{
			Level:      "info",
			File:       "data/logs/custody.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// SetDefaults 把 DefaultConfig 写入 viper 的默认层。
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("report_dir", d.ReportDir)
	v.SetDefault("export_dir", d.ExportDir)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("http.max_body", d.HTTP.MaxBody)
	v.SetDefault("custody.policy", d.Custody.Policy)
	v.SetDefault("custody.max_append_retries", d.Custody.MaxAppendRetries)
	v.SetDefault("custody.reverify_workers", d.Custody.ReverifyWorkers)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load 依次合并：默认值 < custody.yaml < CUSTODY_ 环境变量 < 已绑定的命令行参数。
// configFile 为空时在 . 与 ./config 下查找 custody.yaml，找不到不算错误。
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("CUSTODY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("custody")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 做基础合法性检查。
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config: db_path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Custody.Policy)) {
	case "", "permissive", "strict":
	default:
		return fmt.Errorf("config: unknown custody.policy %q", c.Custody.Policy)
	}
	if n, err := bytes.Parse(c.HTTP.MaxBody); err != nil || n <= 0 {
		return fmt.Errorf("config: invalid http.max_body %q", c.HTTP.MaxBody)
	}
	if c.Custody.MaxAppendRetries < 0 {
		return fmt.Errorf("config: custody.max_append_retries must be >= 0")
	}
	return nil
}
