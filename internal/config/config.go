// Package config 统一配置：服务器、推理提供方、存储后端和客户端
//
// 基于viper加载YAML并支持环境变量覆盖（前缀CLARKY_），
// 配置文件变化时通过fsnotify热加载。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 顶层配置结构
type Config struct {
	Meta   MetaConfig   `mapstructure:"meta"`
	Server ServerConfig `mapstructure:"server"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Store  StoreConfig  `mapstructure:"store"`
	Client ClientConfig `mapstructure:"client"`
}

type MetaConfig struct {
	Project       string `mapstructure:"project"`
	ConfigVersion string `mapstructure:"config_version"`
}

// ServerConfig 聊天服务器配置
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`            // 原始TCP监听地址
	APIAddr        string `mapstructure:"api_addr"`        // REST管理端口，空则不启动
	StaticDir      string `mapstructure:"static_dir"`      // 静态页面目录
	ReadBufferSize int    `mapstructure:"read_buffer_size"`
}

// LLMConfig 推理提供方配置
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"` // openai 或 scripted
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	HistoryWindow  int           `mapstructure:"history_window"` // 模型请求保留的最近轮数
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// StoreConfig 转录存储配置
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"` // file 或 postgres
	Dir      string         `mapstructure:"dir"`     // file后端的目录
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ClientConfig CLI聊天客户端配置
type ClientConfig struct {
	URL          string          `mapstructure:"url"`
	PingInterval time.Duration   `mapstructure:"ping_interval"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		Meta: MetaConfig{
			Project:       "clarky",
			ConfigVersion: "1.0",
		},
		Server: ServerConfig{
			Addr:           ":8090",
			APIAddr:        ":8091",
			StaticDir:      "web",
			ReadBufferSize: 4096,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			HistoryWindow:  20,
			RequestTimeout: 120 * time.Second,
			MaxRetries:     3,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     "conversations",
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "postgres",
				DBName:  "clarky",
				SSLMode: "disable",
			},
		},
		Client: ClientConfig{
			URL:          "ws://localhost:8090/",
			PingInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialInterval: 2 * time.Second,
				MaxInterval:     30 * time.Second,
				MaxElapsedTime:  2 * time.Minute,
			},
		},
	}
}

// newViper 构造带默认值和环境变量支持的viper实例
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clarky")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("CLARKY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())
	return v
}

// setDefaults 把默认配置逐项注入viper
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("meta.project", d.Meta.Project)
	v.SetDefault("meta.config_version", d.Meta.ConfigVersion)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.api_addr", d.Server.APIAddr)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.read_buffer_size", d.Server.ReadBufferSize)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.history_window", d.LLM.HistoryWindow)
	v.SetDefault("llm.request_timeout", d.LLM.RequestTimeout)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.dir", d.Store.Dir)
	v.SetDefault("store.postgres.host", d.Store.Postgres.Host)
	v.SetDefault("store.postgres.port", d.Store.Postgres.Port)
	v.SetDefault("store.postgres.user", d.Store.Postgres.User)
	v.SetDefault("store.postgres.password", d.Store.Postgres.Password)
	v.SetDefault("store.postgres.dbname", d.Store.Postgres.DBName)
	v.SetDefault("store.postgres.sslmode", d.Store.Postgres.SSLMode)

	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.ping_interval", d.Client.PingInterval)
	v.SetDefault("client.reconnect.initial_interval", d.Client.Reconnect.InitialInterval)
	v.SetDefault("client.reconnect.max_interval", d.Client.Reconnect.MaxInterval)
	v.SetDefault("client.reconnect.max_elapsed_time", d.Client.Reconnect.MaxElapsedTime)
}

// Validate 校验配置的基本一致性
func Validate(c *Config) error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.LLM.Provider {
	case "openai", "scripted":
	default:
		return fmt.Errorf("unknown llm.provider: %s", c.LLM.Provider)
	}
	switch c.Store.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown store.backend: %s", c.Store.Backend)
	}
	if c.LLM.HistoryWindow < 0 {
		return fmt.Errorf("llm.history_window must be >= 0")
	}
	return nil
}
