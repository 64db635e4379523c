package config

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器
//
// 负责加载、缓存和热加载配置；并发安全。
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	v            *viper.Viper
	path         string
	watchEnabled bool
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatchEnabled 启用配置文件监控热加载
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置；配置文件缺失时使用默认值（环境变量仍生效）
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	v := newViper(m.path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && m.path != "" {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
		// 没有配置文件时按默认值运行
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("validate config failed: %w", err)
	}

	m.config = config
	m.v = v

	if m.watchEnabled {
		m.watch()
	}
	return config, nil
}

// Get 获取配置（未加载则自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// watch 监控配置文件变化并重新解析
func (m *Manager) watch() {
	m.v.WatchConfig()
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("Config file changed: %s", e.Name)

		config := &Config{}
		if err := m.v.Unmarshal(config); err != nil {
			log.Printf("Reload config failed: %v", err)
			return
		}
		if err := Validate(config); err != nil {
			log.Printf("Reloaded config invalid: %v", err)
			return
		}

		m.mu.Lock()
		m.config = config
		m.mu.Unlock()
	})
}

// 全局配置管理器实例
var (
	globalManager *Manager
	managerOnce   sync.Once
)

// Global 获取全局配置管理器
func Global() *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(WithWatchEnabled(true))
	})
	return globalManager
}
