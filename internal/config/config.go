package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// MemoryConfig 记忆子系统配置
type MemoryConfig struct {
	StorageDir     string `mapstructure:"storage_dir"`     // 持久化文件根目录
	Backend        string `mapstructure:"backend"`         // memory, file, sqlite, redis
	UsePersistence bool   `mapstructure:"use_persistence"` // false 时强制纯内存

	ShortTermMaxSize int `mapstructure:"short_term_max_size"` // 短期记忆容量
	WorkingMaxSize   int `mapstructure:"working_max_size"`    // 工作记忆容量
	LongTermMaxSize  int `mapstructure:"long_term_max_size"`  // 长期记忆容量

	SaveInterval        string  `mapstructure:"save_interval"`        // 刷盘间隔(如"30s")
	MaintenanceInterval string  `mapstructure:"maintenance_interval"` // 后台维护间隔(如"1h")
	ImportanceThreshold float64 `mapstructure:"importance_threshold"` // 短转长的重要性阈值
	ForgettingThreshold float64 `mapstructure:"forgetting_threshold"` // 遗忘清理阈值
	MergeSimilarity     float64 `mapstructure:"merge_similarity"`     // 相似合并阈值
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"` // 是否启用 Redis 镜像
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"` // 如 ":9090"
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_MEMORY_BACKEND

	setDefaults(v)

	// 配置文件缺失时退回默认值, 显式指定路径时仍然报错
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// setDefaults 设置各项默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("memory.storage_dir", "./data/memory")
	v.SetDefault("memory.backend", "file")
	v.SetDefault("memory.use_persistence", true)
	v.SetDefault("memory.short_term_max_size", 1000)
	v.SetDefault("memory.working_max_size", 100)
	v.SetDefault("memory.long_term_max_size", 100000)
	v.SetDefault("memory.save_interval", "30s")
	v.SetDefault("memory.maintenance_interval", "1h")
	v.SetDefault("memory.importance_threshold", 0.7)
	v.SetDefault("memory.forgetting_threshold", 0.3)
	v.SetDefault("memory.merge_similarity", 0.8)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Addr 拼接 Redis 连接地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SaveIntervalDuration 解析刷盘间隔, 非法值回退 30 秒
func (c *MemoryConfig) SaveIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.SaveInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// MaintenanceIntervalDuration 解析维护间隔, 非法值回退 1 小时
func (c *MemoryConfig) MaintenanceIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.MaintenanceInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
