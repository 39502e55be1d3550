package memory

import (
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agentmemory/internal/config"
	"agentmemory/internal/logger"
)

// NewPersistentStore 按配置创建长期记忆的持久化后端
// backend 取值 memory / file / sqlite / redis; use_persistence 为 false 时
// 一律退回纯内存。redis 不可用降级到文件后端, sqlite 打不开直接报错,
// 静默换引擎会让两份数据各写各的
func NewPersistentStore(cfg *config.MemoryConfig, redisCfg *config.RedisConfig) (MemoryStore, error) {
	if !cfg.UsePersistence {
		return NewInMemoryStore(cfg.LongTermMaxSize), nil
	}

	switch cfg.Backend {
	case "memory":
		return NewInMemoryStore(cfg.LongTermMaxSize), nil

	case "sqlite":
		return NewSQLiteMemoryStore(filepath.Join(cfg.StorageDir, "long_term.db"), cfg.LongTermMaxSize)

	case "redis":
		if !redisCfg.Enabled {
			logger.Warn("选择了 Redis 后端但 redis.enabled 为关, 降级到文件后端")
			return newFileBackend(cfg)
		}
		store, err := newRedisStore(redisCfg)
		if err != nil {
			logger.Warn("Redis 不可用, 降级到文件后端",
				zap.String("addr", redisCfg.Addr()),
				zap.Error(err),
			)
			return newFileBackend(cfg)
		}
		return store, nil

	default:
		return newFileBackend(cfg)
	}
}

// newFileBackend 创建文件后端
func newFileBackend(cfg *config.MemoryConfig) (MemoryStore, error) {
	path := filepath.Join(cfg.StorageDir, "long_term_memory.json")
	return NewFileStore(path, cfg.LongTermMaxSize, cfg.SaveIntervalDuration())
}

// newRedisStore 创建 Redis 客户端并包装为记忆存储
func newRedisStore(cfg *config.RedisConfig) (*RedisMemoryStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	store, err := NewRedisMemoryStore(client, "agentmem:")
	if err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Redis 记忆后端已连接", zap.String("addr", cfg.Addr()))
	return store, nil
}
