package progress

import (
	"fmt"
	"io"
)

// BackendConfig selects and configures a KV backend.
type BackendConfig struct {
	Backend       string // memory | file | redis | postgres
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	DatabaseURL   string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenKV builds the backend named by cfg.Backend. The closer releases its
// connections and is never nil.
func OpenKV(cfg BackendConfig) (KV, io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryKV(), nopCloser{}, nil
	case "file", "":
		kv, err := NewFileKV(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return kv, nopCloser{}, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("progress: redis addr is required")
		}
		kv := NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		return kv, kv, nil
	case "postgres":
		kv, err := NewGormKV(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	default:
		return nil, nil, fmt.Errorf("progress: unknown backend %q", cfg.Backend)
	}
}
