package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/smm/portfolio-engine/internal/model"
)

// PreferenceKey is the record holding the chosen backend. It lives outside
// every backend's tables and is read before any of them.
const PreferenceKey = "smm_storage_preference"

// Preference persists the chosen storage backend across restarts.
type Preference interface {
	// Load returns the saved config, or ok=false when none has been saved.
	Load(ctx context.Context) (cfg model.StorageConfig, ok bool, err error)
	Save(ctx context.Context, cfg model.StorageConfig) error
}

// RedisPreference keeps the preference record in Redis.
type RedisPreference struct {
	rdb *redis.Client
	key string
}

func NewRedisPreference(rdb *redis.Client) *RedisPreference {
	return &RedisPreference{rdb: rdb, key: PreferenceKey}
}

func (p *RedisPreference) Load(ctx context.Context) (model.StorageConfig, bool, error) {
	data, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.StorageConfig{}, false, nil
	}
	if err != nil {
		return model.StorageConfig{}, false, fmt.Errorf("get %s: %w", p.key, err)
	}
	var cfg model.StorageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.StorageConfig{}, false, fmt.Errorf("decode %s: %w", p.key, err)
	}
	return cfg, true, nil
}

func (p *RedisPreference) Save(ctx context.Context, cfg model.StorageConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, p.key, data, 0).Err()
}

// FilePreference keeps the preference record in a JSON file.
type FilePreference struct {
	Path string
}

func (p FilePreference) Load(context.Context) (model.StorageConfig, bool, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.StorageConfig{}, false, nil
		}
		return model.StorageConfig{}, false, err
	}
	var cfg model.StorageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.StorageConfig{}, false, fmt.Errorf("decode %s: %w", p.Path, err)
	}
	return cfg, true, nil
}

func (p FilePreference) Save(_ context.Context, cfg model.StorageConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(p.Path, data, 0o600)
}
