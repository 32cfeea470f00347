package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/rendis/flowgraph/internal/llm"
	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/internal/secrets"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Config tunes the active-config cache.
type Config struct {
	CacheSize int64         `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// Update is an upsert request for one provider.
type Update struct {
	UserID   string
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	IsActive bool
}

// Service resolves the active LLM configuration for a user.
type Service struct {
	store  store.SettingsStore
	sealer secrets.Sealer
	cache  *ristretto.Cache
	ttl    time.Duration
	env    func(string) string
	logger *slog.Logger
}

// NewService creates a settings service. sealer may be nil, in which case
// keys are stored as given.
func NewService(st store.SettingsStore, sealer secrets.Sealer, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * cfg.CacheSize,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("settings cache: %w", err)
	}
	return &Service{
		store:  st,
		sealer: sealer,
		cache:  cache,
		ttl:    cfg.CacheTTL,
		env:    os.Getenv,
		logger: logger,
	}, nil
}

// Close releases the cache.
func (s *Service) Close() { s.cache.Close() }

// GetActiveLLMConfig returns the user's active provider config. Without a
// stored row it falls back to OPENAI_API_KEY, then ANTHROPIC_API_KEY.
// A nil config with a nil error means nothing is configured.
func (s *Service) GetActiveLLMConfig(ctx context.Context, userID string) (*nodes.LLMConfig, error) {
	if userID != "" {
		if v, ok := s.cache.Get(userID); ok {
			cfg := v.(nodes.LLMConfig)
			return &cfg, nil
		}
		row, err := s.store.GetActiveLLMSettings(ctx, userID)
		switch {
		case err == nil:
			cfg, err := s.fromRow(row)
			if err != nil {
				return nil, err
			}
			s.cache.SetWithTTL(userID, *cfg, 1, s.ttl)
			return cfg, nil
		case schema.CodeOf(err) != schema.ErrCodeNotFound:
			return nil, err
		}
	}
	return s.fromEnv(), nil
}

func (s *Service) fromRow(row *store.LLMSettings) (*nodes.LLMConfig, error) {
	key := row.APIKey
	if s.sealer != nil && key != "" {
		plain, err := s.sealer.Open(key)
		if err != nil {
			return nil, err
		}
		key = plain
	}
	return &nodes.LLMConfig{
		Type:    row.Provider,
		APIKey:  key,
		BaseURL: row.BaseURL,
		Model:   row.Model,
	}, nil
}

func (s *Service) fromEnv() *nodes.LLMConfig {
	if key := s.env("OPENAI_API_KEY"); key != "" {
		return &nodes.LLMConfig{
			Type:    llm.ProviderOpenAI,
			APIKey:  key,
			BaseURL: llm.DefaultOpenAIBaseURL,
			Model:   llm.DefaultModel(llm.ProviderOpenAI),
		}
	}
	if key := s.env("ANTHROPIC_API_KEY"); key != "" {
		return &nodes.LLMConfig{
			Type:    llm.ProviderAnthropic,
			APIKey:  key,
			BaseURL: llm.DefaultAnthropicBaseURL,
			Model:   llm.DefaultModel(llm.ProviderAnthropic),
		}
	}
	return nil
}

// Upsert seals the key, stores the row and drops the cached config.
func (s *Service) Upsert(ctx context.Context, u Update) (*store.LLMSettings, error) {
	provider := strings.ToLower(strings.TrimSpace(u.Provider))
	switch provider {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderCustom:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "Unknown provider type: %s", u.Provider)
	}
	if u.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "api_key is required")
	}
	if provider == llm.ProviderCustom && u.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "base_url is required for custom providers")
	}

	key := u.APIKey
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(key)
		if err != nil {
			return nil, err
		}
		key = sealed
	}
	row := &store.LLMSettings{
		UserID:   u.UserID,
		Provider: provider,
		APIKey:   key,
		BaseURL:  u.BaseURL,
		Model:    u.Model,
		IsActive: u.IsActive,
	}
	if err := s.store.UpsertLLMSettings(ctx, row); err != nil {
		return nil, err
	}
	s.cache.Del(u.UserID)
	s.logger.Info("llm settings updated", "user_id", u.UserID, "provider", provider, "active", u.IsActive)
	return row, nil
}
