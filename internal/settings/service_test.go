package settings

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/internal/llm"
	"github.com/rendis/flowgraph/internal/secrets"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/pkg/schema"
)

// --- Fakes ---

type memSettings struct {
	mu    sync.Mutex
	rows  map[string]*store.LLMSettings // user/provider
	reads int
}

func newMemSettings() *memSettings {
	return &memSettings{rows: map[string]*store.LLMSettings{}}
}

func (m *memSettings) UpsertLLMSettings(_ context.Context, s *store.LLMSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.IsActive {
		for _, r := range m.rows {
			if r.UserID == s.UserID {
				r.IsActive = false
			}
		}
	}
	cp := *s
	m.rows[s.UserID+"/"+s.Provider] = &cp
	return nil
}

func (m *memSettings) GetActiveLLMSettings(_ context.Context, userID string) (*store.LLMSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	for _, r := range m.rows {
		if r.UserID == userID && r.IsActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "none")
}

func newTestService(t *testing.T, st store.SettingsStore, env map[string]string) *Service {
	t.Helper()
	key := make([]byte, 32)
	sealer, err := secrets.NewAESSealer(secrets.KeyConfig{MasterKey: key})
	require.NoError(t, err)
	svc, err := NewService(st, sealer, Config{}, nil)
	require.NoError(t, err)
	svc.env = func(k string) string { return env[k] }
	t.Cleanup(svc.Close)
	return svc
}

// --- Stored config ---

func TestUpsert_SealsAndResolves(t *testing.T) {
	st := newMemSettings()
	svc := newTestService(t, st, nil)
	ctx := context.Background()

	row, err := svc.Upsert(ctx, Update{UserID: "u1", Provider: "Anthropic", APIKey: "sk-ant", Model: "claude-x", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderAnthropic, row.Provider)
	assert.NotEqual(t, "sk-ant", st.rows["u1/anthropic"].APIKey)

	cfg, err := svc.GetActiveLLMConfig(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "anthropic", cfg.Type)
	assert.Equal(t, "sk-ant", cfg.APIKey)
	assert.Equal(t, "claude-x", cfg.Model)
}

func TestGetActiveLLMConfig_Cached(t *testing.T) {
	st := newMemSettings()
	svc := newTestService(t, st, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Update{UserID: "u1", Provider: "openai", APIKey: "k1", IsActive: true})
	require.NoError(t, err)

	_, err = svc.GetActiveLLMConfig(ctx, "u1")
	require.NoError(t, err)
	svc.cache.Wait()
	_, err = svc.GetActiveLLMConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.reads)
}

func TestUpsert_InvalidatesCache(t *testing.T) {
	st := newMemSettings()
	svc := newTestService(t, st, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Update{UserID: "u1", Provider: "openai", APIKey: "k1", IsActive: true})
	require.NoError(t, err)
	_, err = svc.GetActiveLLMConfig(ctx, "u1")
	require.NoError(t, err)
	svc.cache.Wait()

	_, err = svc.Upsert(ctx, Update{UserID: "u1", Provider: "custom", APIKey: "k2", BaseURL: "http://local/v1", IsActive: true})
	require.NoError(t, err)

	cfg, err := svc.GetActiveLLMConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Type)
	assert.Equal(t, "k2", cfg.APIKey)
	assert.Equal(t, "http://local/v1", cfg.BaseURL)
}

func TestUpsert_Validation(t *testing.T) {
	svc := newTestService(t, newMemSettings(), nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Update{UserID: "u1", Provider: "cohere", APIKey: "k"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = svc.Upsert(ctx, Update{UserID: "u1", Provider: "openai"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = svc.Upsert(ctx, Update{UserID: "u1", Provider: "custom", APIKey: "k"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

// --- Environment fallback ---

func TestGetActiveLLMConfig_EnvFallback(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(t, newMemSettings(), map[string]string{"OPENAI_API_KEY": "o", "ANTHROPIC_API_KEY": "a"})
	cfg, err := svc.GetActiveLLMConfig(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Type)
	assert.Equal(t, "gpt-4", cfg.Model)
	assert.Equal(t, llm.DefaultOpenAIBaseURL, cfg.BaseURL)

	svc = newTestService(t, newMemSettings(), map[string]string{"ANTHROPIC_API_KEY": "a"})
	cfg, err = svc.GetActiveLLMConfig(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Type)
	assert.Equal(t, "a", cfg.APIKey)

	svc = newTestService(t, newMemSettings(), nil)
	cfg, err = svc.GetActiveLLMConfig(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
