package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/config"
	"github.com/apexion-ai/chatcore/internal/provider"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/tokens"
)

func TestBuildProvider(t *testing.T) {
	cfg := config.DefaultConfig()

	_, err := buildProvider(cfg)
	assert.True(t, errors.Is(err, errUtils.ErrMissingAPIKey))

	cfg.Provider = "deepseek"
	cfg.Providers["deepseek"] = &config.ProviderConfig{APIKey: "sk-test"}
	p, err := buildProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", p.Name())
	assert.Equal(t, "deepseek-chat", p.DefaultModel())

	cfg.Provider = "anthropic"
	cfg.Providers["anthropic"] = &config.ProviderConfig{APIKey: "sk-ant"}
	cfg.Model = "claude-haiku-4-5-20251001"
	p, err = buildProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-haiku-4-5-20251001", p.DefaultModel())

	cfg.Provider = "nowhere"
	cfg.Providers["nowhere"] = &config.ProviderConfig{APIKey: "k"}
	_, err = buildProvider(cfg)
	assert.True(t, errors.Is(err, errUtils.ErrUnknownProvider))
}

func TestNewRuntime_SQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Providers["openai"] = &config.ProviderConfig{APIKey: "sk-test"}
	cfg.Journal.Path = filepath.Join(t.TempDir(), "turns.jsonl")

	rt, err := newRuntime(cfg, true)
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.chat)
	assert.NotNil(t, rt.usage)
	assert.NotNil(t, rt.journal)
	_, isSQLite := rt.messages.(*session.SQLiteStore)
	assert.True(t, isSQLite)
}

func TestShowContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"

	rt, err := newRuntime(cfg, false)
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.chat)

	ctx := context.Background()
	now := time.Now()
	user := session.NewMessage("s1", session.RoleUser, "hello there", now)
	user.SetTokenCount(3)
	reply := session.NewMessage("s1", session.RoleAssistant, "hi!", now.Add(time.Second))
	require.NoError(t, rt.messages.InsertBatch(ctx, []*session.Message{user, reply}))
	require.NoError(t, rt.window.CreateInitialContext(ctx, "s1"))
	require.NoError(t, rt.window.AddMessage(ctx, "s1", user.ID))
	require.NoError(t, rt.window.AddMessage(ctx, "s1", reply.ID))

	var out bytes.Buffer
	require.NoError(t, showContext(ctx, rt, &out, "s1"))
	assert.Contains(t, out.String(), "2 messages")
	assert.Contains(t, out.String(), "hello there")
	assert.Contains(t, out.String(), "3 tok")
	assert.Contains(t, out.String(), "? tok")

	err = showContext(ctx, rt, &out, "missing")
	assert.True(t, errors.Is(err, errUtils.ErrContextNotFound))
}

func TestCounterFor(t *testing.T) {
	assert.IsType(t, &tokens.Tiktoken{}, counterFor(provider.NewOpenAIProvider("k", "", "gpt-4")))
	assert.IsType(t, &tokens.Estimator{}, counterFor(provider.NewOpenAIProvider("k", "https://api.deepseek.com/v1", "deepseek-chat")))
	assert.IsType(t, &tokens.Estimator{}, counterFor(provider.NewAnthropicProvider("k", "claude-haiku-4-5-20251001")))
}
