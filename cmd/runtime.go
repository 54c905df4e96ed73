package cmd

import (
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"

	"github.com/apexion-ai/chatcore/internal/chat"
	"github.com/apexion-ai/chatcore/internal/config"
	"github.com/apexion-ai/chatcore/internal/logging"
	"github.com/apexion-ai/chatcore/internal/overflow"
	"github.com/apexion-ai/chatcore/internal/prompt"
	"github.com/apexion-ai/chatcore/internal/provider"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/tokens"
	"github.com/apexion-ai/chatcore/internal/window"
)

// runtime is the wired set of components a command works with.
type runtime struct {
	cfg      *config.Config
	log      *log.Logger
	provider provider.Provider // nil for commands that never call a model
	messages session.MessageStore
	contexts session.ContextStore
	window   *window.Manager
	chat     *chat.Orchestrator // nil without a provider
	usage    *chat.UsageTracker
	journal  *chat.Journal

	closers []func() error
}

// newRuntime opens the stores and, when withProvider is set, the provider and
// the turn orchestrator.
func newRuntime(cfg *config.Config, withProvider bool) (_ *runtime, err error) {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.openStores(); err != nil {
		return nil, err
	}

	strategy, err := overflow.New(cfg.Overflow)
	if err != nil {
		return nil, err
	}
	counter := tokens.ForModel(cfg.Model)
	windowOpts := []window.Option{window.WithLogger(logger.WithPrefix("window"))}

	if withProvider {
		p, err := buildProvider(cfg)
		if err != nil {
			return nil, err
		}
		rt.provider = provider.WithRetry(p, provider.RetryOptions{
			MaxRetries: cfg.MaxRetries,
			Logger:     logger.WithPrefix("provider"),
		})
		counter = counterFor(p)
		if cfg.Summarizer.Enabled && strategy.Type() == overflow.TypeSummarize {
			windowOpts = append(windowOpts, window.WithSummarizer(&window.LLMSummarizer{
				Provider: rt.provider,
				Model:    cfg.Summarizer.Model,
			}))
		}
	}
	windowOpts = append(windowOpts, window.WithCounter(counter))
	rt.window = window.NewManager(rt.messages, rt.contexts, strategy, windowOpts...)

	if !withProvider {
		return rt, nil
	}

	overrides := make(map[string]chat.ModelPricing, len(cfg.CostPricing))
	for model, p := range cfg.CostPricing {
		overrides[model] = chat.ModelPricing{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}
	rt.usage = chat.NewUsageTracker(overrides)

	chatOpts := []chat.Option{
		chat.WithLogger(logger.WithPrefix("chat")),
		chat.WithUsageTracker(rt.usage),
		chat.WithCounter(counter),
	}
	if cfg.Journal.Path != "" {
		j, err := chat.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		rt.journal = j
		rt.closers = append(rt.closers, j.Close)
		chatOpts = append(chatOpts, chat.WithJournal(j))
	}

	rt.chat = chat.New(rt.provider, rt.window, rt.messages, prompt.NewAssembler(cfg.PromptOptions()), chat.Config{
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.Model,
		Temperature:  cfg.Sampling.Temperature,
		TopP:         cfg.Sampling.TopP,
		MaxTokens:    cfg.Sampling.MaxTokens,
		Timeout:      cfg.TurnTimeout,
	}, chatOpts...)

	return rt, nil
}

func (rt *runtime) openStores() error {
	var sqlite *session.SQLiteStore
	var memory *session.MemoryStore

	switch rt.cfg.Storage.Driver {
	case "memory":
		memory = session.NewMemoryStore()
		rt.messages = memory
	default:
		path := rt.cfg.Storage.Path
		if path == "" {
			p, err := session.DefaultDBPath()
			if err != nil {
				return err
			}
			path = p
		}
		store, err := session.NewSQLiteStore(path)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, store.Close)
		sqlite = store
		rt.messages = store
	}

	switch rt.cfg.ContextBackend() {
	case "redis":
		client, err := session.NewRedisClient(rt.cfg.Storage.RedisURL)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)
		rt.contexts = session.NewRedisContextStore(client, rt.cfg.Storage.RedisPrefix)
	case "memory":
		if memory == nil {
			memory = session.NewMemoryStore()
		}
		rt.contexts = memory
	default:
		rt.contexts = sqlite
	}
	rt.log.Debug("stores opened", "messages", rt.cfg.Storage.Driver, "contexts", rt.cfg.ContextBackend())
	return nil
}

// Close releases stores in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// counterFor picks the token counter for p's default model. Anthropic models
// have no public BPE, so they use the estimator.
func counterFor(p provider.Provider) tokens.Counter {
	if p.Name() == "anthropic" {
		return tokens.NewEstimator(0)
	}
	return tokens.ForModel(p.DefaultModel())
}
