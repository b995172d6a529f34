// Package session coordinates a conversation log with its storage and
// compaction policy. Append is the unit of work: append the turn, compact
// when the log exceeds its budget, then persist.
//
// A Coordinator performs no locking. Callers that share a log between
// goroutines must serialize access themselves.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/compaction"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/storage"
)

// Options configures a Coordinator.
type Options struct {
	// MaxTokens is the budget that triggers compaction.
	MaxTokens int

	// Policy decides which turns survive compaction. Its ceiling must not
	// exceed MaxTokens.
	Policy compaction.Policy

	// AutoSave persists the log after every Append and NewLog.
	AutoSave bool

	// Engine runs Policy. If nil, compaction.NewEngine() is used.
	Engine *compaction.Engine

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns 8000 tokens, SystemAndRecent(1000, 6000) and
// auto-save on.
func DefaultOptions() Options {
	return Options{
		MaxTokens: 8000,
		Policy:    compaction.DefaultPolicy(),
		AutoSave:  true,
	}
}

// Validate reports inconsistent options as a ConfigurationError.
func (o Options) Validate() error {
	const op = "session.Options"
	if o.MaxTokens <= 0 {
		return errs.Configuration(op, "max_tokens must be > 0, got %d", o.MaxTokens)
	}
	if err := o.Policy.Validate(); err != nil {
		return err
	}
	if ceiling := o.Policy.Ceiling(); ceiling > o.MaxTokens {
		return errs.Configuration(op, "policy %s keeps up to %d tokens, more than max_tokens %d",
			o.Policy, ceiling, o.MaxTokens)
	}
	return nil
}

// AppendResult describes one Append.
type AppendResult struct {
	Turn       *conversation.Turn
	Compaction compaction.Result
	Saved      bool
}

// Coordinator ties a Storage backend to a compaction policy.
type Coordinator struct {
	store  storage.Storage
	opts   Options
	engine *compaction.Engine
	logger *slog.Logger
}

// New creates a Coordinator. Invalid options are reported as a
// ConfigurationError.
func New(store storage.Storage, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, errs.Configuration("session.New", "storage is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	engine := opts.Engine
	if engine == nil {
		engine = compaction.NewEngine(compaction.WithLogger(opts.Logger))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		opts:   opts,
		engine: engine,
		logger: logger,
	}, nil
}

// Options returns the options the coordinator was created with.
func (c *Coordinator) Options() Options { return c.opts }

// begin tags ctx with a trace ID and returns a logger carrying it.
func (c *Coordinator) begin(ctx context.Context) (context.Context, *slog.Logger) {
	ctx, _ = trace.Ensure(ctx)
	return ctx, observability.WithTrace(ctx, c.logger)
}

// NewLog creates an empty log and saves it when AutoSave is on. An empty
// name selects the timestamped default.
func (c *Coordinator) NewLog(ctx context.Context, name string) (*conversation.Log, error) {
	ctx, logger := c.begin(ctx)
	l := conversation.New(name)
	if c.opts.AutoSave {
		if err := c.store.Save(ctx, l); err != nil {
			return l, err
		}
	}
	logger.Info("session: created log", "log_id", l.ID, "name", l.Name, "saved", c.opts.AutoSave)
	return l, nil
}

// LoadLatest returns the most recently saved log, creating a new one when
// storage is empty.
func (c *Coordinator) LoadLatest(ctx context.Context) (*conversation.Log, error) {
	ctx, logger := c.begin(ctx)
	l, err := c.store.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}
	if l != nil {
		logger.Debug("session: loaded latest log", "log_id", l.ID, "turns", l.Len())
		return l, nil
	}
	logger.Debug("session: no saved log, starting a new one")
	return c.NewLog(ctx, "")
}

// Load returns the log with the given ID.
func (c *Coordinator) Load(ctx context.Context, id string) (*conversation.Log, error) {
	ctx, _ = c.begin(ctx)
	return c.store.Load(ctx, id)
}

// Save persists l.
func (c *Coordinator) Save(ctx context.Context, l *conversation.Log) error {
	ctx, logger := c.begin(ctx)
	if err := c.store.Save(ctx, l); err != nil {
		logger.Error("session: save failed", "log_id", l.ID, "err", err)
		return err
	}
	return nil
}

// List summarizes stored logs, most recently saved first.
func (c *Coordinator) List(ctx context.Context) ([]storage.Summary, error) {
	ctx, _ = c.begin(ctx)
	return c.store.List(ctx)
}

// Delete removes the stored log with the given ID.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	ctx, logger := c.begin(ctx)
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.Info("session: deleted log", "log_id", id)
	return nil
}

// Cleanup keeps the keep most recently saved logs and deletes the rest.
func (c *Coordinator) Cleanup(ctx context.Context, keep int) (int, error) {
	ctx, logger := c.begin(ctx)
	n, err := c.store.Cleanup(ctx, keep)
	logger.Info("session: cleanup", "keep", keep, "deleted", n)
	return n, err
}

// Append adds t to l, compacts l when it exceeds MaxTokens and saves it
// when AutoSave is on.
//
// The appended turn is pinned during compaction. If the save fails, l keeps
// the appended and compacted turns and the StorageFailure is returned
// together with a result whose Saved field is false.
func (c *Coordinator) Append(ctx context.Context, l *conversation.Log, t *conversation.Turn) (AppendResult, error) {
	ctx, logger := c.begin(ctx)
	start := time.Now()

	// --- 1. Append -----------------------------------------------------------
	if err := l.Append(t); err != nil {
		return AppendResult{}, err
	}
	t.CacheTokens()
	res := AppendResult{Turn: t}

	// --- 2. Compact ----------------------------------------------------------
	if l.TotalTokens() > c.opts.MaxTokens {
		cres, err := c.engine.Compact(l, c.opts.Policy, c.opts.MaxTokens, compaction.KeepLast(1))
		if err != nil {
			return res, err
		}
		res.Compaction = cres
		logger.Info("session: compacted log",
			"log_id", l.ID,
			"policy", c.opts.Policy.String(),
			"tokens_before", cres.TokensBefore,
			"tokens_after", cres.TokensAfter,
			"removed", len(cres.Removed),
			"over_budget", cres.OverBudget,
		)
	} else {
		total := l.TotalTokens()
		res.Compaction = compaction.Result{
			Policy:       c.opts.Policy,
			Budget:       c.opts.MaxTokens,
			TokensBefore: total,
			TokensAfter:  total,
			TurnsBefore:  l.Len(),
			TurnsAfter:   l.Len(),
			Removed:      []string{},
		}
	}

	// --- 3. Persist ----------------------------------------------------------
	if c.opts.AutoSave {
		if err := c.store.Save(ctx, l); err != nil {
			logger.Error("session: save after append failed", "log_id", l.ID, "turn_id", t.ID, "err", err)
			return res, errs.Storage("session.Append", l.ID, err)
		}
		res.Saved = true
	}

	logger.Debug("session: appended turn",
		"log_id", l.ID,
		"turn_id", t.ID,
		"role", string(t.Role),
		"tokens", t.Tokens(),
		"total_tokens", l.TotalTokens(),
		"saved", res.Saved,
		"duration", time.Since(start),
	)
	return res, nil
}

// Compact applies the policy to l immediately and saves the result when
// anything changed and AutoSave is on.
func (c *Coordinator) Compact(ctx context.Context, l *conversation.Log) (compaction.Result, error) {
	ctx, logger := c.begin(ctx)
	res, err := c.engine.Compact(l, c.opts.Policy, c.opts.MaxTokens)
	if err != nil {
		return res, err
	}
	logger.Info("session: manual compaction",
		"log_id", l.ID,
		"compacted", res.Compacted,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
		"removed", len(res.Removed),
	)
	if c.opts.AutoSave && len(res.Removed) > 0 {
		if err := c.store.Save(ctx, l); err != nil {
			return res, errs.Storage("session.Compact", l.ID, err)
		}
	}
	return res, nil
}

// Close closes the underlying storage.
func (c *Coordinator) Close() error {
	return c.store.Close()
}
