// Package server wires all learning components and creates the MCP server
// instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the machine and the tools that depend on abstractions.
// No business logic lives here, only wiring.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/config"
	"github.com/HendryAvila/learnd/internal/consolidate"
	"github.com/HendryAvila/learnd/internal/drafts"
	"github.com/HendryAvila/learnd/internal/extractor"
	"github.com/HendryAvila/learnd/internal/knowledge"
	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/machine"
	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/HendryAvila/learnd/internal/memtools"
	"github.com/HendryAvila/learnd/internal/prompts"
	"github.com/HendryAvila/learnd/internal/resources"
)

// Version is set at build time via ldflags.
var Version = "dev"

// shutdownTimeout bounds how long cleanup waits for queued learning jobs.
const shutdownTimeout = 30 * time.Second

// App holds the long-lived components built by New.
type App struct {
	MCP     *server.MCPServer
	Machine *machine.Machine
	Store   *memory.Store
	Index   *knowledge.Index
	Drafts  drafts.Store

	closeOnce sync.Once
	logger    *slog.Logger
}

// Close drains background learning and releases storage. Calls after the
// first are no-ops.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Machine.Close(ctx); err != nil {
			a.logger.Warn("learning jobs still pending at shutdown", "error", err)
		}
		if err := a.Drafts.Close(); err != nil {
			a.logger.Warn("drafts close", "error", err)
		}
		if err := a.Store.Close(); err != nil {
			a.logger.Warn("memory store close", "error", err)
		}
	})
}

// New creates and configures the MCP server with every learning tool
// registered. This is the single place where all dependencies are resolved.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// --- Persistence ---

	store, err := memory.New(cfg.Memory())
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	// --- Knowledge search ---
	//
	// The vector index lives in memory and is rebuilt from the gateway on
	// start; commit observers keep it current afterwards.

	embedder := knowledge.NewHashEmbedder(cfg.Knowledge.Dimensions)
	index := knowledge.New(knowledge.WithEmbedder(embedder), knowledge.WithLogger(logger))
	export, err := store.Export(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("loading knowledge index: %w", err)
	}
	n, err := index.Load(ctx, export.Records)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("loading knowledge index: %w", err)
	}
	logger.Debug("knowledge index loaded", "records", n)

	var searcher learning.Searcher = index
	if cfg.Knowledge.Search == config.SearchKeyword {
		searcher = store
	}

	// --- Consolidation ---

	var policy consolidate.Policy = consolidate.TokenOverlap{Threshold: cfg.Knowledge.Threshold}
	if cfg.Knowledge.Similarity == config.SimilarityCosine {
		policy = consolidate.Cosine{Embedder: embedder, Threshold: cfg.Knowledge.Threshold}
	}
	engine := consolidate.New(store,
		consolidate.WithPolicy(policy),
		consolidate.WithLogger(logger),
		consolidate.WithObserver(index.Observe),
	)

	// --- Confirmation channel ---

	ds, err := newDrafts(cfg.Drafts, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// --- Machine ---

	m, err := machine.New(cfg.Machine(), machine.Deps{
		Gateway:   store,
		Extractor: newExtractor(cfg.Extractor, logger),
		Searcher:  searcher,
		Drafts:    ds,
		Engine:    engine,
	},
		machine.WithLogger(logger),
		machine.WithProposalHandler(func(_ context.Context, d drafts.Draft) {
			logger.Info("learning proposed, awaiting confirmation", "ref_id", d.RefID, "scope", d.Scope.Key())
		}),
	)
	if err != nil {
		_ = ds.Close()
		_ = store.Close()
		return nil, fmt.Errorf("creating learning machine: %w", err)
	}

	// --- MCP server ---

	s := server.NewMCPServer(
		"learnd",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	s.AddTools(m.Tools()...)
	registerLifecycleTools(s, m, store)

	// --- Prompts ---

	recall := prompts.NewRecallPrompt()
	s.AddPrompt(recall.Definition(), recall.Handle)

	// --- Resources ---

	rh := resources.NewHandler(store, m)
	s.AddResource(rh.StatsResource(), rh.HandleStats)
	s.AddResource(rh.ExportResource(), rh.HandleExport)

	return &App{MCP: s, Machine: m, Store: store, Index: index, Drafts: ds, logger: logger}, nil
}

// registerLifecycleTools registers the run hooks and, when proposals are
// possible, the confirmation channel.
func registerLifecycleTools(s *server.MCPServer, m *machine.Machine, store *memory.Store) {
	s.AddTools(memtools.ServerTools(
		memtools.NewRetrieveTool(m),
		memtools.NewTurnCompleteTool(m),
		memtools.NewStatusTool(m, store),
		memtools.NewRecordTool(store),
	)...)

	if mode, ok := m.Mode(learning.StoreLearnedKnowledge); ok && mode == learning.ModePropose {
		s.AddTools(memtools.ServerTools(
			memtools.NewDraftsTool(m),
			memtools.NewConfirmTool(m),
			memtools.NewRejectTool(m),
		)...)
		review := prompts.NewReviewPrompt()
		s.AddPrompt(review.Definition(), review.Handle)
	}
}

func newDrafts(cfg config.DraftsConfig, logger *slog.Logger) (drafts.Store, error) {
	if cfg.RedisURL == "" {
		return drafts.NewMemory(cfg.TTL, cfg.SweepInterval, drafts.WithLogger(logger)), nil
	}
	r, err := drafts.NewRedis(drafts.RedisOptions{
		URL:    cfg.RedisURL,
		Prefix: cfg.Prefix,
		TTL:    cfg.TTL,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating draft store: %w", err)
	}
	return r, nil
}

func newExtractor(cfg config.ExtractorConfig, logger *slog.Logger) learning.Extractor {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Provider == config.ProviderRules || (cfg.Provider == config.ProviderAuto && key == "") {
		logger.Info("using rule-based extraction")
		return extractor.NewRules()
	}
	return extractor.NewAnthropicFromKey(key,
		extractor.WithModel(cfg.Model),
		extractor.WithMaxTokens(cfg.MaxTokens),
		extractor.WithLogger(logger),
	)
}

// serverInstructions returns the system instructions that tell the AI
// how to use learnd effectively.
func serverInstructions() string {
	return `You have access to learnd, a long-term learning memory for agents.

## EVERY CONVERSATION

1. At the start, call learn_retrieve with the user_id, session_id and any
   entities the user mentions. Use what it returns to personalize your answer.
2. After every answer, call learn_turn_complete with the user's message and
   your response. It returns immediately; learning happens in the background.

Never wait for background learning. If learn_retrieve says storage is
unavailable, continue with what it shows.

## WRITING MEMORY YOURSELF

Some stores are tool-driven. When their tools are listed, use them:
- update_user_profile: the user states their name or another profile fact
- add_memory / update_memory / delete_memory: durable observations about the user
- add_entity_fact / add_entity_event / add_entity_relationship: companies,
  people or projects the user works with
- save_learning: a reusable insight you discovered while solving a problem
- search_learnings: look for insights before tackling a familiar problem

Near-duplicates are merged automatically, so do not search before saving.

## PROPOSALS

When propose_learning or learn_drafts are listed, insights are saved only after
the user agrees. Show the proposal, ask the user, then call learn_confirm or
learn_reject with the ref_id. Unanswered proposals expire.

## STATUS

learn_status shows queued and failed background jobs and stored record counts.
learn_record shows one record by ID, including merged duplicates and the
values it replaced.`
}
