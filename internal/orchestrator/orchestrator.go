// Package orchestrator owns the asynchronous turn job state machine: it
// accepts a turn, persists it pending, schedules background execution on a
// supervised pool, drives the Gemini call with its single bounded web_search
// round-trip, and guarantees every job ends complete or failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/extract"
	"server/internal/infra"
	"server/internal/providers/genai"
	"server/internal/providers/search"
)

const (
	webSearchToolName = "web_search"
	maxSearchQueries  = 3
	maxTitleLen       = 80
)

// ChatModel is the slice of the Gemini client the orchestrator needs.
type ChatModel interface {
	GenerateContent(ctx context.Context, history []genai.Content, tools []genai.Tool) (*genai.Response, error)
}

// Searcher executes a batch of web searches on the model's behalf.
type Searcher interface {
	Search(ctx context.Context, queries []string) ([]search.QueryResults, error)
}

// Options wires the orchestrator's dependencies. All of them are required;
// a nil dependency is a startup configuration error.
type Options struct {
	Conversations domain.ConversationRepository
	Turns         domain.TurnRepository
	Model         ChatModel
	Searcher      Searcher
	Logger        infra.Logger
	Workers       int
	LLMTimeout    time.Duration
	SearchTimeout time.Duration
	TurnTimeout   time.Duration
}

// Orchestrator accepts conversational turns and runs them asynchronously.
type Orchestrator struct {
	conversations domain.ConversationRepository
	turns         domain.TurnRepository
	model         ChatModel
	searcher      Searcher
	logger        infra.Logger
	pool          *pool

	llmTimeout    time.Duration
	searchTimeout time.Duration
	turnTimeout   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// TurnRequest is one submitted turn. ConversationID empty means "start a new
// conversation", in which case Type selects the flow.
type TurnRequest struct {
	ConversationID string
	Type           domain.ConversationType
	UserQuery      string
	Region         string
}

// TurnReceipt identifies the accepted job for later polling.
type TurnReceipt struct {
	ConversationID string
	TurnID         string
	TurnIndex      int
}

// New validates the dependency set and starts the worker pool.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Conversations == nil:
		return nil, fmt.Errorf("orchestrator: conversation repository is required")
	case opts.Turns == nil:
		return nil, fmt.Errorf("orchestrator: turn repository is required")
	case opts.Model == nil:
		return nil, fmt.Errorf("orchestrator: chat model is required")
	case opts.Searcher == nil:
		return nil, fmt.Errorf("orchestrator: searcher is required")
	}

	llmTimeout := opts.LLMTimeout
	if llmTimeout <= 0 {
		llmTimeout = 90 * time.Second
	}
	searchTimeout := opts.SearchTimeout
	if searchTimeout <= 0 {
		searchTimeout = 20 * time.Second
	}
	turnTimeout := opts.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = 4 * time.Minute
	}

	return &Orchestrator{
		conversations: opts.Conversations,
		turns:         opts.Turns,
		model:         opts.Model,
		searcher:      opts.Searcher,
		logger:        opts.Logger,
		pool:          newPool(opts.Workers, 0, opts.Logger),
		llmTimeout:    llmTimeout,
		searchTimeout: searchTimeout,
		turnTimeout:   turnTimeout,
		inflight:      make(map[string]struct{}),
	}, nil
}

// SubmitTurn validates and persists a new pending turn, schedules its
// background execution, and returns immediately. The caller polls for the
// outcome; nothing here waits on the model.
func (o *Orchestrator) SubmitTurn(ctx context.Context, ownerID string, req TurnRequest) (*TurnReceipt, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.UserQuery) == "" {
		return nil, fmt.Errorf("%w: user query is required", domain.ErrValidation)
	}

	var (
		conv *domain.Conversation
		err  error
		idx  int
	)

	if req.ConversationID == "" {
		if !domain.ValidConversationType(req.Type) {
			return nil, fmt.Errorf("%w: unknown conversation type %q", domain.ErrValidation, req.Type)
		}
		conv = &domain.Conversation{
			ID:                uuid.NewString(),
			OwnerID:           ownerID,
			Type:              req.Type,
			Title:             deriveTitle(req.UserQuery),
			InitialTurnStatus: domain.TurnStatusPending,
		}
		if err = o.conversations.Create(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		idx = 0
	} else {
		conv, err = o.conversations.GetForOwner(ctx, req.ConversationID, ownerID)
		if err != nil {
			return nil, err
		}
		inflight := false
		idx, inflight, err = o.turns.NextIndex(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("next turn index: %w", err)
		}
		if inflight {
			return nil, domain.ErrTurnInFlight
		}
	}

	if !o.reserve(conv.ID) {
		return nil, domain.ErrTurnInFlight
	}

	turn := &domain.Turn{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Index:          idx,
		Status:         domain.TurnStatusPending,
		UserQuery:      req.UserQuery,
	}
	if err := o.turns.Create(ctx, turn); err != nil {
		o.release(conv.ID)
		return nil, fmt.Errorf("create turn: %w", err)
	}

	convID, turnID, turnIdx, region := conv.ID, turn.ID, turn.Index, req.Region
	if err := o.pool.Submit(func(jobCtx context.Context) {
		defer o.release(convID)
		o.runTurn(jobCtx, convID, turnID, turnIdx, region)
	}); err != nil {
		o.release(convID)
		o.failTurn(ctx, turnID, turnIdx, convID, "the server could not schedule this turn")
		return nil, fmt.Errorf("schedule turn: %w", err)
	}

	o.logger.Info().
		Str("conversation_id", convID).
		Str("turn_id", turnID).
		Int("turn_index", turnIdx).
		Msg("turn accepted")

	return &TurnReceipt{ConversationID: convID, TurnID: turnID, TurnIndex: turnIdx}, nil
}

// Close drains the pool; see pool.Close for deadline semantics.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.pool.Close(ctx)
}

func (o *Orchestrator) reserve(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[conversationID]; busy {
		return false
	}
	o.inflight[conversationID] = struct{}{}
	return true
}

func (o *Orchestrator) release(conversationID string) {
	o.mu.Lock()
	delete(o.inflight, conversationID)
	o.mu.Unlock()
}

// runTurn is the background execution protocol. Every path through it leaves
// the turn in a terminal state.
func (o *Orchestrator) runTurn(ctx context.Context, conversationID, turnID string, turnIndex int, region string) {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	if err := o.turns.MarkRunning(ctx, turnID); err != nil {
		o.logger.Error().Err(err).Str("turn_id", turnID).Msg("turn: mark running failed")
		o.failTurn(ctx, turnID, turnIndex, conversationID, "the server could not start this turn")
		return
	}

	result, err := o.execute(ctx, conversationID, turnID, region)
	if err != nil {
		o.logger.Error().Err(err).
			Str("conversation_id", conversationID).
			Str("turn_id", turnID).
			Msg("turn failed")
		o.failTurn(ctx, turnID, turnIndex, conversationID, userFacingError(err))
		return
	}

	persistCtx, persistCancel := persistContext(ctx)
	defer persistCancel()
	if err := o.turns.Complete(persistCtx, turnID, *result); err != nil {
		o.logger.Error().Err(err).Str("turn_id", turnID).Msg("turn: persist result failed")
		o.failTurn(ctx, turnID, turnIndex, conversationID, "the result could not be saved")
		return
	}
	if turnIndex == 0 {
		o.propagateInitialStatus(persistCtx, conversationID, domain.TurnStatusComplete)
	}

	o.logger.Info().
		Str("conversation_id", conversationID).
		Str("turn_id", turnID).
		Int("product_names", len(result.ProductNames)).
		Msg("turn complete")
}

// execute runs the model protocol: one generate call, at most one web_search
// round-trip, then a final text answer.
func (o *Orchestrator) execute(ctx context.Context, conversationID, turnID, region string) (*domain.TurnResult, error) {
	conv, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	turns, err := o.turns.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	var current *domain.Turn
	for i := range turns {
		if turns[i].ID == turnID {
			current = &turns[i]
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("turn %s missing from conversation %s", turnID, conversationID)
	}

	history := buildHistory(conv, turns, turnID, current.UserQuery, region, time.Now())
	tools := []genai.Tool{webSearchTool}

	resp, err := o.generate(ctx, history, tools)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	if call := resp.FunctionCall(); call != nil {
		if call.Name != webSearchToolName {
			return nil, fmt.Errorf("%w: model requested unknown tool %q", domain.ErrUpstream, call.Name)
		}
		queries := call.StringSlice("search_queries")
		if len(queries) == 0 {
			return nil, fmt.Errorf("%w: model requested a search without queries", domain.ErrUpstream)
		}
		if len(queries) > maxSearchQueries {
			queries = queries[:maxSearchQueries]
		}

		searchCtx, cancel := context.WithTimeout(ctx, o.searchTimeout)
		results, err := o.searcher.Search(searchCtx, queries)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: web search: %v", domain.ErrUpstream, err)
		}

		history = append(history, resp.Content)
		history = append(history, genai.FunctionResult(webSearchToolName, search.MarshalResults(results)))

		resp, err = o.generate(ctx, history, tools)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
		}
		// The protocol is bounded to a single tool round-trip per turn.
		if resp.FunctionCall() != nil {
			return nil, fmt.Errorf("%w: model requested a second tool call", domain.ErrUpstream)
		}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("%w: model returned an empty response", domain.ErrUpstream)
	}

	return &domain.TurnResult{
		ModelResponse: text,
		ProductNames:  extract.ProductNames(text),
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, history []genai.Content, tools []genai.Tool) (*genai.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.llmTimeout)
	defer cancel()
	return o.model.GenerateContent(callCtx, history, tools)
}

// failTurn records the terminal failure and, for turn 0, mirrors it onto the
// parent conversation. Conflicts with an already-terminal turn are logged and
// dropped: terminal states are immutable.
func (o *Orchestrator) failTurn(ctx context.Context, turnID string, turnIndex int, conversationID, message string) {
	// The job context may already be expired or canceled; terminal writes
	// must still land or the turn would be stuck running forever.
	ctx, cancel := persistContext(ctx)
	defer cancel()
	if err := o.turns.Fail(ctx, turnID, message); err != nil && !errors.Is(err, domain.ErrConflict) {
		o.logger.Error().Err(err).Str("turn_id", turnID).Msg("turn: persist failure status failed")
	}
	if turnIndex == 0 {
		o.propagateInitialStatus(ctx, conversationID, domain.TurnStatusFailed)
	}
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (o *Orchestrator) propagateInitialStatus(ctx context.Context, conversationID string, status domain.TurnStatus) {
	if err := o.conversations.SetInitialTurnStatus(ctx, conversationID, status); err != nil {
		o.logger.Error().Err(err).
			Str("conversation_id", conversationID).
			Msg("turn: update conversation initial status failed")
	}
}

// userFacingError strips internal wrapping down to a message safe to show the
// polling caller.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out while generating a response"
	case errors.Is(err, context.Canceled):
		return "server shutting down before the turn finished"
	case errors.Is(err, domain.ErrUpstream):
		msg := err.Error()
		if idx := strings.Index(msg, ": "); idx >= 0 {
			return msg[idx+2:]
		}
		return msg
	default:
		return "an unexpected error occurred while processing this turn"
	}
}

func deriveTitle(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = strings.TrimSpace(string(runes[:maxTitleLen])) + "…"
	}
	return title
}
