package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/genai"
	"server/internal/providers/search"
)

// memStore is an in-memory stand-in for the Postgres repositories, honoring
// the same contract: owner checks, forward-only status, immutable terminals.
type memStore struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
	turns map[string]*domain.Turn
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]*domain.Conversation),
		turns: make(map[string]*domain.Turn),
	}
}

type memConvRepo struct{ s *memStore }

func (r memConvRepo) Create(_ context.Context, conv *domain.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	clone := *conv
	r.s.convs[conv.ID] = &clone
	return nil
}

func (r memConvRepo) Get(_ context.Context, id string) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.convs[id]
	if !ok || conv.Deleted {
		return nil, domain.ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (r memConvRepo) GetForOwner(ctx context.Context, id, ownerID string) (*domain.Conversation, error) {
	conv, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	return conv, nil
}

func (r memConvRepo) ListForOwner(context.Context, string, int, string) ([]domain.ConversationSummary, string, error) {
	return nil, "", nil
}

func (r memConvRepo) UpdateTitle(_ context.Context, id, ownerID, title string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return domain.ErrForbidden
	}
	conv.Title = title
	return nil
}

func (r memConvRepo) SetInitialTurnStatus(_ context.Context, id string, status domain.TurnStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	conv.InitialTurnStatus = status
	return nil
}

func (r memConvRepo) SetShareID(_ context.Context, id, shareID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	conv.ShareID = shareID
	return nil
}

func (r memConvRepo) SoftDelete(_ context.Context, id, ownerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return domain.ErrForbidden
	}
	conv.Deleted = true
	return nil
}

type memTurnRepo struct{ s *memStore }

func (r memTurnRepo) Create(_ context.Context, turn *domain.Turn) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	clone := *turn
	clone.CreatedAt = time.Now()
	r.s.turns[turn.ID] = &clone
	return nil
}

func (r memTurnRepo) Get(_ context.Context, conversationID, turnID string) (*domain.Turn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	turn, ok := r.s.turns[turnID]
	if !ok || turn.ConversationID != conversationID {
		return nil, domain.ErrNotFound
	}
	clone := *turn
	return &clone, nil
}

func (r memTurnRepo) ListByConversation(_ context.Context, conversationID string) ([]domain.Turn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Turn
	for _, turn := range r.s.turns {
		if turn.ConversationID == conversationID {
			out = append(out, *turn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r memTurnRepo) NextIndex(_ context.Context, conversationID string) (int, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	next := 0
	inflight := false
	for _, turn := range r.s.turns {
		if turn.ConversationID != conversationID {
			continue
		}
		if turn.Index >= next {
			next = turn.Index + 1
		}
		if !turn.Status.Terminal() {
			inflight = true
		}
	}
	return next, inflight, nil
}

func (r memTurnRepo) MarkRunning(_ context.Context, turnID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	turn, ok := r.s.turns[turnID]
	if !ok {
		return domain.ErrNotFound
	}
	if turn.Status.Terminal() {
		return domain.ErrConflict
	}
	turn.Status = domain.TurnStatusRunning
	return nil
}

func (r memTurnRepo) Complete(_ context.Context, turnID string, result domain.TurnResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	turn, ok := r.s.turns[turnID]
	if !ok {
		return domain.ErrNotFound
	}
	if turn.Status.Terminal() {
		return domain.ErrConflict
	}
	turn.Status = domain.TurnStatusComplete
	turn.ModelResponse = result.ModelResponse
	turn.ProductNames = result.ProductNames
	return nil
}

func (r memTurnRepo) Fail(_ context.Context, turnID, message string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	turn, ok := r.s.turns[turnID]
	if !ok {
		return domain.ErrNotFound
	}
	if turn.Status.Terminal() {
		return domain.ErrConflict
	}
	turn.Status = domain.TurnStatusFailed
	turn.ErrorMessage = message
	return nil
}

// fakeModel replays a scripted sequence of responses and counts calls.
type fakeModel struct {
	mu      sync.Mutex
	script  []*genai.Response
	errs    []error
	calls   int
	release chan struct{}
}

func (m *fakeModel) GenerateContent(ctx context.Context, history []genai.Content, tools []genai.Tool) (*genai.Response, error) {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.script) {
		return nil, fmt.Errorf("fakeModel: unscripted call %d", i)
	}
	return m.script[i], nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	queries [][]string
	results []search.QueryResults
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, queries []string) ([]search.QueryResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.queries = append(s.queries, queries)
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *fakeSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func textResponse(text string) *genai.Response {
	return &genai.Response{Content: genai.Content{Role: "model", Parts: []genai.Part{{Text: text}}}}
}

func toolResponse(queries ...string) *genai.Response {
	args := make([]any, len(queries))
	for i, q := range queries {
		args[i] = q
	}
	return &genai.Response{Content: genai.Content{
		Role: "model",
		Parts: []genai.Part{{FunctionCall: &genai.FunctionCall{
			Name: "web_search",
			Args: map[string]any{"search_queries": args},
		}}},
	}}
}

func testLogger() infra.Logger {
	return zerolog.New(io.Discard)
}

func newTestOrchestrator(t *testing.T, store *memStore, model ChatModel, searcher Searcher) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Conversations: memConvRepo{store},
		Turns:         memTurnRepo{store},
		Model:         model,
		Searcher:      searcher,
		Logger:        testLogger(),
		Workers:       2,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func waitForTerminal(t *testing.T, store *memStore, turnID string) domain.Turn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		turn, ok := store.turns[turnID]
		if ok && turn.Status.Terminal() {
			clone := *turn
			store.mu.Unlock()
			return clone
		}
		store.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("turn %s never reached a terminal state", turnID)
	return domain.Turn{}
}

func TestSubmitTurnDirectAnswer(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{script: []*genai.Response{
		textResponse("Get the Dell XPS 13.\n\n### RECOMMENDATIONS\n- Dell XPS 13\n- HP Spectre x360"),
	}}
	searcher := &fakeSearcher{}
	o := newTestOrchestrator(t, store, model, searcher)

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeProductDiscovery,
		UserQuery: "I need a good laptop for college",
	})
	if err != nil {
		t.Fatalf("SubmitTurn returned error: %v", err)
	}
	if receipt.TurnIndex != 0 {
		t.Errorf("TurnIndex = %d, want 0", receipt.TurnIndex)
	}

	turn := waitForTerminal(t, store, receipt.TurnID)
	if turn.Status != domain.TurnStatusComplete {
		t.Fatalf("turn status = %s, error = %q", turn.Status, turn.ErrorMessage)
	}
	if len(turn.ProductNames) != 2 || turn.ProductNames[0] != "Dell XPS 13" || turn.ProductNames[1] != "HP Spectre x360" {
		t.Errorf("ProductNames = %v", turn.ProductNames)
	}
	if model.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", model.callCount())
	}
	if searcher.callCount() != 0 {
		t.Errorf("search calls = %d, want 0", searcher.callCount())
	}

	conv, err := memConvRepo{store}.Get(context.Background(), receipt.ConversationID)
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	if conv.InitialTurnStatus != domain.TurnStatusComplete {
		t.Errorf("InitialTurnStatus = %s", conv.InitialTurnStatus)
	}
	if conv.Title != "I need a good laptop for college" {
		t.Errorf("Title = %q", conv.Title)
	}
}

func TestSubmitTurnToolRoundTrip(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{script: []*genai.Response{
		toolResponse("best laptop 2026", "college laptop reddit"),
		textResponse("Based on fresh research, stick with your current pick."),
	}}
	searcher := &fakeSearcher{results: []search.QueryResults{
		{Query: "best laptop 2026", Results: []search.Result{{Title: "roundup", Link: "https://example.com"}}},
	}}
	o := newTestOrchestrator(t, store, model, searcher)

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeResearch,
		UserQuery: "which laptop survives a commute?",
	})
	if err != nil {
		t.Fatalf("SubmitTurn returned error: %v", err)
	}

	turn := waitForTerminal(t, store, receipt.TurnID)
	if turn.Status != domain.TurnStatusComplete {
		t.Fatalf("turn status = %s, error = %q", turn.Status, turn.ErrorMessage)
	}
	if len(turn.ProductNames) != 0 {
		t.Errorf("ProductNames = %v, want empty", turn.ProductNames)
	}
	if turn.ModelResponse == "" {
		t.Error("ModelResponse is empty")
	}
	if model.callCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", model.callCount())
	}
	if searcher.callCount() != 1 {
		t.Errorf("search calls = %d, want 1", searcher.callCount())
	}
	if got := searcher.queries[0]; len(got) != 2 || got[0] != "best laptop 2026" {
		t.Errorf("search queries = %v", got)
	}
}

func TestSubmitTurnUnknownConversation(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(t, store, &fakeModel{}, &fakeSearcher{})

	_, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		ConversationID: "missing",
		UserQuery:      "hello?",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.turns) != 0 {
		t.Errorf("a turn was created for a missing conversation")
	}
}

func TestSubmitTurnOwnershipIsolation(t *testing.T) {
	store := newMemStore()
	store.convs["conv-1"] = &domain.Conversation{ID: "conv-1", OwnerID: "user-a", Type: domain.ConversationTypeProductDiscovery}
	o := newTestOrchestrator(t, store, &fakeModel{}, &fakeSearcher{})

	_, err := o.SubmitTurn(context.Background(), "user-b", TurnRequest{
		ConversationID: "conv-1",
		UserQuery:      "what did user-a ask?",
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.turns) != 0 {
		t.Errorf("a turn was created for a non-owner")
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(t, store, &fakeModel{}, &fakeSearcher{})

	if _, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{Type: domain.ConversationTypeResearch}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty query: err = %v, want ErrValidation", err)
	}
	if _, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{Type: "mystery", UserQuery: "q"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad type: err = %v, want ErrValidation", err)
	}
}

func TestSubmitTurnRefusesConcurrentTurn(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{
		script:  []*genai.Response{textResponse("done")},
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, store, model, &fakeSearcher{})

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeQuickDecision,
		UserQuery: "pizza or salad?",
	})
	if err != nil {
		t.Fatalf("first SubmitTurn: %v", err)
	}

	_, err = o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		ConversationID: receipt.ConversationID,
		UserQuery:      "actually, sushi?",
	})
	if !errors.Is(err, domain.ErrTurnInFlight) {
		t.Fatalf("err = %v, want ErrTurnInFlight", err)
	}

	close(model.release)
	waitForTerminal(t, store, receipt.TurnID)

	// Once the first turn settles, a follow-up is accepted.
	second, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		ConversationID: receipt.ConversationID,
		UserQuery:      "actually, sushi?",
	})
	if err != nil {
		t.Fatalf("follow-up SubmitTurn: %v", err)
	}
	if second.TurnIndex != 1 {
		t.Errorf("follow-up TurnIndex = %d, want 1", second.TurnIndex)
	}
	waitForTerminal(t, store, second.TurnID)
}

func TestSearchFailureFailsTurnWithoutPartialWrite(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{script: []*genai.Response{toolResponse("doomed query")}}
	searcher := &fakeSearcher{err: errors.New("serper melted")}
	o := newTestOrchestrator(t, store, model, searcher)

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeProductDiscovery,
		UserQuery: "find me a grill",
	})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	turn := waitForTerminal(t, store, receipt.TurnID)
	if turn.Status != domain.TurnStatusFailed {
		t.Fatalf("turn status = %s, want failed", turn.Status)
	}
	if turn.ModelResponse != "" || len(turn.ProductNames) != 0 {
		t.Errorf("failed turn carries partial results: %+v", turn)
	}
	if turn.ErrorMessage == "" || strings.Contains(turn.ErrorMessage, "goroutine") {
		t.Errorf("ErrorMessage = %q", turn.ErrorMessage)
	}
	if model.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1 (no second call after failed search)", model.callCount())
	}

	conv, _ := memConvRepo{store}.Get(context.Background(), receipt.ConversationID)
	if conv.InitialTurnStatus != domain.TurnStatusFailed {
		t.Errorf("InitialTurnStatus = %s, want failed", conv.InitialTurnStatus)
	}
}

func TestBoundedRoundTrips(t *testing.T) {
	// A model that keeps asking for tools must be cut off after the second
	// call: at most two LLM calls and one search per turn, then failure.
	store := newMemStore()
	model := &fakeModel{script: []*genai.Response{
		toolResponse("first"),
		toolResponse("second"),
		toolResponse("third"),
	}}
	searcher := &fakeSearcher{}
	o := newTestOrchestrator(t, store, model, searcher)

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeResearch,
		UserQuery: "loop forever please",
	})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	turn := waitForTerminal(t, store, receipt.TurnID)
	if turn.Status != domain.TurnStatusFailed {
		t.Fatalf("turn status = %s, want failed", turn.Status)
	}
	if model.callCount() != 2 {
		t.Errorf("LLM calls = %d, want exactly 2", model.callCount())
	}
	if searcher.callCount() != 1 {
		t.Errorf("search calls = %d, want exactly 1", searcher.callCount())
	}
}

func TestLLMFailureFailsTurn(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{errs: []error{errors.New("gemini status 500: boom")}}
	o := newTestOrchestrator(t, store, model, &fakeSearcher{})

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeProductDiscovery,
		UserQuery: "anything",
	})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	turn := waitForTerminal(t, store, receipt.TurnID)
	if turn.Status != domain.TurnStatusFailed {
		t.Fatalf("turn status = %s", turn.Status)
	}
	if turn.ErrorMessage == "" {
		t.Error("ErrorMessage is empty")
	}
}

func TestFollowupHistoryIncludesPriorTurns(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{script: []*genai.Response{
		textResponse("first answer\n\n### RECOMMENDATIONS\n- Weber Spirit II"),
		textResponse("still the Weber."),
	}}
	o := newTestOrchestrator(t, store, model, &fakeSearcher{})

	first, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeProductDiscovery,
		UserQuery: "best gas grill?",
	})
	if err != nil {
		t.Fatalf("first SubmitTurn: %v", err)
	}
	waitForTerminal(t, store, first.TurnID)

	second, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		ConversationID: first.ConversationID,
		UserQuery:      "does it fit a small patio?",
	})
	if err != nil {
		t.Fatalf("second SubmitTurn: %v", err)
	}
	turn := waitForTerminal(t, store, second.TurnID)
	if turn.Status != domain.TurnStatusComplete {
		t.Fatalf("second turn status = %s, error = %q", turn.Status, turn.ErrorMessage)
	}
	if turn.Index != 1 {
		t.Errorf("second turn index = %d", turn.Index)
	}
}

func TestCloseDrainsRunningTurns(t *testing.T) {
	store := newMemStore()
	model := &fakeModel{
		script:  []*genai.Response{textResponse("made it")},
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, store, model, &fakeSearcher{})

	receipt, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeQuickDecision,
		UserQuery: "go or stay?",
	})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- o.Close(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	close(model.release)

	if err := <-done; err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	turn := waitForTerminal(t, store, receipt.TurnID)
	if turn.Status != domain.TurnStatusComplete {
		t.Errorf("turn status after drain = %s", turn.Status)
	}

	if _, err := o.SubmitTurn(context.Background(), "user-a", TurnRequest{
		Type:      domain.ConversationTypeQuickDecision,
		UserQuery: "too late?",
	}); err == nil {
		t.Error("SubmitTurn succeeded after Close")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	store := newMemStore()
	base := Options{
		Conversations: memConvRepo{store},
		Turns:         memTurnRepo{store},
		Model:         &fakeModel{},
		Searcher:      &fakeSearcher{},
		Logger:        testLogger(),
	}

	for name, mutate := range map[string]func(*Options){
		"conversations": func(o *Options) { o.Conversations = nil },
		"turns":         func(o *Options) { o.Turns = nil },
		"model":         func(o *Options) { o.Model = nil },
		"searcher":      func(o *Options) { o.Searcher = nil },
	} {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Fatalf("New accepted nil %s", name)
			}
		})
	}
}
