package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/raphaelgruber/kbchat/internal/llm"
	"github.com/raphaelgruber/kbchat/internal/models"
)

type fakeStore struct {
	messages   []*models.Message
	summary    *string
	title      string
	appendErr  error
	recentErr  error
	titleErr   error
	summarySet []string
	titleSet   []string
	touched    int
}

func (f *fakeStore) AppendMessage(_ context.Context, sessionID uuid.UUID, role, content string) (*models.Message, int, error) {
	if f.appendErr != nil {
		return nil, 0, f.appendErr
	}
	msg := &models.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Seq:       len(f.messages) + 1,
	}
	f.messages = append(f.messages, msg)
	return msg, len(f.messages), nil
}

func (f *fakeStore) Touch(_ context.Context, _ uuid.UUID) error {
	f.touched++
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	return &models.Session{ID: id, UserID: "u1", Title: f.title, Summary: f.summary}, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, _ uuid.UUID, limit int) ([]*models.Message, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	if len(f.messages) <= limit {
		return f.messages, nil
	}
	return f.messages[len(f.messages)-limit:], nil
}

func (f *fakeStore) UpdateTitle(_ context.Context, _ uuid.UUID, title string) error {
	if f.titleErr != nil {
		return f.titleErr
	}
	f.titleSet = append(f.titleSet, title)
	return nil
}

func (f *fakeStore) UpdateSummary(_ context.Context, _ uuid.UUID, summary string) error {
	f.summarySet = append(f.summarySet, summary)
	return nil
}

// scriptedStep is one model response: either streamed text or tool calls.
type scriptedStep struct {
	text  string
	calls []llm.ToolCall
	err   error
	// stream controls whether text goes through onDelta or only the result.
	stream bool
}

type fakeGenerator struct {
	steps       []scriptedStep
	stepIndex   int
	generated   []string // plain Generate results, popped in order
	generateErr error
	histories   [][]llm.ChatMessage
	plainCalls  [][]llm.ChatMessage
}

func (f *fakeGenerator) Generate(_ context.Context, history []llm.ChatMessage) (string, error) {
	f.plainCalls = append(f.plainCalls, history)
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if len(f.generated) == 0 {
		return "", nil
	}
	out := f.generated[0]
	f.generated = f.generated[1:]
	return out, nil
}

func (f *fakeGenerator) GenerateWithTools(_ context.Context, history []llm.ChatMessage, _ []llms.Tool, onDelta func(string) error) (*llm.StepResult, error) {
	f.histories = append(f.histories, history)
	if f.stepIndex >= len(f.steps) {
		return &llm.StepResult{Text: ""}, nil
	}
	step := f.steps[f.stepIndex]
	f.stepIndex++
	if step.err != nil {
		return nil, step.err
	}
	if step.stream && step.text != "" {
		for _, word := range strings.SplitAfter(step.text, " ") {
			if err := onDelta(word); err != nil {
				return nil, err
			}
		}
	}
	return &llm.StepResult{Text: step.text, ToolCalls: step.calls}, nil
}

type recordingEmitter struct {
	deltas   []string
	messages []string
	titles   []string
	done     int
}

func (e *recordingEmitter) Delta(text string) error { e.deltas = append(e.deltas, text); return nil }
func (e *recordingEmitter) Done() error             { e.done++; return nil }
func (e *recordingEmitter) Message(text string) error {
	e.messages = append(e.messages, text)
	return nil
}
func (e *recordingEmitter) TitleUpdated(_ uuid.UUID, title string) {
	e.titles = append(e.titles, title)
}

func testChatConfig() config.Chat {
	return config.Chat{
		RecentWindow:      10,
		SummaryThreshold:  18,
		SummaryInterval:   4,
		SummaryWindow:     40,
		MaxToolIterations: 5,
		ToolMandatory:     true,
	}
}

func newTestOrchestrator(store *fakeStore, gen *fakeGenerator) *Orchestrator {
	registry := NewRegistry(NewKBSearchTool(&fakeToolSearcher{}))
	return New(store, gen, registry, testChatConfig(), slog.Default())
}

type fakeToolSearcher struct {
	results []models.RetrievalResult
	queries []string
}

func (f *fakeToolSearcher) Search(_ context.Context, query string, _ int) []models.RetrievalResult {
	f.queries = append(f.queries, query)
	return f.results
}

func TestRunStreamedTurn(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "hello there friend", stream: true}},
		generated: []string{"Greetings"},
	}
	o := newTestOrchestrator(store, gen)
	emit := &recordingEmitter{}

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, emit)
	require.NoError(t, err)

	assert.Equal(t, "hello there friend", strings.Join(emit.deltas, ""))
	assert.Empty(t, emit.messages, "no fallback after streaming")
	assert.Equal(t, 1, emit.done)

	require.Len(t, store.messages, 2)
	assert.Equal(t, models.RoleUser, store.messages[0].Role)
	assert.Equal(t, 1, store.messages[0].Seq)
	assert.Equal(t, models.RoleAssistant, store.messages[1].Role)
	assert.Equal(t, "hello there friend", store.messages[1].Content)
	assert.Equal(t, 2, store.messages[1].Seq)
	assert.Equal(t, 1, store.touched)
}

func TestRunFallbackMessageWhenNothingStreamed(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "full answer", stream: false}},
		generated: []string{"Title"},
	}
	o := newTestOrchestrator(store, gen)
	emit := &recordingEmitter{}

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, emit)
	require.NoError(t, err)

	assert.Empty(t, emit.deltas)
	assert.Equal(t, []string{"full answer"}, emit.messages)
	assert.Equal(t, 1, emit.done)
}

func TestRunRejectsNilSession(t *testing.T) {
	o := newTestOrchestrator(&fakeStore{}, &fakeGenerator{})
	err := o.Run(context.Background(), Turn{UserID: "u1", Text: "hi"}, &recordingEmitter{})
	require.ErrorContains(t, err, "session not initialized")
}

func TestRunToolLoop(t *testing.T) {
	searcher := &fakeToolSearcher{results: []models.RetrievalResult{
		{Kind: models.RetrievalKindText, Title: "Doc", URL: "https://kb/doc", Snippet: "snippet"},
	}}
	registry := NewRegistry(NewKBSearchTool(searcher))
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps: []scriptedStep{
			{calls: []llm.ToolCall{{ID: "c1", Name: "kb_search", Arguments: `{"query":"docs"}`}}},
			{text: "answer with citation", stream: true},
		},
		generated: []string{"Title"},
	}
	o := New(store, gen, registry, testChatConfig(), slog.Default())
	emit := &recordingEmitter{}

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "find docs"}, emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"docs"}, searcher.queries)
	require.Len(t, gen.histories, 2)
	// Second round must carry the tool call and its result.
	second := gen.histories[1]
	var sawCall, sawResult bool
	for _, msg := range second {
		if len(msg.ToolCalls) > 0 && msg.ToolCalls[0].Name == "kb_search" {
			sawCall = true
		}
		if msg.ToolCallID == "c1" {
			sawResult = true
			assert.Contains(t, msg.Content, "Doc")
		}
	}
	assert.True(t, sawCall)
	assert.True(t, sawResult)
	assert.Equal(t, "answer with citation", store.messages[1].Content)
}

func TestRunUnknownToolFedBackAsError(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps: []scriptedStep{
			{calls: []llm.ToolCall{{ID: "c1", Name: "delete_everything", Arguments: `{}`}}},
			{text: "done", stream: true},
		},
		generated: []string{"Title"},
	}
	o := newTestOrchestrator(store, gen)

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{})
	require.NoError(t, err)

	second := gen.histories[1]
	found := false
	for _, msg := range second {
		if msg.ToolCallID == "c1" {
			found = true
			assert.Contains(t, msg.Content, "unknown tool")
		}
	}
	assert.True(t, found)
}

func TestRunIterationCapExceeded(t *testing.T) {
	call := []llm.ToolCall{{ID: "c", Name: "kb_search", Arguments: `{"query":"q"}`}}
	steps := make([]scriptedStep, 6)
	for i := range steps {
		steps[i] = scriptedStep{calls: call}
	}
	store := &fakeStore{}
	o := newTestOrchestrator(store, &fakeGenerator{steps: steps})

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{})
	require.ErrorContains(t, err, "exceeded 5 iterations")

	// The user message survives the failed turn.
	require.Len(t, store.messages, 1)
	assert.Equal(t, models.RoleUser, store.messages[0].Role)
}

func TestRunUserMessageSurvivesGenerationFailure(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{steps: []scriptedStep{{err: errors.New("provider down")}}}
	o := newTestOrchestrator(store, gen)

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{})
	require.Error(t, err)

	require.Len(t, store.messages, 1)
	assert.Equal(t, "hi", store.messages[0].Content)
}

func TestRunTitleGeneratedOnlyOnFirstExchange(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps: []scriptedStep{
			{text: "first answer", stream: true},
			{text: "second answer", stream: true},
		},
		generated: []string{"Short Title"},
	}
	o := newTestOrchestrator(store, gen)
	emit := &recordingEmitter{}
	sessionID := uuid.New()

	require.NoError(t, o.Run(context.Background(), Turn{SessionID: sessionID, UserID: "u1", Text: "first"}, emit))
	require.NoError(t, o.Run(context.Background(), Turn{SessionID: sessionID, UserID: "u1", Text: "second"}, emit))

	assert.Equal(t, []string{"Short Title"}, emit.titles)
	assert.Equal(t, []string{"Short Title"}, store.titleSet)
}

func TestRunTitleTruncatedAndDefaulted(t *testing.T) {
	tests := []struct {
		name      string
		generated string
		check     func(t *testing.T, title string)
	}{
		{"long title capped", strings.Repeat("x", 80), func(t *testing.T, title string) {
			assert.Len(t, []rune(title), 50)
		}},
		{"blank title defaults", "   ", func(t *testing.T, title string) {
			assert.Equal(t, models.DefaultSessionTitle, title)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			gen := &fakeGenerator{
				steps:     []scriptedStep{{text: "answer", stream: true}},
				generated: []string{tt.generated},
			}
			o := newTestOrchestrator(store, gen)
			emit := &recordingEmitter{}

			require.NoError(t, o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, emit))
			require.Len(t, store.titleSet, 1)
			tt.check(t, store.titleSet[0])
		})
	}
}

func TestRunTitleFailureDoesNotFailTurn(t *testing.T) {
	store := &fakeStore{titleErr: errors.New("db down")}
	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "answer", stream: true}},
		generated: []string{"Title"},
	}
	o := newTestOrchestrator(store, gen)
	emit := &recordingEmitter{}

	require.NoError(t, o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, emit))
	assert.Empty(t, emit.titles)
	require.Len(t, store.messages, 2)
}

func TestSummaryDueSchedule(t *testing.T) {
	o := newTestOrchestrator(&fakeStore{}, &fakeGenerator{})

	due := []int{}
	for count := 1; count <= 30; count++ {
		if o.summaryDue(count) {
			due = append(due, count)
		}
	}
	assert.Equal(t, []int{21, 25, 29}, due)
}

func TestRunSummaryRefresh(t *testing.T) {
	store := &fakeStore{}
	// Pre-seed 20 messages so the user append makes count 21.
	for i := 0; i < 20; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		store.messages = append(store.messages, &models.Message{
			Role: role, Content: fmt.Sprintf("m%d", i), Seq: i + 1,
		})
	}
	prev := "old summary"
	store.summary = &prev

	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "answer", stream: true}},
		generated: []string{"new summary"},
	}
	o := newTestOrchestrator(store, gen)

	require.NoError(t, o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{}))

	require.Equal(t, []string{"new summary"}, store.summarySet)
	// The summarization call carries the previous summary as a system entry.
	require.Len(t, gen.plainCalls, 1)
	var carried bool
	for _, msg := range gen.plainCalls[0] {
		if strings.Contains(msg.Content, "old summary") {
			carried = true
		}
	}
	assert.True(t, carried)
}

func TestRunSummaryEmptyResultNotPersisted(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 20; i++ {
		store.messages = append(store.messages, &models.Message{Role: models.RoleUser, Content: "m", Seq: i + 1})
	}
	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "answer", stream: true}},
		generated: []string{"   "},
	}
	o := newTestOrchestrator(store, gen)

	require.NoError(t, o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{}))
	assert.Empty(t, store.summarySet)
}

func TestRunSummaryNotDueBeforeThreshold(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "answer", stream: true}},
		generated: []string{"Title"},
	}
	o := newTestOrchestrator(store, gen)

	require.NoError(t, o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{}))
	assert.Empty(t, store.summarySet)
}

func TestRunSystemPromptCarriesSummary(t *testing.T) {
	prev := "we discussed pgvector indexes"
	store := &fakeStore{summary: &prev}
	gen := &fakeGenerator{
		steps:     []scriptedStep{{text: "answer", stream: true}},
		generated: []string{"Title"},
	}
	o := newTestOrchestrator(store, gen)

	require.NoError(t, o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{}))

	require.NotEmpty(t, gen.histories)
	system := gen.histories[0][0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "we discussed pgvector indexes")
	assert.Contains(t, system.Content, "MUST ALWAYS call the kb_search tool")
}

func TestKBSearchToolEncodesResults(t *testing.T) {
	searcher := &fakeToolSearcher{results: []models.RetrievalResult{
		{Kind: models.RetrievalKindImage, Title: "Diagram", URL: "https://kb/d.png", Snippet: "", MimeType: "image/png"},
	}}
	tool := NewKBSearchTool(searcher)

	out, err := tool.Call(context.Background(), `{"query":"diagram","k":3}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"type":"image"`)
	assert.Contains(t, out, `"mimeType":"image/png"`)
}

func TestKBSearchToolEmptyResults(t *testing.T) {
	tool := NewKBSearchTool(&fakeToolSearcher{})
	out, err := tool.Call(context.Background(), `{"query":"nothing"}`)
	require.NoError(t, err)
	assert.Equal(t, "No results found in the knowledge base.", out)
}

func TestKBSearchToolRejectsBadArgs(t *testing.T) {
	tool := NewKBSearchTool(&fakeToolSearcher{})

	_, err := tool.Call(context.Background(), `not json`)
	require.Error(t, err)

	_, err = tool.Call(context.Background(), `{"k":3}`)
	require.ErrorContains(t, err, "query must not be empty")
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewRegistry(NewKBSearchTool(&fakeToolSearcher{}))
	out := registry.Call(context.Background(), "bogus", `{}`)
	assert.Contains(t, out, "unknown tool")
}

// droppingEmitter fails Delta once failAfter fragments got through,
// standing in for a client that went away mid-stream.
type droppingEmitter struct {
	recordingEmitter
	failAfter int
}

func (e *droppingEmitter) Delta(text string) error {
	if len(e.deltas) >= e.failAfter {
		return errors.New("connection closed")
	}
	return e.recordingEmitter.Delta(text)
}

func TestRunClientGoneMidStream(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{
		steps: []scriptedStep{{text: "first part second part third part", stream: true}},
	}
	o := newTestOrchestrator(store, gen)
	emit := &droppingEmitter{failAfter: 2}

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, emit)
	require.Error(t, err)

	// The user message survives; no partial assistant text is persisted.
	require.Len(t, store.messages, 1)
	assert.Equal(t, models.RoleUser, store.messages[0].Role)
	assert.Equal(t, "hi", store.messages[0].Content)
	assert.Zero(t, emit.done)
}

func TestRunReleasesSessionLock(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{steps: []scriptedStep{{text: "answer", stream: true}}}
	o := newTestOrchestrator(store, gen)

	err := o.Run(context.Background(), Turn{SessionID: uuid.New(), UserID: "u1", Text: "hi"}, &recordingEmitter{})
	require.NoError(t, err)

	o.mu.Lock()
	assert.Empty(t, o.sessions)
	o.mu.Unlock()
}

func TestSessionLockSurvivesWaiters(t *testing.T) {
	o := newTestOrchestrator(&fakeStore{}, &fakeGenerator{})
	id := uuid.New()

	lock := o.lockSession(id)

	released := make(chan struct{})
	go func() {
		waiter := o.lockSession(id)
		o.unlockSession(id, waiter)
		close(released)
	}()

	// The entry must stay in place while a second turn is queued on it.
	for {
		o.mu.Lock()
		refs := o.sessions[id].refs
		o.mu.Unlock()
		if refs == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	o.unlockSession(id, lock)
	<-released

	o.mu.Lock()
	assert.Empty(t, o.sessions)
	o.mu.Unlock()
}
