// Package chat drives a single conversational turn: persist the user
// message, build bounded context, loop generation through tool calls,
// stream the answer, then run the title and summary side tasks.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/raphaelgruber/kbchat/internal/llm"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/tmc/langchaingo/llms"
)

// ConversationStore is the persistence surface a turn needs. *store.Store
// satisfies it.
type ConversationStore interface {
	AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (*models.Message, int, error)
	Touch(ctx context.Context, sessionID uuid.UUID) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
	RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*models.Message, error)
	UpdateTitle(ctx context.Context, sessionID uuid.UUID, title string) error
	UpdateSummary(ctx context.Context, sessionID uuid.UUID, summary string) error
}

// Generator is the model surface a turn needs. *llm.Model satisfies it.
type Generator interface {
	Generate(ctx context.Context, history []llm.ChatMessage) (string, error)
	GenerateWithTools(ctx context.Context, history []llm.ChatMessage, tools []llms.Tool, onDelta func(string) error) (*llm.StepResult, error)
}

// Emitter receives the turn's client-visible output. Delta carries one
// streamed fragment, Done marks turn completion, Message carries the full
// text when nothing was streamed, TitleUpdated announces the generated title.
type Emitter interface {
	Delta(text string) error
	Done() error
	Message(text string) error
	TitleUpdated(sessionID uuid.UUID, title string)
}

// Turn is one inbound user message.
type Turn struct {
	SessionID uuid.UUID
	UserID    string
	Text      string
}

const maxTitleRunes = 50

// Orchestrator runs turns. Turns on the same session are serialized;
// turns on different sessions run in parallel.
type Orchestrator struct {
	store  ConversationStore
	gen    Generator
	tools  *Registry
	cfg    config.Chat
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionLock
}

// sessionLock serializes turns on one session. refs counts the holder plus
// any waiters so the map entry can be dropped once the last one releases.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New wires an orchestrator.
func New(store ConversationStore, gen Generator, tools *Registry, cfg config.Chat, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		gen:      gen,
		tools:    tools,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[uuid.UUID]*sessionLock),
	}
}

func (o *Orchestrator) lockSession(id uuid.UUID) *sessionLock {
	o.mu.Lock()
	lock, ok := o.sessions[id]
	if !ok {
		lock = &sessionLock{}
		o.sessions[id] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (o *Orchestrator) unlockSession(id uuid.UUID, lock *sessionLock) {
	lock.mu.Unlock()

	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.sessions, id)
	}
	o.mu.Unlock()
}

// Run processes one turn end to end. The user message is durable after the
// initial append and survives any later failure; title and summary errors
// are logged and never fail the turn.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, emit Emitter) error {
	if turn.SessionID == uuid.Nil {
		return fmt.Errorf("session not initialized")
	}

	lock := o.lockSession(turn.SessionID)
	defer o.unlockSession(turn.SessionID, lock)

	logger := o.logger.With("session_id", turn.SessionID)

	_, count, err := o.store.AppendMessage(ctx, turn.SessionID, models.RoleUser, turn.Text)
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	if err := o.store.Touch(ctx, turn.SessionID); err != nil {
		logger.Warn("touch session failed", "error", err)
	}

	session, err := o.store.GetSession(ctx, turn.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	recent, err := o.store.RecentMessages(ctx, turn.SessionID, o.cfg.RecentWindow)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	summary := ""
	if session.Summary != nil {
		summary = *session.Summary
	}

	history := make([]llm.ChatMessage, 0, len(recent)+1)
	history = append(history, llm.System(buildInstructions(summary, o.cfg.ToolMandatory)))
	for _, msg := range recent {
		switch msg.Role {
		case models.RoleUser:
			history = append(history, llm.User(msg.Content))
		case models.RoleAssistant:
			history = append(history, llm.Assistant(msg.Content))
		}
	}

	finalText, streamed, err := o.generationLoop(ctx, history, emit)
	if err != nil {
		return err
	}

	if finalText != "" {
		if _, _, err := o.store.AppendMessage(ctx, turn.SessionID, models.RoleAssistant, finalText); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
	}

	if !streamed && finalText != "" {
		if err := emit.Message(finalText); err != nil {
			logger.Warn("emit fallback message failed", "error", err)
		}
	}
	if err := emit.Done(); err != nil {
		logger.Warn("emit done failed", "error", err)
	}

	if count == 1 {
		o.generateTitle(ctx, turn, finalText, emit, logger)
	}
	if o.summaryDue(count) {
		o.refreshSummary(ctx, turn.SessionID, summary, finalText, logger)
	}

	return nil
}

// generationLoop drives the model until it answers without tool calls.
// It returns the final text and whether any fragment was streamed.
func (o *Orchestrator) generationLoop(ctx context.Context, history []llm.ChatMessage, emit Emitter) (string, bool, error) {
	defs := o.tools.Definitions()
	streamed := false
	onDelta := func(fragment string) error {
		streamed = true
		return emit.Delta(fragment)
	}

	var full strings.Builder
	for iteration := 0; iteration < o.cfg.MaxToolIterations; iteration++ {
		step, err := o.gen.GenerateWithTools(ctx, history, defs, onDelta)
		if err != nil {
			return "", streamed, fmt.Errorf("generation failed: %w", err)
		}
		full.WriteString(step.Text)

		if len(step.ToolCalls) == 0 {
			return full.String(), streamed, nil
		}

		history = append(history, llm.AssistantToolCalls(step.Text, step.ToolCalls))

		for _, tc := range step.ToolCalls {
			o.logger.Debug("executing tool", "tool", tc.Name)
			result := o.tools.Call(ctx, tc.Name, tc.Arguments)
			history = append(history, llm.ToolResult(tc.ID, tc.Name, result))
		}
	}

	return "", streamed, fmt.Errorf("tool loop exceeded %d iterations", o.cfg.MaxToolIterations)
}

func (o *Orchestrator) summaryDue(count int) bool {
	return count >= o.cfg.SummaryThreshold && (count-1)%o.cfg.SummaryInterval == 0
}

// generateTitle names the session after its first exchange. Failures are
// logged and swallowed.
func (o *Orchestrator) generateTitle(ctx context.Context, turn Turn, assistantText string, emit Emitter, logger *slog.Logger) {
	title, err := o.gen.Generate(ctx, []llm.ChatMessage{
		llm.System(titlePrompt),
		llm.User(turn.Text),
		llm.Assistant(assistantText),
	})
	if err != nil {
		logger.Warn("title generation failed", "error", err)
		return
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultSessionTitle
	}
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}

	if err := o.store.UpdateTitle(ctx, turn.SessionID, title); err != nil {
		logger.Warn("title update failed", "error", err)
		return
	}
	emit.TitleUpdated(turn.SessionID, title)
}

// refreshSummary regenerates the rolling summary from the previous summary,
// the recent window, and the just-produced assistant text. Failures are
// logged and swallowed; an empty result is not persisted.
func (o *Orchestrator) refreshSummary(ctx context.Context, sessionID uuid.UUID, previous, assistantText string, logger *slog.Logger) {
	history := []llm.ChatMessage{llm.System(summaryPrompt)}
	if previous != "" {
		history = append(history, llm.System("Existing summary:\n"+previous))
	}

	recent, err := o.store.RecentMessages(ctx, sessionID, o.cfg.SummaryWindow)
	if err != nil {
		logger.Warn("summary context load failed", "error", err)
		return
	}
	for _, msg := range recent {
		switch msg.Role {
		case models.RoleUser:
			history = append(history, llm.User(msg.Content))
		case models.RoleAssistant:
			history = append(history, llm.Assistant(msg.Content))
		}
	}
	history = append(history, llm.Assistant(assistantText))

	updated, err := o.gen.Generate(ctx, history)
	if err != nil {
		logger.Warn("summary generation failed", "error", err)
		return
	}
	updated = strings.TrimSpace(updated)
	if updated == "" {
		return
	}

	if err := o.store.UpdateSummary(ctx, sessionID, updated); err != nil {
		logger.Warn("summary update failed", "error", err)
	}
}
