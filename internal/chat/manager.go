// Package chat manages named conversations with the lore assistant and the
// send flow that drives the completion service.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"storyverse/internal/progress"
	"storyverse/pkg/ai"
)

const (
	DefaultTitle         = "New Chronicle"
	TitleRunes           = 30
	DefaultHistoryWindow = 12
	DefaultRetryDelay    = 2 * time.Second
	maxRetries           = 1
)

const DefaultSystemInstruction = `You are Aetheris, the AI chronicler of the Sai Tejas Multiverse.
Your voice is cinematic, wise, and helpful.
Context:
- Shouryanagar (SSU): Urban heroes vs Ancient Horrors.
- Legend Verse: Lightning guardians and high-speed warriors.
- Agni Tech Vishwa: Fusion of code and spiritual mechanical energy.
Guidelines: Keep responses evocative and concise. Encourage the user to expand the lore.`

// Transcript texts for turns that did not produce a normal reply.
const (
	EmptyReplyText        = "The chronicles are momentarily veiled. Please speak again."
	FailureText           = "A temporal flux has interrupted our link. Please try again in a few moments."
	InvalidCredentialText = "Aetheris cannot reach the archives: the configured API key was rejected. Check the key and try again."
)

// Outcome classifies how a send ended.
type Outcome string

const (
	OutcomeReplied           Outcome = "replied"
	OutcomeEmpty             Outcome = "empty"
	OutcomeInvalidCredential Outcome = "invalid_credential"
	OutcomeFailed            Outcome = "failed"
)

// State is the persisted record the manager reads and writes. Update must
// apply fn to a private copy, persist the full result and publish it.
type State interface {
	Snapshot() progress.UserProgress
	Update(ctx context.Context, fn func(p *progress.UserProgress) error) (progress.UserProgress, error)
}

type Config struct {
	Completer     ai.Completer
	System        string
	Generation    ai.GenerationConfig
	HistoryWindow int
	RetryDelay    time.Duration
	Logger        *slog.Logger
	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Manager struct {
	state   State
	cfg     Config
	logger  *slog.Logger
	sending atomic.Bool
}

func NewManager(state State, cfg Config) *Manager {
	if cfg.Completer == nil {
		cfg.Completer = unconfigured{}
	}
	if cfg.System == "" {
		cfg.System = DefaultSystemInstruction
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Manager{state: state, cfg: cfg, logger: cfg.Logger}
}

type unconfigured struct{}

func (unconfigured) Complete(context.Context, ai.Request) (string, error) {
	return "", fmt.Errorf("no completion provider configured: %w", ai.ErrInvalidCredential)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the sessions, most recently updated first.
func (m *Manager) Sessions() []progress.ChatSession {
	return m.state.Snapshot().Chats
}

// Current returns the selected session, if it exists.
func (m *Manager) Current() (progress.ChatSession, bool) {
	p := m.state.Snapshot()
	s, ok := p.Session(p.CurrentChatID)
	if !ok {
		return progress.ChatSession{}, false
	}
	return *s, true
}

// Sending reports whether a send is in flight.
func (m *Manager) Sending() bool {
	return m.sending.Load()
}

// NewSession creates an empty session and makes it current.
func (m *Manager) NewSession(ctx context.Context) (progress.ChatSession, error) {
	var created progress.ChatSession
	_, err := m.state.Update(ctx, func(p *progress.UserProgress) error {
		created = m.prependSession(p, DefaultTitle)
		return nil
	})
	if err != nil {
		return progress.ChatSession{}, err
	}
	m.logger.Info("chat_session_created", "chat_id", created.ID)
	return created, nil
}

func (m *Manager) prependSession(p *progress.UserProgress, title string) progress.ChatSession {
	now := m.cfg.Now()
	s := progress.ChatSession{
		ID:        m.uniqueID(p, now),
		Title:     title,
		Messages:  []progress.ChatMessage{},
		UpdatedAt: now.UnixMilli(),
	}
	p.Chats = append([]progress.ChatSession{s}, p.Chats...)
	p.CurrentChatID = s.ID
	return s
}

func (m *Manager) uniqueID(p *progress.UserProgress, now time.Time) string {
	n := now.UnixNano()
	for {
		id := fmt.Sprintf("chat-%d", n)
		if _, taken := p.Session(id); !taken {
			return id
		}
		n++
	}
}

// SelectSession makes id current without touching its contents.
func (m *Manager) SelectSession(ctx context.Context, id string) error {
	_, err := m.state.Update(ctx, func(p *progress.UserProgress) error {
		if _, ok := p.Session(id); !ok {
			return ErrSessionNotFound
		}
		p.CurrentChatID = id
		return nil
	})
	return err
}

func (m *Manager) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	title = strings.TrimSpace(titleFrom(title))
	_, err := m.state.Update(ctx, func(p *progress.UserProgress) error {
		s, ok := p.Session(id)
		if !ok {
			return ErrSessionNotFound
		}
		s.Title = title
		return nil
	})
	return err
}

// DeleteSession removes id. Deleting the current session selects the first
// remaining one, or none.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	_, err := m.state.Update(ctx, func(p *progress.UserProgress) error {
		idx := indexOf(p.Chats, id)
		if idx < 0 {
			return ErrSessionNotFound
		}
		p.Chats = append(p.Chats[:idx:idx], p.Chats[idx+1:]...)
		if p.CurrentChatID == id {
			p.CurrentChatID = ""
			if len(p.Chats) > 0 {
				p.CurrentChatID = p.Chats[0].ID
			}
		}
		return nil
	})
	if err == nil {
		m.logger.Info("chat_session_deleted", "chat_id", id)
	}
	return err
}

// ClearSession empties a session's transcript and keeps the session.
func (m *Manager) ClearSession(ctx context.Context, id string) error {
	_, err := m.state.Update(ctx, func(p *progress.UserProgress) error {
		s, ok := p.Session(id)
		if !ok {
			return ErrSessionNotFound
		}
		s.Messages = []progress.ChatMessage{}
		s.UpdatedAt = m.cfg.Now().UnixMilli()
		return nil
	})
	return err
}

// Reply is the model turn appended by SendMessage.
type Reply struct {
	SessionID string               `json:"sessionId"`
	Message   progress.ChatMessage `json:"message"`
	Outcome   Outcome              `json:"outcome"`
}

// SendMessage appends text to the current session (creating one titled from
// text when none is selected), asks the completion service for a reply and
// appends that reply, or a failure notice, to the same session.
func (m *Manager) SendMessage(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	if !m.sending.CompareAndSwap(false, true) {
		return Reply{}, ErrSendInFlight
	}
	defer m.sending.Store(false)

	// A send runs to completion once accepted.
	ctx = context.WithoutCancel(ctx)

	var (
		sessionID string
		window    []ai.Turn
	)
	_, err := m.state.Update(ctx, func(p *progress.UserProgress) error {
		if _, ok := p.Session(p.CurrentChatID); !ok {
			m.prependSession(p, titleFrom(text))
		}
		s, _ := p.Session(p.CurrentChatID)
		now := m.cfg.Now().UnixMilli()
		s.Messages = append(s.Messages, progress.ChatMessage{Role: progress.RoleUser, Text: text, Timestamp: now})
		s.UpdatedAt = now
		sessionID = s.ID
		window = trailingTurns(s.Messages, m.cfg.HistoryWindow)
		moveToFront(p, sessionID)
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("persist user message: %w", err)
	}

	replyText, outcome := m.complete(ctx, window)
	msg := progress.ChatMessage{Role: progress.RoleModel, Text: replyText, Timestamp: m.cfg.Now().UnixMilli()}

	_, err = m.state.Update(ctx, func(p *progress.UserProgress) error {
		s, ok := p.Session(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		s.Messages = append(s.Messages, msg)
		s.UpdatedAt = msg.Timestamp
		moveToFront(p, sessionID)
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		m.logger.Info("chat_reply_dropped", "chat_id", sessionID)
		return Reply{SessionID: sessionID, Message: msg, Outcome: outcome}, err
	}
	if err != nil {
		return Reply{}, fmt.Errorf("persist reply: %w", err)
	}
	return Reply{SessionID: sessionID, Message: msg, Outcome: outcome}, nil
}

func (m *Manager) complete(ctx context.Context, window []ai.Turn) (string, Outcome) {
	req := ai.Request{System: m.cfg.System, Turns: window, Config: m.cfg.Generation}
	for attempt := 0; ; attempt++ {
		text, err := m.cfg.Completer.Complete(ctx, req)
		switch {
		case err == nil && strings.TrimSpace(text) != "":
			return text, OutcomeReplied
		case err == nil, errors.Is(err, ai.ErrEmptyCompletion):
			return EmptyReplyText, OutcomeEmpty
		case errors.Is(err, ai.ErrInvalidCredential):
			m.logger.Error("chat_credential_rejected", "err", err)
			return InvalidCredentialText, OutcomeInvalidCredential
		}
		m.logger.Warn("chat_completion_failed", "attempt", attempt+1, "err", err)
		if attempt >= maxRetries {
			return FailureText, OutcomeFailed
		}
		if err := m.cfg.Sleep(ctx, m.cfg.RetryDelay); err != nil {
			return FailureText, OutcomeFailed
		}
	}
}

func titleFrom(text string) string {
	if utf8.RuneCountInString(text) <= TitleRunes {
		return text
	}
	return string([]rune(text)[:TitleRunes])
}

func trailingTurns(msgs []progress.ChatMessage, n int) []ai.Turn {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	turns := make([]ai.Turn, 0, len(msgs))
	for _, msg := range msgs {
		role := ai.RoleUser
		if msg.Role == progress.RoleModel {
			role = ai.RoleModel
		}
		turns = append(turns, ai.Turn{Role: role, Text: msg.Text})
	}
	return turns
}

func indexOf(chats []progress.ChatSession, id string) int {
	for i := range chats {
		if chats[i].ID == id {
			return i
		}
	}
	return -1
}

func moveToFront(p *progress.UserProgress, id string) {
	idx := indexOf(p.Chats, id)
	if idx <= 0 {
		return
	}
	s := p.Chats[idx]
	copy(p.Chats[1:idx+1], p.Chats[:idx])
	p.Chats[0] = s
}
