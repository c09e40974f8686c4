// Package engagement fires best-effort engagement deltas at a remote
// collector. Nothing here ever blocks or rolls back a local mutation.
package engagement

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	TypeLike     Type = "like"
	TypeRating   Type = "rating"
	TypeBookmark Type = "bookmark"
)

const defaultSendTimeout = 30 * time.Second

// Event is the delta sent for one engagement action. Value is a bool for
// likes, the score for ratings and the full page list for bookmarks.
type Event struct {
	UserID    string `json:"userId"`
	StoryID   string `json:"storyId"`
	Type      Type   `json:"type"`
	Value     any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

func NewEvent(userID, storyID string, typ Type, value any) Event {
	return Event{
		UserID:    userID,
		StoryID:   storyID,
		Type:      typ,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Sender delivers one event.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

// Beacon sends events on their own goroutines.
type Beacon struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewBeacon(sender Sender, logger *slog.Logger, timeout time.Duration) *Beacon {
	if sender == nil {
		sender = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Beacon{sender: sender, logger: logger, timeout: timeout}
}

// Fire returns immediately. Failures are logged and otherwise ignored.
func (b *Beacon) Fire(ev Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.sender.Send(ctx, ev); err != nil {
			b.logger.Warn("engagement_sync_failed",
				"user_id", ev.UserID, "story_id", ev.StoryID, "type", ev.Type, "err", err)
			return
		}
		b.logger.Debug("engagement_synced", "story_id", ev.StoryID, "type", ev.Type)
	}()
}

// Wait blocks until every fired event has been attempted.
func (b *Beacon) Wait() {
	b.wg.Wait()
}
