package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const (
	UserIDKey = "st_universe_user_id"
	RecordKey = "st_universe_user_data"
)

// KV is a durable string-keyed byte store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Store loads and saves the per-device UserProgress record.
type Store struct {
	kv     KV
	logger *slog.Logger
	newID  func() string
}

func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger, newID: newUserID}
}

func newUserID() string {
	return "st-" + uuid.NewString()
}

// Load returns the stored record merged over the defaults. A missing record
// yields the defaults; a record that fails to decode is discarded with a
// warning and the defaults are returned in its place.
func (s *Store) Load(ctx context.Context) (UserProgress, error) {
	raw, err := s.kv.Get(ctx, RecordKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UserProgress{}, fmt.Errorf("read progress: %w", err)
	}
	var stored *UserProgress
	if err == nil && len(raw) > 0 {
		decoded := Defaults("")
		if derr := json.Unmarshal(raw, &decoded); derr != nil {
			s.logger.Warn("progress_record_discarded", "key", RecordKey, "err", derr)
		} else {
			stored = &decoded
		}
	}

	hint := ""
	if stored != nil {
		hint = stored.UserID
	}
	userID, err := s.userID(ctx, hint)
	if err != nil {
		return UserProgress{}, err
	}

	if stored == nil {
		return Defaults(userID), nil
	}
	stored.UserID = userID
	stored.normalize()
	return *stored, nil
}

// userID returns the device id from its own key, creating it once. An id
// found only inside the record is adopted so identity survives a lost key.
func (s *Store) userID(ctx context.Context, hint string) (string, error) {
	raw, err := s.kv.Get(ctx, UserIDKey)
	switch {
	case err == nil && strings.TrimSpace(string(raw)) != "":
		return strings.TrimSpace(string(raw)), nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("read user id: %w", err)
	}
	id := hint
	if id == "" {
		id = s.newID()
	}
	if err := s.kv.Set(ctx, UserIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("write user id: %w", err)
	}
	s.logger.Info("device_user_created", "user_id", id)
	return id, nil
}

// Save writes the full snapshot, replacing whatever was stored.
func (s *Store) Save(ctx context.Context, p UserProgress) error {
	p.normalize()
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.kv.Set(ctx, RecordKey, raw); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}
