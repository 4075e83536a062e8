package chat

import (
	"context"
	"errors"
	"slices"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the gorm-backed Store.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Kind() string { return "database" }

func (r *Repo) InsertUserTurn(ctx context.Context, t *Turn) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).
		Create(t).Error
}

func (r *Repo) UpsertAITurn(ctx context.Context, t *Turn) error {
	if t.Responses == nil {
		t.Responses = datatypes.JSONSlice[ModelResponse]{}
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"responses", "tokens_used"}),
		}).
		Create(t).Error
}

func (r *Repo) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(clampLimit(limit, 50)).
		Find(&turns).Error; err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

func (r *Repo) TurnsBefore(ctx context.Context, sessionID, beforeMessageID string, limit int) ([]Turn, bool, error) {
	var pivot Turn
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND message_id = ?", sessionID, beforeMessageID).
		First(&pivot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND id < ?", sessionID, pivot.ID).
		Order("id DESC").
		Limit(clampLimit(limit, 50)).
		Find(&turns).Error; err != nil {
		return nil, false, err
	}
	if len(turns) == 0 {
		return nil, false, nil
	}

	oldest := turns[len(turns)-1].ID
	var older int64
	if err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("session_id = ? AND id < ?", sessionID, oldest).
		Count(&older).Error; err != nil {
		return nil, false, err
	}
	slices.Reverse(turns)
	return turns, older > 0, nil
}

func (r *Repo) CountUserTurns(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("session_id = ? AND role = ?", sessionID, RoleUser).
		Count(&n).Error
	return n, err
}

func (r *Repo) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND is_active = ?", sessionID, true).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession upserts the session row. Insert-only fields (owner,
// creation time) are never overwritten on a live session. A deleted
// session is started over as a new one owned by the toucher.
func (r *Repo) TouchSession(ctx context.Context, t SessionTouch) error {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	title := t.Title
	if title == "" {
		title = DefaultTitle
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Session{}).
			Where("session_id = ? AND is_active = ?", t.SessionID, false).
			Updates(map[string]any{
				"owner_id":      t.OwnerID,
				"participants":  datatypes.JSONSlice[string]{},
				"title":         title,
				"message_count": 1,
				"total_tokens":  0,
				"is_active":     true,
				"created_at":    at,
				"updated_at":    at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		s := &Session{
			SessionID:    t.SessionID,
			OwnerID:      t.OwnerID,
			Participants: datatypes.JSONSlice[string]{},
			Title:        title,
			MessageCount: 1,
			IsActive:     true,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
		updates := map[string]any{
			"message_count": gorm.Expr("chat_sessions.message_count + ?", 1),
			"updated_at":    at,
		}
		if t.Title != "" {
			updates["title"] = t.Title
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.Assignments(updates),
		}).Create(s).Error
	})
}

func (r *Repo) AddSessionTokens(ctx context.Context, sessionID string, tokens int) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"total_tokens": gorm.Expr("total_tokens + ?", tokens),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns the owner's active sessions, newest activity first.
func (r *Repo) ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	var out []Session
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("updated_at DESC").
		Limit(clampLimit(limit, 50)).
		Find(&out).Error
	return out, err
}

func (r *Repo) RenameSession(ctx context.Context, sessionID, title string) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND is_active = ?", sessionID, true).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *Repo) AddParticipant(ctx context.Context, sessionID, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND is_active = ?", sessionID, true).
			First(&s).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if s.Allows(userID) {
			return nil
		}
		participants := append(datatypes.JSONSlice[string]{}, s.Participants...)
		participants = append(participants, userID)
		return tx.Model(&Session{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{"participants": participants, "updated_at": time.Now()}).Error
	})
}

func (r *Repo) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Session{}).
			Where("session_id = ? AND is_active = ?", sessionID, true).
			Updates(map[string]any{"is_active": false, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Turn{}).Error
	})
}
