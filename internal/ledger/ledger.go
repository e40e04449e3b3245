package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"evalflow/internal/work"
)

// Entry is one successful evaluation, vote or contribution.
type Entry struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UserID     uint           `gorm:"not null;index:idx_ledger_user_action" json:"userId"`
	SessionID  string         `gorm:"size:64;not null" json:"sessionId"`
	Screen     string         `gorm:"size:32;not null" json:"screen"`
	Action     string         `gorm:"size:32;not null;index:idx_ledger_user_action" json:"action"`
	LanguageID string         `gorm:"size:32" json:"languageId"`
	Kind       string         `gorm:"size:32" json:"kind"`
	ItemID     string         `gorm:"size:128;not null" json:"itemId"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `gorm:"index" json:"createdAt"`
}

// TableName specifies the table name for GORM
func (Entry) TableName() string {
	return "submission_ledger"
}

// Store persists entries in the application database.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record stores one entry.
func (s *Store) Record(ctx context.Context, userID uint, screen string, e work.JournalEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	row := Entry{
		UserID:     userID,
		SessionID:  e.SessionID,
		Screen:     screen,
		Action:     e.Action,
		LanguageID: e.Subject.LanguageID,
		Kind:       string(e.Subject.Kind),
		ItemID:     e.ItemID,
		Payload:    datatypes.JSON(payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", e.Action, e.ItemID, err)
	}
	return nil
}

// Journal binds the store to one user and screen so a session can record
// into it without knowing who owns it.
func (s *Store) Journal(userID uint, screen string) work.Journal {
	return userJournal{store: s, userID: userID, screen: screen}
}

type userJournal struct {
	store  *Store
	userID uint
	screen string
}

func (j userJournal) Record(ctx context.Context, e work.JournalEntry) error {
	return j.store.Record(ctx, j.userID, j.screen, e)
}

// Stats summarises a user's history.
type Stats struct {
	Total      int64            `json:"total"`
	ByAction   map[string]int64 `json:"byAction"`
	ByLanguage map[string]int64 `json:"byLanguage"`
	Last       *time.Time       `json:"last,omitempty"`
}

type countRow struct {
	Name string
	N    int64
}

// Stats counts entries for userID by action and by language.
func (s *Store) Stats(ctx context.Context, userID uint) (Stats, error) {
	st := Stats{ByAction: map[string]int64{}, ByLanguage: map[string]int64{}}
	q := s.db.WithContext(ctx).Model(&Entry{}).Where("user_id = ?", userID)

	var byAction []countRow
	if err := q.Session(&gorm.Session{}).Select("action AS name, COUNT(*) AS n").Group("action").Scan(&byAction).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count actions: %w", err)
	}
	for _, r := range byAction {
		st.ByAction[r.Name] = r.N
		st.Total += r.N
	}

	var byLang []countRow
	if err := q.Session(&gorm.Session{}).Select("language_id AS name, COUNT(*) AS n").Group("language_id").Scan(&byLang).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count languages: %w", err)
	}
	for _, r := range byLang {
		st.ByLanguage[r.Name] = r.N
	}

	var last Entry
	err := q.Session(&gorm.Session{}).Order("created_at DESC").Limit(1).Find(&last).Error
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load last entry: %w", err)
	}
	if last.ID != 0 {
		st.Last = &last.CreatedAt
	}
	return st, nil
}

// Recent returns the newest entries for userID.
func (s *Store) Recent(ctx context.Context, userID uint, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Entry
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Prune deletes entries older than retention and reports how many went.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("[Ledger] Pruned %d entries older than %s", res.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return res.RowsAffected, nil
}
