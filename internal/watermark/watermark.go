// Package watermark persists how far commission processing has progressed.
package watermark

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MetaID is the singleton row id of the commission watermark.
const MetaID = "commission-meta"

var Module = fx.Module("watermark.tracker",
	fx.Provide(NewTracker),
)

var ErrNotInitialized = errors.New("watermark_not_initialized")

type ProcessMeta struct {
	ID              string     `gorm:"primaryKey;type:text"`
	LastProcessedAt *time.Time `gorm:""`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (ProcessMeta) TableName() string { return "process_meta" }

// Tracker reads and advances the processing watermark.
type Tracker interface {
	// Init creates the singleton row if it is missing.
	Init(ctx context.Context) error
	// Get reports false while no run has completed.
	Get(ctx context.Context) (time.Time, bool, error)
	Set(ctx context.Context, t time.Time) error
}

type gormTracker struct {
	db *gorm.DB
	id string
}

func NewTracker(db *gorm.DB) Tracker {
	return &gormTracker{db: db, id: MetaID}
}

func (g *gormTracker) Init(ctx context.Context) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ProcessMeta{ID: g.id, UpdatedAt: time.Now().UTC()}).Error
}

func (g *gormTracker) Get(ctx context.Context) (time.Time, bool, error) {
	var rows []ProcessMeta
	if err := g.db.WithContext(ctx).Where("id = ?", g.id).Limit(1).Find(&rows).Error; err != nil {
		return time.Time{}, false, err
	}
	if len(rows) == 0 || rows[0].LastProcessedAt == nil {
		return time.Time{}, false, nil
	}
	return rows[0].LastProcessedAt.UTC(), true, nil
}

func (g *gormTracker) Set(ctx context.Context, t time.Time) error {
	t = t.UTC()
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_at", "updated_at"}),
	}).Create(&ProcessMeta{ID: g.id, LastProcessedAt: &t, UpdatedAt: time.Now().UTC()}).Error
}

// MemoryTracker keeps the watermark in process; used by tests and dry runs.
type MemoryTracker struct {
	at  *time.Time
	err error
}

func NewMemoryTracker() *MemoryTracker { return &MemoryTracker{} }

// FailWith makes every subsequent call return err.
func (m *MemoryTracker) FailWith(err error) { m.err = err }

func (m *MemoryTracker) Init(context.Context) error { return m.err }

func (m *MemoryTracker) Get(context.Context) (time.Time, bool, error) {
	if m.err != nil {
		return time.Time{}, false, m.err
	}
	if m.at == nil {
		return time.Time{}, false, nil
	}
	return *m.at, true, nil
}

func (m *MemoryTracker) Set(_ context.Context, t time.Time) error {
	if m.err != nil {
		return m.err
	}
	t = t.UTC()
	m.at = &t
	return nil
}
