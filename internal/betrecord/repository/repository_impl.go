package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	betdomain "github.com/smallbiznis/partnerpay/internal/betrecord/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() betdomain.Repository {
	return &repo{}
}

func (r *repo) ListBets(ctx context.Context, db *gorm.DB, from, to time.Time, afterID snowflake.ID, limit int) ([]betdomain.BetRecord, error) {
	var rows []betdomain.BetRecord
	err := db.WithContext(ctx).
		Where("placed_at >= ? AND placed_at < ? AND id > ?", from.UTC(), to.UTC(), afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) EarliestBetAt(ctx context.Context, db *gorm.DB, since time.Time) (time.Time, bool, error) {
	var rows []betdomain.BetRecord
	err := db.WithContext(ctx).
		Select("id", "placed_at").
		Where("placed_at >= ?", since.UTC()).
		Order("placed_at").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	return rows[0].PlacedAt.UTC(), true, nil
}

type source struct {
	db   *gorm.DB
	repo betdomain.Repository
}

// NewSource binds the repository to a database handle.
func NewSource(db *gorm.DB, repo betdomain.Repository) betdomain.Source {
	return &source{db: db, repo: repo}
}

func (s *source) ListBets(ctx context.Context, from, to time.Time, afterID snowflake.ID, limit int) ([]betdomain.BetRecord, error) {
	return s.repo.ListBets(ctx, s.db, from, to, afterID, limit)
}

func (s *source) EarliestBetAt(ctx context.Context, since time.Time) (time.Time, bool, error) {
	return s.repo.EarliestBetAt(ctx, s.db, since)
}
