package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() settlementdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, history *settlementdomain.SettlementHistory) error {
	return db.WithContext(ctx).Create(history).Error
}

// ListByUser returns newest first. A zero beforeID starts from the top.
func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]settlementdomain.SettlementHistory, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []settlementdomain.SettlementHistory
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
