package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ratedomain.Repository {
	return &repo{}
}

// GetRate defaults to zero when no rate is configured.
func (r *repo) GetRate(ctx context.Context, db *gorm.DB, userID snowflake.ID, categoryID int64) (decimal.Decimal, error) {
	var rows []ratedomain.CommissionRate
	err := db.WithContext(ctx).
		Where("user_id = ? AND category_id = ?", userID, categoryID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return rows[0].Percentage, nil
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]ratedomain.CommissionRate, error) {
	var rows []ratedomain.CommissionRate
	if err := db.WithContext(ctx).Order("user_id, category_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, rate *ratedomain.CommissionRate) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "category_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"percentage", "updated_at"}),
	}).Create(rate).Error
}
