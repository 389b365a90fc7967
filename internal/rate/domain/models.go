package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CommissionRate is a user's percentage for one category.
type CommissionRate struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	UserID     snowflake.ID    `gorm:"not null;uniqueIndex:ux_commission_rate_user_category,priority:1"`
	CategoryID int64           `gorm:"not null;uniqueIndex:ux_commission_rate_user_category,priority:2"`
	Percentage decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	CreatedAt  time.Time       `gorm:"not null"`
	UpdatedAt  time.Time       `gorm:"not null"`
}

func (CommissionRate) TableName() string { return "commission_rates" }

type Repository interface {
	GetRate(ctx context.Context, db *gorm.DB, userID snowflake.ID, categoryID int64) (decimal.Decimal, error)
	ListAll(ctx context.Context, db *gorm.DB) ([]CommissionRate, error)
	Upsert(ctx context.Context, db *gorm.DB, rate *CommissionRate) error
}

type rateKey struct {
	userID     snowflake.ID
	categoryID int64
}

// RateBook is an in-memory snapshot of rates loaded once per run.
type RateBook struct {
	rates map[rateKey]decimal.Decimal
}

func NewRateBook(rates []CommissionRate) *RateBook {
	book := &RateBook{rates: make(map[rateKey]decimal.Decimal, len(rates))}
	for _, r := range rates {
		book.rates[rateKey{userID: r.UserID, categoryID: r.CategoryID}] = r.Percentage
	}
	return book
}

// Rate returns the stored percentage or zero.
func (b *RateBook) Rate(userID snowflake.ID, categoryID int64) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b.rates[rateKey{userID: userID, categoryID: categoryID}]
}

// RateOf is Rate for an optional user; a missing user earns nothing.
func (b *RateBook) RateOf(userID *snowflake.ID, categoryID int64) decimal.Decimal {
	if userID == nil {
		return decimal.Zero
	}
	return b.Rate(*userID, categoryID)
}
