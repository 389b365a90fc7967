package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BetRecord is a raw wager row written by the game platforms.
type BetRecord struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	BetID             string          `gorm:"type:text;not null;uniqueIndex"`
	AgentID           *snowflake.ID   `gorm:"index"`
	Platform          string          `gorm:"type:text;not null"`
	Category          string          `gorm:"type:text;not null"`
	BetAmount         decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	PayoutAmount      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	RefundAmount      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	DepositAmount     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	WithdrawAmount    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	PaymentGatewayFee decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	PlacedAt          time.Time       `gorm:"not null;index"`
	CreatedAt         time.Time       `gorm:"not null"`
}

func (BetRecord) TableName() string { return "bet_records" }

// Source is the external transaction store, queried by time window.
type Source interface {
	// ListBets pages through [from, to) ordered by id, starting after afterID.
	ListBets(ctx context.Context, from, to time.Time, afterID snowflake.ID, limit int) ([]BetRecord, error)
	// EarliestBetAt returns the first placed_at at or after since.
	EarliestBetAt(ctx context.Context, since time.Time) (time.Time, bool, error)
}

type Repository interface {
	ListBets(ctx context.Context, db *gorm.DB, from, to time.Time, afterID snowflake.ID, limit int) ([]BetRecord, error)
	EarliestBetAt(ctx context.Context, db *gorm.DB, since time.Time) (time.Time, bool, error)
}
