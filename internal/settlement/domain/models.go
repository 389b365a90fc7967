package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"github.com/smallbiznis/partnerpay/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Identity is the caller as asserted by the upstream gateway.
type Identity struct {
	UserID snowflake.ID
	Role   hierarchydomain.Role
}

// Query narrows settlement reads. Zero values mean no filter.
type Query struct {
	UserID   *snowflake.ID
	Start    *time.Time
	End      *time.Time
	Category string
}

type CategoryAmount struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Rows     int             `json:"rows"`
}

// Pending is what a caller owes its subtree, or is owed by its parent for a
// golden caller.
type Pending struct {
	UserID     snowflake.ID         `json:"user_id"`
	Role       hierarchydomain.Role `json:"role"`
	Categories []CategoryAmount     `json:"categories"`
	Own        decimal.Decimal      `json:"own_commission"`
	Gross      decimal.Decimal      `json:"gross"`
	Net        decimal.Decimal      `json:"net"`
}

// BreakdownLine is one completed row behind a pending figure. Flags above
// the caller's tier are nil.
type BreakdownLine struct {
	SummaryID           snowflake.ID         `json:"summary_id"`
	UserID              snowflake.ID         `json:"user_id"`
	UserName            string               `json:"user_name"`
	Role                hierarchydomain.Role `json:"role"`
	Category            string               `json:"category"`
	CycleStart          time.Time            `json:"cycle_start"`
	CycleEnd            time.Time            `json:"cycle_end"`
	NetGGR              decimal.Decimal      `json:"net_ggr"`
	TotalBetAmount      decimal.Decimal      `json:"total_bet_amount"`
	Payout              decimal.Decimal      `json:"payout"`
	SubordinatePayout   decimal.Decimal      `json:"subordinate_payout"`
	ParentCommission    decimal.Decimal      `json:"parent_commission"`
	SettledByPlatinum   *bool                `json:"settled_by_platinum,omitempty"`
	SettledByOperator   *bool                `json:"settled_by_operator,omitempty"`
	SettledBySuperadmin *bool                `json:"settled_by_superadmin,omitempty"`
}

// PayoutLine is the caller's own commission for one closed cycle.
type PayoutLine struct {
	Category   string          `json:"category"`
	CycleStart time.Time       `json:"cycle_start"`
	CycleEnd   time.Time       `json:"cycle_end"`
	Amount     decimal.Decimal `json:"amount"`
	Settled    bool            `json:"settled"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

// SettlementHistory is append-only.
type SettlementHistory struct {
	ID                 snowflake.ID                `gorm:"primaryKey" json:"id"`
	ReferenceID        string                      `gorm:"type:text;not null;uniqueIndex" json:"reference_id"`
	UserID             snowflake.ID                `gorm:"not null;index" json:"user_id"`
	Role               hierarchydomain.Role        `gorm:"type:text;not null" json:"role"`
	Amount             decimal.Decimal             `gorm:"type:numeric(20,2);not null" json:"amount"`
	IsPartiallySettled bool                        `gorm:"not null;default:false" json:"is_partially_settled"`
	SummaryIDs         datatypes.JSONSlice[string] `gorm:"not null" json:"summary_ids"`
	SettledAt          time.Time                   `gorm:"not null" json:"settled_at"`
	CreatedAt          time.Time                   `gorm:"not null" json:"created_at"`
}

func (SettlementHistory) TableName() string { return "settlement_histories" }

type HistoryPage struct {
	Items    []SettlementHistory `json:"items"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, history *SettlementHistory) error
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]SettlementHistory, error)
}

type Service interface {
	PendingSettlement(ctx context.Context, id Identity, q Query) (Pending, error)
	Breakdown(ctx context.Context, id Identity, q Query) ([]BreakdownLine, error)
	Payouts(ctx context.Context, id Identity, q Query) ([]PayoutLine, error)
	RunningTally(ctx context.Context, id Identity) (Pending, error)
	MarkSettled(ctx context.Context, id Identity, summaryIDs []snowflake.ID) (*SettlementHistory, error)
	History(ctx context.Context, id Identity, page pagination.Pagination) (HistoryPage, error)
}
