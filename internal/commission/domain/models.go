package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
)

const (
	SettledStatusYes = "Y"
	SettledStatusNo  = "N"
)

// Transaction is the immutable commission record of one bet.
type Transaction struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	BetID              string          `gorm:"type:text;not null;uniqueIndex"`
	CategoryID         int64           `gorm:"not null"`
	CategoryName       string          `gorm:"type:text;not null;index:ix_commission_tx_day,priority:1"`
	SummaryDate        time.Time       `gorm:"not null;index:ix_commission_tx_day,priority:2"`
	Platform           string          `gorm:"type:text;not null"`
	PlacedAt           time.Time       `gorm:"not null"`
	BetAmount          decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	PayoutAmount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	RefundAmount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	DepositAmount      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	WithdrawAmount     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	PaymentGatewayFee  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	TurnoverAmount     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	NetGGR             decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BaseAmount         decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	GoldenID           snowflake.ID    `gorm:"not null;index"`
	PlatinumID         *snowflake.ID   `gorm:"index"`
	OperatorID         *snowflake.ID   `gorm:"index"`
	GoldenCommission   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	PlatinumCommission decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	OperatorCommission decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt          time.Time       `gorm:"not null"`
}

func (Transaction) TableName() string { return "commission_transactions" }

// CommissionSummary is the per (user, category, day) rollup. It is recomputed
// from Transaction rows and upserted on its natural key.
type CommissionSummary struct {
	ID                           snowflake.ID         `gorm:"primaryKey"`
	UserID                       snowflake.ID         `gorm:"not null;uniqueIndex:ux_commission_summary_key,priority:1"`
	Role                         hierarchydomain.Role `gorm:"type:text;not null"`
	ParentID                     *snowflake.ID        `gorm:""`
	CategoryName                 string               `gorm:"type:text;not null;uniqueIndex:ux_commission_summary_key,priority:2"`
	SummaryDate                  time.Time            `gorm:"not null;uniqueIndex:ux_commission_summary_key,priority:3"`
	TotalDeposit                 decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	TotalWithdrawals             decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	TotalBetAmount               decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	NetGGR                       decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	GrossCommission              decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	PaymentGatewayFee            decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	NetCommissionAvailablePayout decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	PendingSettleCommission      decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	ParentCommission             decimal.Decimal      `gorm:"type:numeric(20,2);not null"`
	SettledStatus                string               `gorm:"type:text;not null;default:'N'"`
	CreatedAt                    time.Time            `gorm:"not null"`
	UpdatedAt                    time.Time            `gorm:"not null"`
}

func (CommissionSummary) TableName() string { return "commission_summaries" }

// CompletedCycleSummary is the immutable snapshot of a closed cycle. Only the
// settlement columns change after insert.
type CompletedCycleSummary struct {
	ID                           snowflake.ID         `gorm:"primaryKey" json:"id"`
	UserID                       snowflake.ID         `gorm:"not null;uniqueIndex:ux_completed_cycle_key,priority:1" json:"user_id"`
	Role                         hierarchydomain.Role `gorm:"type:text;not null" json:"role"`
	ParentID                     *snowflake.ID        `gorm:"" json:"parent_id,omitempty"`
	CategoryName                 string               `gorm:"type:text;not null;uniqueIndex:ux_completed_cycle_key,priority:2" json:"category_name"`
	CycleStart                   time.Time            `gorm:"not null;uniqueIndex:ux_completed_cycle_key,priority:3" json:"cycle_start"`
	CycleEnd                     time.Time            `gorm:"not null;uniqueIndex:ux_completed_cycle_key,priority:4" json:"cycle_end"`
	TotalDeposit                 decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"total_deposit"`
	TotalWithdrawals             decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"total_withdrawals"`
	TotalBetAmount               decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"total_bet_amount"`
	NetGGR                       decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"net_ggr"`
	BaseAmount                   decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"base_amount"`
	GrossCommission              decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"gross_commission"`
	PaymentGatewayFee            decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"payment_gateway_fee"`
	SubordinatePayout            decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"subordinate_payout"`
	NetCommissionAvailablePayout decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"net_commission_available_payout"`
	ParentCommission             decimal.Decimal      `gorm:"type:numeric(20,2);not null" json:"parent_commission"`
	SettledByOperator            bool                 `gorm:"not null;default:false" json:"settled_by_operator"`
	SettledByPlatinum            bool                 `gorm:"not null;default:false" json:"settled_by_platinum"`
	SettledBySuperadmin          bool                 `gorm:"not null;default:false" json:"settled_by_superadmin"`
	SettledStatus                string               `gorm:"type:text;not null;default:'N'" json:"settled_status"`
	SettledAt                    *time.Time           `gorm:"" json:"settled_at,omitempty"`
	CreatedAt                    time.Time            `gorm:"not null" json:"created_at"`
	UpdatedAt                    time.Time            `gorm:"not null" json:"updated_at"`
}

func (CompletedCycleSummary) TableName() string { return "completed_cycle_summaries" }

// SettledBy reports the flag owned by the given settling tier.
func (s CompletedCycleSummary) SettledBy(role hierarchydomain.Role) bool {
	switch role {
	case hierarchydomain.RoleOwner:
		return s.SettledBySuperadmin
	case hierarchydomain.RoleOperator:
		return s.SettledByOperator
	case hierarchydomain.RolePlatinum:
		return s.SettledByPlatinum
	}
	return false
}

// PaidByParent reports whether the tier directly above this row's user has settled it.
func (s CompletedCycleSummary) PaidByParent() bool {
	return s.SettledBy(s.Role.ParentRole())
}

// CycleAggregation marks a (category, cycle) as rolled up.
type CycleAggregation struct {
	CategoryName string    `gorm:"primaryKey;type:text"`
	CycleStart   time.Time `gorm:"primaryKey"`
	CycleEnd     time.Time `gorm:"primaryKey"`
	RowCount     int       `gorm:"not null"`
	AggregatedAt time.Time `gorm:"not null"`
}

func (CycleAggregation) TableName() string { return "cycle_aggregations" }

// SettlementFlagColumn maps a settling tier to the column it owns.
func SettlementFlagColumn(role hierarchydomain.Role) (string, bool) {
	switch role {
	case hierarchydomain.RoleOwner:
		return "settled_by_superadmin", true
	case hierarchydomain.RoleOperator:
		return "settled_by_operator", true
	case hierarchydomain.RolePlatinum:
		return "settled_by_platinum", true
	}
	return "", false
}
