// Package commissiontest seeds a small affiliate hierarchy for tests.
package commissiontest

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	betdomain "github.com/smallbiznis/partnerpay/internal/betrecord/domain"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"gorm.io/gorm"
)

const (
	Owner     snowflake.ID = 1
	Operator  snowflake.ID = 10
	PlatinumA snowflake.ID = 20
	PlatinumB snowflake.ID = 21
	GoldenA1  snowflake.ID = 30
	GoldenA2  snowflake.ID = 31
	GoldenB1  snowflake.ID = 32
	Orphan    snowflake.ID = 40

	EGames = int64(1)
	Sports = int64(3)
)

// Models lists every table the commission pipeline touches.
func Models() []any {
	return []any{
		&hierarchydomain.User{},
		&ratedomain.CommissionRate{},
		&betdomain.BetRecord{},
		&watermark.ProcessMeta{},
		&commissiondomain.Transaction{},
		&commissiondomain.CommissionSummary{},
		&commissiondomain.CompletedCycleSummary{},
		&commissiondomain.CycleAggregation{},
	}
}

// Seed writes owner → operator → two platinums → three goldens, plus a
// golden with no parent. E-Games rates: goldens 20/20/25, platinums 10,
// operator 5. Sports rates: golden A1 1, platinum A 0.5, operator 0.25.
func Seed(t testing.TB, db *gorm.DB) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	users := []hierarchydomain.User{
		{ID: Owner, Name: "owner", Role: hierarchydomain.RoleOwner},
		{ID: Operator, Name: "operator", Role: hierarchydomain.RoleOperator, ParentID: ptr(Owner)},
		{ID: PlatinumA, Name: "platinum-a", Role: hierarchydomain.RolePlatinum, ParentID: ptr(Operator)},
		{ID: PlatinumB, Name: "platinum-b", Role: hierarchydomain.RolePlatinum, ParentID: ptr(Operator)},
		{ID: GoldenA1, Name: "golden-a1", Role: hierarchydomain.RoleGolden, ParentID: ptr(PlatinumA)},
		{ID: GoldenA2, Name: "golden-a2", Role: hierarchydomain.RoleGolden, ParentID: ptr(PlatinumA)},
		{ID: GoldenB1, Name: "golden-b1", Role: hierarchydomain.RoleGolden, ParentID: ptr(PlatinumB)},
		{ID: Orphan, Name: "orphan", Role: hierarchydomain.RoleGolden},
	}
	for i := range users {
		users[i].CreatedAt = now
		users[i].UpdatedAt = now
	}
	if err := db.Create(&users).Error; err != nil {
		t.Fatalf("seed users: %v", err)
	}

	rates := []ratedomain.CommissionRate{
		{ID: 1, UserID: GoldenA1, CategoryID: EGames, Percentage: decimal.RequireFromString("20")},
		{ID: 2, UserID: GoldenA2, CategoryID: EGames, Percentage: decimal.RequireFromString("20")},
		{ID: 3, UserID: GoldenB1, CategoryID: EGames, Percentage: decimal.RequireFromString("25")},
		{ID: 4, UserID: PlatinumA, CategoryID: EGames, Percentage: decimal.RequireFromString("10")},
		{ID: 5, UserID: PlatinumB, CategoryID: EGames, Percentage: decimal.RequireFromString("10")},
		{ID: 6, UserID: Operator, CategoryID: EGames, Percentage: decimal.RequireFromString("5")},
		{ID: 7, UserID: GoldenA1, CategoryID: Sports, Percentage: decimal.RequireFromString("1")},
		{ID: 8, UserID: PlatinumA, CategoryID: Sports, Percentage: decimal.RequireFromString("0.5")},
		{ID: 9, UserID: Operator, CategoryID: Sports, Percentage: decimal.RequireFromString("0.25")},
	}
	for i := range rates {
		rates[i].CreatedAt = now
		rates[i].UpdatedAt = now
	}
	if err := db.Create(&rates).Error; err != nil {
		t.Fatalf("seed rates: %v", err)
	}
}

// Bet builds a bet record for the given golden agent.
func Bet(id snowflake.ID, agent snowflake.ID, category string, bet, payout string, placedAt time.Time) betdomain.BetRecord {
	agentID := agent
	return betdomain.BetRecord{
		ID:                id,
		BetID:             "bet-" + id.String(),
		AgentID:           &agentID,
		Platform:          "pg",
		Category:          category,
		BetAmount:         decimal.RequireFromString(bet),
		PayoutAmount:      decimal.RequireFromString(payout),
		RefundAmount:      decimal.Zero,
		DepositAmount:     decimal.Zero,
		WithdrawAmount:    decimal.Zero,
		PaymentGatewayFee: decimal.Zero,
		PlacedAt:          placedAt,
		CreatedAt:         placedAt,
	}
}

func ptr(id snowflake.ID) *snowflake.ID { return &id }
