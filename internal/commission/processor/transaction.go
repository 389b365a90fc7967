package processor

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	betdomain "github.com/smallbiznis/partnerpay/internal/betrecord/domain"
	"github.com/smallbiznis/partnerpay/internal/category"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
)

const (
	skipUnknownCategory = "unknown_category"
	skipMissingAgent    = "missing_agent"
	skipUnknownAgent    = "unknown_agent"
)

// Base is the amount the commission percentage applies to.
func Base(cat category.Category, bet betdomain.BetRecord) decimal.Decimal {
	switch cat.BaseType {
	case category.BaseGGR:
		return bet.BetAmount.Sub(bet.PayoutAmount)
	case category.BaseTurnover:
		return bet.BetAmount.Sub(bet.RefundAmount)
	default:
		return bet.BetAmount
	}
}

func turnover(cat category.Category, bet betdomain.BetRecord) decimal.Decimal {
	if cat.BaseType == category.BaseTurnover {
		return bet.BetAmount.Sub(bet.RefundAmount)
	}
	return bet.BetAmount
}

// SummaryDay truncates t to its UTC calendar day.
func SummaryDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BuildTransaction attributes one bet to its golden agent and upline. The
// returned reason is set when the bet is skipped.
func BuildTransaction(bet betdomain.BetRecord, registry *category.Registry, tree *hierarchydomain.Tree, rates *ratedomain.RateBook, id snowflake.ID, now time.Time) (commissiondomain.Transaction, string, bool) {
	cat, err := registry.Lookup(bet.Category)
	if err != nil {
		return commissiondomain.Transaction{}, skipUnknownCategory, false
	}
	if bet.AgentID == nil {
		return commissiondomain.Transaction{}, skipMissingAgent, false
	}
	upline, ok := tree.ResolveUpline(*bet.AgentID)
	if !ok {
		return commissiondomain.Transaction{}, skipUnknownAgent, false
	}

	base := Base(cat, bet)
	tx := commissiondomain.Transaction{
		ID:                id,
		BetID:             bet.BetID,
		CategoryID:        cat.ID,
		CategoryName:      cat.Name,
		SummaryDate:       SummaryDay(bet.PlacedAt),
		Platform:          bet.Platform,
		PlacedAt:          bet.PlacedAt.UTC(),
		BetAmount:         bet.BetAmount,
		PayoutAmount:      bet.PayoutAmount,
		RefundAmount:      bet.RefundAmount,
		DepositAmount:     bet.DepositAmount,
		WithdrawAmount:    bet.WithdrawAmount,
		PaymentGatewayFee: bet.PaymentGatewayFee,
		TurnoverAmount:    turnover(cat, bet),
		NetGGR:            bet.BetAmount.Sub(bet.PayoutAmount),
		BaseAmount:        commissiondomain.Round(base),
		GoldenID:          upline.Golden.ID,
		GoldenCommission:  commissiondomain.Percent(base, rates.Rate(upline.Golden.ID, cat.ID)),
		CreatedAt:         now,
	}
	if upline.Platinum != nil {
		platinumID := upline.Platinum.ID
		tx.PlatinumID = &platinumID
		tx.PlatinumCommission = commissiondomain.Percent(base, rates.Rate(platinumID, cat.ID))
	}
	if upline.Operator != nil {
		operatorID := upline.Operator.ID
		tx.OperatorID = &operatorID
		tx.OperatorCommission = commissiondomain.Percent(base, rates.Rate(operatorID, cat.ID))
	}
	return tx, "", true
}
