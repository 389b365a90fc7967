package processor

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/partnerpay/internal/category"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
)

type dayTotals struct {
	userID   snowflake.ID
	role     hierarchydomain.Role
	parentID *snowflake.ID
	deposit  decimal.Decimal
	withdraw decimal.Decimal
	bet      decimal.Decimal
	ggr      decimal.Decimal
	fee      decimal.Decimal
	base     decimal.Decimal
}

func (d *dayTotals) add(tx commissiondomain.Transaction) {
	d.deposit = d.deposit.Add(tx.DepositAmount)
	d.withdraw = d.withdraw.Add(tx.WithdrawAmount)
	d.bet = d.bet.Add(tx.TurnoverAmount)
	d.ggr = d.ggr.Add(tx.NetGGR)
	d.fee = d.fee.Add(tx.PaymentGatewayFee)
	d.base = d.base.Add(tx.BaseAmount)
}

// Summarize rebuilds the daily rows of every tier user touched by txs. The
// commission is applied to the day's base total, so per-bet rounding never
// accumulates.
func Summarize(cat category.Category, day time.Time, txs []commissiondomain.Transaction, tree *hierarchydomain.Tree, rates *ratedomain.RateBook, now time.Time, nextID func() snowflake.ID) []commissiondomain.CommissionSummary {
	totals := map[snowflake.ID]*dayTotals{}
	touch := func(id snowflake.ID, role hierarchydomain.Role, parentID *snowflake.ID) *dayTotals {
		t, ok := totals[id]
		if !ok {
			t = &dayTotals{userID: id, role: role, parentID: parentID}
			totals[id] = t
		}
		return t
	}

	for _, tx := range txs {
		touch(tx.GoldenID, hierarchydomain.RoleGolden, tx.PlatinumID).add(tx)
		if tx.PlatinumID != nil {
			touch(*tx.PlatinumID, hierarchydomain.RolePlatinum, tx.OperatorID).add(tx)
		}
		if tx.OperatorID != nil {
			role := hierarchydomain.RoleOperator
			var parentID *snowflake.ID
			if tree != nil {
				if user, ok := tree.User(*tx.OperatorID); ok {
					role = user.Role
				}
				if parent, ok := tree.Parent(*tx.OperatorID); ok {
					id := parent.ID
					parentID = &id
				}
			}
			touch(*tx.OperatorID, role, parentID).add(tx)
		}
	}

	ids := make([]snowflake.ID, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]commissiondomain.CommissionSummary, 0, len(ids))
	for _, id := range ids {
		t := totals[id]
		gross := commissiondomain.Percent(t.base, rates.Rate(t.userID, cat.ID))
		rows = append(rows, commissiondomain.CommissionSummary{
			ID:                           nextID(),
			UserID:                       t.userID,
			Role:                         t.role,
			ParentID:                     t.parentID,
			CategoryName:                 cat.Name,
			SummaryDate:                  day,
			TotalDeposit:                 commissiondomain.Round(t.deposit),
			TotalWithdrawals:             commissiondomain.Round(t.withdraw),
			TotalBetAmount:               commissiondomain.Round(t.bet),
			NetGGR:                       commissiondomain.Round(t.ggr),
			GrossCommission:              gross,
			PaymentGatewayFee:            commissiondomain.Round(t.fee),
			NetCommissionAvailablePayout: gross,
			PendingSettleCommission:      gross,
			ParentCommission:             commissiondomain.Percent(t.base, rates.RateOf(t.parentID, cat.ID)),
			SettledStatus:                commissiondomain.SettledStatusNo,
			CreatedAt:                    now,
			UpdatedAt:                    now,
		})
	}
	return rows
}
