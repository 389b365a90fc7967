package aggregator

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/partnerpay/internal/category"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
)

type cycleTotals struct {
	userID      snowflake.ID
	role        hierarchydomain.Role
	parentID    *snowflake.ID
	deposit     decimal.Decimal
	withdraw    decimal.Decimal
	bet         decimal.Decimal
	ggr         decimal.Decimal
	fee         decimal.Decimal
	dailyPayout decimal.Decimal
	subordinate decimal.Decimal
}

func (c *cycleTotals) absorb(child *cycleTotals, childGGR, childPayout decimal.Decimal) {
	c.deposit = c.deposit.Add(child.deposit)
	c.withdraw = c.withdraw.Add(child.withdraw)
	c.bet = c.bet.Add(child.bet)
	c.ggr = c.ggr.Add(childGGR)
	c.fee = c.fee.Add(child.fee)
	c.subordinate = c.subordinate.Add(childPayout)
}

// Rollup turns the golden daily rows of one cycle into completed rows for
// every golden, platinum and operator tier. Each golden's GGR is clamped at
// zero before it is rolled upward, and every parent row's subordinate_payout
// is the sum of its children's cycle payouts.
func Rollup(cat category.Category, c cycle.Cycle, daily []commissiondomain.CommissionSummary, tree *hierarchydomain.Tree, rates *ratedomain.RateBook, now time.Time, nextID func() snowflake.ID) []commissiondomain.CompletedCycleSummary {
	golden := map[snowflake.ID]*cycleTotals{}
	for _, row := range daily {
		if row.Role != hierarchydomain.RoleGolden {
			continue
		}
		t, ok := golden[row.UserID]
		if !ok {
			t = &cycleTotals{userID: row.UserID, role: hierarchydomain.RoleGolden, parentID: row.ParentID}
			golden[row.UserID] = t
		}
		t.deposit = t.deposit.Add(row.TotalDeposit)
		t.withdraw = t.withdraw.Add(row.TotalWithdrawals)
		t.bet = t.bet.Add(row.TotalBetAmount)
		t.ggr = t.ggr.Add(row.NetGGR)
		t.fee = t.fee.Add(row.PaymentGatewayFee)
		t.dailyPayout = t.dailyPayout.Add(row.NetCommissionAvailablePayout)
	}

	rows := make([]commissiondomain.CompletedCycleSummary, 0, len(golden))
	platinum := map[snowflake.ID]*cycleTotals{}
	for _, g := range sortedTotals(golden) {
		if tree != nil {
			if parent, ok := tree.Parent(g.userID); ok && parent.Role == hierarchydomain.RolePlatinum {
				id := parent.ID
				g.parentID = &id
			}
		}
		ggr := commissiondomain.ClampZero(g.ggr)
		row := completedRow(cat, c, g, ggr, rates, now, nextID())
		rows = append(rows, row)

		if g.parentID == nil {
			continue
		}
		p := parentTotals(platinum, *g.parentID, hierarchydomain.RolePlatinum, tree)
		p.absorb(g, ggr, row.NetCommissionAvailablePayout)
	}

	operator := map[snowflake.ID]*cycleTotals{}
	for _, p := range sortedTotals(platinum) {
		row := completedRow(cat, c, p, p.ggr, rates, now, nextID())
		rows = append(rows, row)

		if p.parentID == nil {
			continue
		}
		o := parentTotals(operator, *p.parentID, hierarchydomain.RoleOperator, tree)
		o.absorb(p, p.ggr, row.NetCommissionAvailablePayout)
	}

	for _, o := range sortedTotals(operator) {
		rows = append(rows, completedRow(cat, c, o, o.ggr, rates, now, nextID()))
	}
	return rows
}

// parentTotals returns the accumulator of a parent tier user, reading its
// actual role and own parent from the hierarchy.
func parentTotals(m map[snowflake.ID]*cycleTotals, id snowflake.ID, role hierarchydomain.Role, tree *hierarchydomain.Tree) *cycleTotals {
	if t, ok := m[id]; ok {
		return t
	}
	t := &cycleTotals{userID: id, role: role}
	if tree != nil {
		if user, ok := tree.User(id); ok {
			t.role = user.Role
		}
		if parent, ok := tree.Parent(id); ok {
			parentID := parent.ID
			t.parentID = &parentID
		}
	}
	m[id] = t
	return t
}

func completedRow(cat category.Category, c cycle.Cycle, t *cycleTotals, ggr decimal.Decimal, rates *ratedomain.RateBook, now time.Time, id snowflake.ID) commissiondomain.CompletedCycleSummary {
	base := t.bet
	if cat.IsGGR() {
		base = ggr
	}
	payout := commissiondomain.Percent(base, rates.Rate(t.userID, cat.ID))
	// Golden rows keep the unclamped sum of their daily payouts for reference.
	gross := payout
	if t.role == hierarchydomain.RoleGolden {
		gross = commissiondomain.Round(t.dailyPayout)
	}
	return commissiondomain.CompletedCycleSummary{
		ID:                           id,
		UserID:                       t.userID,
		Role:                         t.role,
		ParentID:                     t.parentID,
		CategoryName:                 cat.Name,
		CycleStart:                   c.Start,
		CycleEnd:                     c.End,
		TotalDeposit:                 commissiondomain.Round(t.deposit),
		TotalWithdrawals:             commissiondomain.Round(t.withdraw),
		TotalBetAmount:               commissiondomain.Round(t.bet),
		NetGGR:                       commissiondomain.Round(ggr),
		BaseAmount:                   commissiondomain.Round(base),
		GrossCommission:              gross,
		PaymentGatewayFee:            commissiondomain.Round(t.fee),
		SubordinatePayout:            commissiondomain.Round(t.subordinate),
		NetCommissionAvailablePayout: payout,
		ParentCommission:             commissiondomain.Percent(base, rates.RateOf(t.parentID, cat.ID)),
		SettledStatus:                commissiondomain.SettledStatusNo,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
}

func sortedTotals(m map[snowflake.ID]*cycleTotals) []*cycleTotals {
	out := make([]*cycleTotals, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}
