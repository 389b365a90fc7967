package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	"github.com/smallbiznis/partnerpay/internal/clock"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"github.com/smallbiznis/partnerpay/internal/events"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"github.com/smallbiznis/partnerpay/internal/observability/metrics"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Resolver    *cycle.Resolver
	Hierarchy   hierarchydomain.Service
	Commissions commissiondomain.Repository
	Repo        settlementdomain.Repository
	Authz       authorization.Service
	Publisher   events.Publisher `optional:"true"`
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	resolver    *cycle.Resolver
	hierarchy   hierarchydomain.Service
	commissions commissiondomain.Repository
	repo        settlementdomain.Repository
	authz       authorization.Service
	publisher   events.Publisher
	metrics     *metrics.Metrics
}

func New(p Params) settlementdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("settlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		resolver:    p.Resolver,
		hierarchy:   p.Hierarchy,
		commissions: p.Commissions,
		repo:        p.Repo,
		authz:       p.Authz,
		publisher:   publisher,
		metrics:     p.Metrics,
	}
}

// caller is a verified identity with its subtree snapshot.
type caller struct {
	settlementdomain.Identity
	user    hierarchydomain.User
	tree    *hierarchydomain.Tree
	members []hierarchydomain.Member
	index   map[snowflake.ID]hierarchydomain.Member
}

func (c *caller) isGolden() bool {
	return c.Role == hierarchydomain.RoleGolden
}

func (s *Service) resolveCaller(ctx context.Context, id settlementdomain.Identity, object, action string) (*caller, error) {
	if id.UserID == 0 || !id.Role.Valid() {
		return nil, settlementdomain.ErrUnauthorized
	}
	if err := s.authz.Authorize(ctx, string(id.Role), object, action); err != nil {
		if errors.Is(err, authorization.ErrForbidden) {
			return nil, settlementdomain.ErrForbidden
		}
		return nil, err
	}

	tree, err := s.hierarchy.Tree(ctx)
	if err != nil {
		return nil, err
	}
	user, ok := tree.User(id.UserID)
	if !ok {
		// the snapshot may predate the caller
		s.hierarchy.Invalidate()
		if tree, err = s.hierarchy.Tree(ctx); err != nil {
			return nil, err
		}
		if user, ok = tree.User(id.UserID); !ok {
			return nil, settlementdomain.ErrUnauthorized
		}
	}
	if user.Role != id.Role {
		return nil, settlementdomain.ErrForbidden
	}

	c := &caller{Identity: id, user: user, tree: tree}
	if !c.isGolden() {
		c.members = tree.Subtree(user.ID, hierarchydomain.MaxDepth)
	}
	c.index = make(map[snowflake.ID]hierarchydomain.Member, len(c.members))
	for _, m := range c.members {
		c.index[m.ID] = m
	}
	return c, nil
}

// scope applies Query.UserID, returning the members of that branch.
func (c *caller) scope(q settlementdomain.Query) ([]hierarchydomain.Member, error) {
	if q.UserID == nil || *q.UserID == c.UserID {
		return c.members, nil
	}
	if _, ok := c.index[*q.UserID]; !ok {
		return nil, settlementdomain.ErrNotFound
	}
	branch := map[snowflake.ID]struct{}{*q.UserID: {}}
	for _, m := range c.tree.Subtree(*q.UserID, hierarchydomain.MaxDepth) {
		branch[m.ID] = struct{}{}
	}
	out := make([]hierarchydomain.Member, 0, len(branch))
	for _, m := range c.members {
		if _, ok := branch[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) normalizeQuery(q settlementdomain.Query) (settlementdomain.Query, error) {
	if q.Start != nil && q.End != nil && q.Start.After(*q.End) {
		return q, settlementdomain.ErrBadRequest
	}
	if q.Category != "" {
		cat, err := s.resolver.Category(q.Category)
		if err != nil {
			return q, settlementdomain.ErrBadRequest
		}
		q.Category = cat.Name
	}
	return q, nil
}

type cycleKey struct {
	userID   snowflake.ID
	category string
	start    int64
}

func keyOf(row commissiondomain.CompletedCycleSummary) cycleKey {
	return cycleKey{userID: row.UserID, category: row.CategoryName, start: row.CycleStart.UnixMilli()}
}

// pendingRows returns the completed rows still unsettled from the caller's
// point of view. A row is dropped once the caller's flag is set on it or on
// its branch head's row for the same category and cycle.
func (s *Service) pendingRows(ctx context.Context, db *gorm.DB, c *caller, q settlementdomain.Query) ([]commissiondomain.CompletedCycleSummary, error) {
	filter := commissiondomain.CompletedFilter{CategoryName: q.Category}
	if q.Start != nil {
		filter.StartFrom = *q.Start
	}
	if q.End != nil {
		filter.EndTo = *q.End
	}

	inScope := map[snowflake.ID]struct{}{}
	if c.isGolden() {
		inScope[c.UserID] = struct{}{}
		filter.UserIDs = []snowflake.ID{c.UserID}
	} else {
		members, err := c.scope(q)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}
		load := map[snowflake.ID]struct{}{}
		for _, m := range members {
			inScope[m.ID] = struct{}{}
			load[m.ID] = struct{}{}
			load[m.BranchHead] = struct{}{}
		}
		filter.UserIDs = sortedIDs(load)
	}

	rows, err := s.commissions.ListCompleted(ctx, db, filter)
	if err != nil {
		return nil, err
	}
	byKey := make(map[cycleKey]commissiondomain.CompletedCycleSummary, len(rows))
	for _, row := range rows {
		byKey[keyOf(row)] = row
	}

	now := s.clock.Now().UTC()
	cutoffs := map[string]time.Time{}
	out := make([]commissiondomain.CompletedCycleSummary, 0, len(rows))
	for _, row := range rows {
		if _, ok := inScope[row.UserID]; !ok {
			continue
		}
		cutoff, ok := s.cycleCutoff(cutoffs, row.CategoryName, now)
		if !ok || row.CycleEnd.After(cutoff) {
			continue
		}

		if c.isGolden() {
			if row.SettledByPlatinum {
				continue
			}
			out = append(out, row)
			continue
		}

		if row.SettledBy(c.Role) {
			continue
		}
		member := c.index[row.UserID]
		if member.BranchHead != row.UserID {
			key := keyOf(row)
			key.userID = member.BranchHead
			if head, ok := byKey[key]; ok && head.SettledBy(c.Role) {
				continue
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// cycleCutoff is the end of the latest completed cycle of a category.
func (s *Service) cycleCutoff(cache map[string]time.Time, name string, now time.Time) (time.Time, bool) {
	if cutoff, ok := cache[name]; ok {
		return cutoff, true
	}
	cat, err := s.resolver.Category(name)
	if err != nil {
		return time.Time{}, false
	}
	cutoff := s.resolver.PreviousCompletedFor(cat, now).End
	cache[name] = cutoff
	return cutoff, true
}

type tally struct {
	order []string
	sums  map[string]*settlementdomain.CategoryAmount
	own   decimal.Decimal
}

func newTally() *tally {
	return &tally{sums: map[string]*settlementdomain.CategoryAmount{}}
}

func (t *tally) add(categoryName string, payout decimal.Decimal) {
	sum, ok := t.sums[categoryName]
	if !ok {
		sum = &settlementdomain.CategoryAmount{Category: categoryName}
		t.sums[categoryName] = sum
		t.order = append(t.order, categoryName)
	}
	sum.Amount = sum.Amount.Add(payout)
	sum.Rows++
}

func (t *tally) pending(c *caller) settlementdomain.Pending {
	out := settlementdomain.Pending{
		UserID:     c.UserID,
		Role:       c.Role,
		Categories: make([]settlementdomain.CategoryAmount, 0, len(t.order)),
	}
	sort.Strings(t.order)
	total := decimal.Zero
	for _, name := range t.order {
		sum := *t.sums[name]
		sum.Amount = commissiondomain.ClampZero(sum.Amount)
		total = total.Add(sum.Amount)
		out.Categories = append(out.Categories, sum)
	}
	if c.isGolden() {
		out.Own = decimal.Zero
		out.Gross = total
		out.Net = total
		return out
	}
	out.Own = commissiondomain.ClampZero(t.own)
	out.Gross = total
	out.Net = total.Sub(out.Own)
	return out
}

func (s *Service) PendingSettlement(ctx context.Context, id settlementdomain.Identity, q settlementdomain.Query) (settlementdomain.Pending, error) {
	c, err := s.resolveCaller(ctx, id, authorization.ObjectSettlement, authorization.ActionSettlementView)
	if err != nil {
		return settlementdomain.Pending{}, err
	}
	if q, err = s.normalizeQuery(q); err != nil {
		return settlementdomain.Pending{}, err
	}
	rows, err := s.pendingRows(ctx, s.db, c, q)
	if err != nil {
		return settlementdomain.Pending{}, err
	}

	t := newTally()
	for _, row := range rows {
		t.add(row.CategoryName, row.NetCommissionAvailablePayout)
		if !c.isGolden() && c.index[row.UserID].Depth == 1 {
			t.own = t.own.Add(row.ParentCommission)
		}
	}
	return t.pending(c), nil
}

func (s *Service) Breakdown(ctx context.Context, id settlementdomain.Identity, q settlementdomain.Query) ([]settlementdomain.BreakdownLine, error) {
	c, err := s.resolveCaller(ctx, id, authorization.ObjectSettlement, authorization.ActionSettlementView)
	if err != nil {
		return nil, err
	}
	if q, err = s.normalizeQuery(q); err != nil {
		return nil, err
	}
	rows, err := s.pendingRows(ctx, s.db, c, q)
	if err != nil {
		return nil, err
	}

	lines := make([]settlementdomain.BreakdownLine, 0, len(rows))
	for _, row := range rows {
		line := settlementdomain.BreakdownLine{
			SummaryID:         row.ID,
			UserID:            row.UserID,
			Role:              row.Role,
			Category:          row.CategoryName,
			CycleStart:        row.CycleStart.UTC(),
			CycleEnd:          row.CycleEnd.UTC(),
			NetGGR:            row.NetGGR,
			TotalBetAmount:    row.TotalBetAmount,
			Payout:            row.NetCommissionAvailablePayout,
			SubordinatePayout: row.SubordinatePayout,
			ParentCommission:  row.ParentCommission,
		}
		if user, ok := c.tree.User(row.UserID); ok {
			line.UserName = user.Name
		}
		line.SettledByPlatinum = visibleFlag(c.Role, hierarchydomain.RolePlatinum, row.SettledByPlatinum)
		line.SettledByOperator = visibleFlag(c.Role, hierarchydomain.RoleOperator, row.SettledByOperator)
		line.SettledBySuperadmin = visibleFlag(c.Role, hierarchydomain.RoleOwner, row.SettledBySuperadmin)
		lines = append(lines, line)
	}
	return lines, nil
}

// visibleFlag hides a tier's flag from every tier below it.
func visibleFlag(viewer, flagTier hierarchydomain.Role, value bool) *bool {
	if viewer == hierarchydomain.RoleGolden || viewer.Level() > flagTier.Level() {
		return nil
	}
	v := value
	return &v
}

func (s *Service) Payouts(ctx context.Context, id settlementdomain.Identity, q settlementdomain.Query) ([]settlementdomain.PayoutLine, error) {
	c, err := s.resolveCaller(ctx, id, authorization.ObjectCommission, authorization.ActionCommissionView)
	if err != nil {
		return nil, err
	}
	if q, err = s.normalizeQuery(q); err != nil {
		return nil, err
	}

	filter := commissiondomain.CompletedFilter{CategoryName: q.Category}
	if q.Start != nil {
		filter.StartFrom = *q.Start
	}
	if q.End != nil {
		filter.EndTo = *q.End
	}
	// the owner has no parent; its commission is what its direct children pay up
	owner := c.Role == hierarchydomain.RoleOwner
	if owner {
		for _, child := range c.tree.Children(c.UserID, "") {
			filter.UserIDs = append(filter.UserIDs, child.ID)
		}
		if len(filter.UserIDs) == 0 {
			return []settlementdomain.PayoutLine{}, nil
		}
	} else {
		filter.UserIDs = []snowflake.ID{c.UserID}
	}

	rows, err := s.commissions.ListCompleted(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	cutoffs := map[string]time.Time{}
	type lineKey struct {
		category string
		start    int64
	}
	index := map[lineKey]int{}
	lines := make([]settlementdomain.PayoutLine, 0, len(rows))
	for _, row := range rows {
		cutoff, ok := s.cycleCutoff(cutoffs, row.CategoryName, now)
		if !ok || row.CycleEnd.After(cutoff) {
			continue
		}
		amount := row.NetCommissionAvailablePayout
		settled := row.PaidByParent()
		if owner {
			amount = row.ParentCommission
			settled = row.SettledBySuperadmin
		}

		key := lineKey{category: row.CategoryName, start: row.CycleStart.UnixMilli()}
		i, ok := index[key]
		if !ok {
			index[key] = len(lines)
			lines = append(lines, settlementdomain.PayoutLine{
				Category:   row.CategoryName,
				CycleStart: row.CycleStart.UTC(),
				CycleEnd:   row.CycleEnd.UTC(),
				Amount:     amount,
				Settled:    settled,
				SettledAt:  row.SettledAt,
			})
			continue
		}
		line := &lines[i]
		line.Amount = line.Amount.Add(amount)
		line.Settled = line.Settled && settled
		if row.SettledAt != nil && (line.SettledAt == nil || row.SettledAt.After(*line.SettledAt)) {
			line.SettledAt = row.SettledAt
		}
	}
	for i := range lines {
		if !lines[i].Settled {
			lines[i].SettledAt = nil
		}
	}
	return lines, nil
}

// RunningTally reports the open cycle of every category from daily rows.
func (s *Service) RunningTally(ctx context.Context, id settlementdomain.Identity) (settlementdomain.Pending, error) {
	c, err := s.resolveCaller(ctx, id, authorization.ObjectCommission, authorization.ActionCommissionView)
	if err != nil {
		return settlementdomain.Pending{}, err
	}

	var userIDs []snowflake.ID
	if c.isGolden() {
		userIDs = []snowflake.ID{c.UserID}
	} else {
		for _, m := range c.members {
			userIDs = append(userIDs, m.ID)
		}
	}

	t := newTally()
	if len(userIDs) == 0 {
		return t.pending(c), nil
	}
	now := s.clock.Now().UTC()
	for _, cat := range s.resolver.Categories() {
		current := s.resolver.Current(cat, now)
		rows, err := s.commissions.ListSummaries(ctx, s.db, commissiondomain.SummaryFilter{
			CategoryName: cat.Name,
			UserIDs:      userIDs,
			From:         current.Start,
			To:           current.End,
		})
		if err != nil {
			return settlementdomain.Pending{}, err
		}
		for _, row := range rows {
			t.add(cat.Name, row.NetCommissionAvailablePayout)
			if !c.isGolden() && c.index[row.UserID].Depth == 1 {
				t.own = t.own.Add(row.ParentCommission)
			}
		}
	}
	return t.pending(c), nil
}

func sortedIDs(set map[snowflake.ID]struct{}) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
