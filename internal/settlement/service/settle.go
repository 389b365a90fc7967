package service

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/events"
	"github.com/smallbiznis/partnerpay/internal/observability/logger"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
	"github.com/smallbiznis/partnerpay/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type settlementMarkedPayload struct {
	ReferenceID        string          `json:"reference_id"`
	UserID             string          `json:"user_id"`
	Role               string          `json:"role"`
	Amount             decimal.Decimal `json:"amount"`
	IsPartiallySettled bool            `json:"is_partially_settled"`
	SummaryIDs         []string        `json:"summary_ids"`
}

// MarkSettled sets the caller's flag on the given completed rows and records
// the payout. Rows already carrying the flag are left alone; if none change
// the call fails with ErrAlreadySettled.
func (s *Service) MarkSettled(ctx context.Context, id settlementdomain.Identity, summaryIDs []snowflake.ID) (*settlementdomain.SettlementHistory, error) {
	c, err := s.resolveCaller(ctx, id, authorization.ObjectSettlement, authorization.ActionSettlementMark)
	if err != nil {
		return nil, err
	}
	if _, ok := commissiondomain.SettlementFlagColumn(c.Role); !ok {
		return nil, settlementdomain.ErrForbidden
	}

	ids := uniqueIDs(summaryIDs)
	if len(ids) == 0 {
		return nil, settlementdomain.ErrBadRequest
	}
	now := s.clock.Now().UTC()
	history := &settlementdomain.SettlementHistory{
		ID:          s.genID.Generate(),
		ReferenceID: ulid.Make().String(),
		UserID:      c.UserID,
		Role:        c.Role,
		SettledAt:   now,
		CreatedAt:   now,
	}

	var changed []commissiondomain.CompletedCycleSummary
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// amounts come from the rows as seen by this transaction
		rows, err := s.commissions.ListCompleted(ctx, tx, commissiondomain.CompletedFilter{IDs: ids})
		if err != nil {
			return err
		}
		if len(rows) != len(ids) {
			return settlementdomain.ErrNotFound
		}

		amount := decimal.Zero
		changed = make([]commissiondomain.CompletedCycleSummary, 0, len(rows))
		for _, row := range rows {
			if _, ok := c.index[row.UserID]; !ok {
				return settlementdomain.ErrNotFound
			}
			if row.SettledBy(c.Role) {
				continue
			}
			amount = amount.Add(commissiondomain.ClampZero(row.NetCommissionAvailablePayout))
			changed = append(changed, row)
		}
		if len(changed) == 0 {
			return settlementdomain.ErrAlreadySettled
		}

		changedIDs := make([]snowflake.ID, 0, len(changed))
		history.SummaryIDs = make([]string, 0, len(changed))
		for _, row := range changed {
			changedIDs = append(changedIDs, row.ID)
			history.SummaryIDs = append(history.SummaryIDs, row.ID.String())
		}
		history.Amount = amount

		updated, err := s.commissions.MarkSettled(ctx, tx, changedIDs, c.Role, now)
		if err != nil {
			return err
		}
		if updated != int64(len(changed)) {
			// another settler flipped some of these rows after they were read
			return settlementdomain.ErrSettlementConflict
		}
		partial, err := s.remainsPending(ctx, tx, c, changed)
		if err != nil {
			return err
		}
		history.IsPartiallySettled = partial
		return s.repo.Insert(ctx, tx, history)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSettlement(ctx, string(c.Role), len(changed))
	logger.WithContext(ctx, s.log).Info("settlement marked",
		zap.String("reference_id", history.ReferenceID),
		zap.String("role", string(c.Role)),
		zap.Int("rows", len(changed)),
		zap.Bool("partial", history.IsPartiallySettled),
	)
	events.PublishBestEffort(ctx, s.publisher, s.log, c.UserID.String(), events.Event{
		Type:       events.TypeSettlementMarked,
		OccurredAt: now,
		Payload: settlementMarkedPayload{
			ReferenceID:        history.ReferenceID,
			UserID:             c.UserID.String(),
			Role:               string(c.Role),
			Amount:             history.Amount,
			IsPartiallySettled: history.IsPartiallySettled,
			SummaryIDs:         history.SummaryIDs,
		},
	})
	return history, nil
}

// remainsPending reports whether the caller still has unsettled rows in any
// (category, cycle) touched by the settlement.
func (s *Service) remainsPending(ctx context.Context, db *gorm.DB, c *caller, settled []commissiondomain.CompletedCycleSummary) (bool, error) {
	type cycleRef struct {
		category string
		start    int64
	}
	touched := map[cycleRef]struct{}{}
	for _, row := range settled {
		touched[cycleRef{category: row.CategoryName, start: row.CycleStart.UnixMilli()}] = struct{}{}
	}

	rows, err := s.pendingRows(ctx, db, c, settlementdomain.Query{})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if _, ok := touched[cycleRef{category: row.CategoryName, start: row.CycleStart.UnixMilli()}]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) History(ctx context.Context, id settlementdomain.Identity, page pagination.Pagination) (settlementdomain.HistoryPage, error) {
	c, err := s.resolveCaller(ctx, id, authorization.ObjectSettlement, authorization.ActionSettlementView)
	if err != nil {
		return settlementdomain.HistoryPage{}, err
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return settlementdomain.HistoryPage{}, settlementdomain.ErrBadRequest
	}
	var beforeID snowflake.ID
	if cursor != nil {
		parsed, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return settlementdomain.HistoryPage{}, settlementdomain.ErrBadRequest
		}
		beforeID = snowflake.ID(parsed)
	}

	limit := page.Limit()
	rows, err := s.repo.ListByUser(ctx, s.db, c.UserID, beforeID, limit+1)
	if err != nil {
		return settlementdomain.HistoryPage{}, err
	}
	items, info, err := pagination.BuildCursorPageInfo(rows, limit, func(h settlementdomain.SettlementHistory) pagination.Cursor {
		return pagination.Cursor{ID: h.ID.String(), CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339)}
	})
	if err != nil {
		return settlementdomain.HistoryPage{}, err
	}
	if items == nil {
		items = []settlementdomain.SettlementHistory{}
	}
	return settlementdomain.HistoryPage{Items: items, PageInfo: info}, nil
}

func uniqueIDs(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
