package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 200

type repo struct{}

func Provide() commissiondomain.Repository {
	return &repo{}
}

// InsertTransactions skips rows whose bet_id already exists and returns the
// number of rows actually written.
func (r *repo) InsertTransactions(ctx context.Context, db *gorm.DB, txs []commissiondomain.Transaction) (int64, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bet_id"}},
			DoNothing: true,
		}).
		CreateInBatches(&txs, insertBatchSize)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) ListTransactionsForDay(ctx context.Context, db *gorm.DB, categoryName string, day time.Time) ([]commissiondomain.Transaction, error) {
	var rows []commissiondomain.Transaction
	err := db.WithContext(ctx).
		Where("category_name = ? AND summary_date = ?", categoryName, day.UTC()).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertSummaries replaces the money columns of existing rows on the
// (user_id, category_name, summary_date) key. settled_status and created_at
// are left untouched.
func (r *repo) UpsertSummaries(ctx context.Context, db *gorm.DB, rows []commissiondomain.CommissionSummary) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "category_name"}, {Name: "summary_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"role",
				"parent_id",
				"total_deposit",
				"total_withdrawals",
				"total_bet_amount",
				"net_ggr",
				"gross_commission",
				"payment_gateway_fee",
				"net_commission_available_payout",
				"pending_settle_commission",
				"parent_commission",
				"updated_at",
			}),
		}).
		CreateInBatches(&rows, insertBatchSize).Error
}

func (r *repo) ListSummaries(ctx context.Context, db *gorm.DB, filter commissiondomain.SummaryFilter) ([]commissiondomain.CommissionSummary, error) {
	query := db.WithContext(ctx).Model(&commissiondomain.CommissionSummary{})
	if filter.CategoryName != "" {
		query = query.Where("category_name = ?", filter.CategoryName)
	}
	if filter.Role != "" {
		query = query.Where("role = ?", filter.Role)
	}
	if len(filter.UserIDs) > 0 {
		query = query.Where("user_id IN ?", filter.UserIDs)
	}
	if !filter.From.IsZero() {
		query = query.Where("summary_date >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("summary_date <= ?", filter.To.UTC())
	}

	var rows []commissiondomain.CommissionSummary
	if err := query.Order("summary_date, user_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertAggregation reports false when the cycle already has a guard row.
func (r *repo) InsertAggregation(ctx context.Context, db *gorm.DB, agg *commissiondomain.CycleAggregation) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(agg)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) LatestAggregation(ctx context.Context, db *gorm.DB, categoryName string) (*commissiondomain.CycleAggregation, error) {
	var rows []commissiondomain.CycleAggregation
	err := db.WithContext(ctx).
		Where("category_name = ?", categoryName).
		Order("cycle_end DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) InsertCompleted(ctx context.Context, db *gorm.DB, rows []commissiondomain.CompletedCycleSummary) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "category_name"}, {Name: "cycle_start"}, {Name: "cycle_end"}},
			DoNothing: true,
		}).
		CreateInBatches(&rows, insertBatchSize)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) ListCompleted(ctx context.Context, db *gorm.DB, filter commissiondomain.CompletedFilter) ([]commissiondomain.CompletedCycleSummary, error) {
	query := db.WithContext(ctx).Model(&commissiondomain.CompletedCycleSummary{})
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if len(filter.UserIDs) > 0 {
		query = query.Where("user_id IN ?", filter.UserIDs)
	}
	if filter.CategoryName != "" {
		query = query.Where("category_name = ?", filter.CategoryName)
	}
	if !filter.StartFrom.IsZero() {
		query = query.Where("cycle_start >= ?", filter.StartFrom.UTC())
	}
	if !filter.EndTo.IsZero() {
		query = query.Where("cycle_end <= ?", filter.EndTo.UTC())
	}

	var rows []commissiondomain.CompletedCycleSummary
	if err := query.Order("cycle_start, category_name, user_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkSettled flips the settler's flag on rows where it is still false. Rows
// owned by the settler's direct children become fully settled.
func (r *repo) MarkSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, settler hierarchydomain.Role, at time.Time) (int64, error) {
	column, ok := commissiondomain.SettlementFlagColumn(settler)
	if !ok || len(ids) == 0 {
		return 0, nil
	}
	childRole := childRoleOf(settler)

	result := db.WithContext(ctx).
		Model(&commissiondomain.CompletedCycleSummary{}).
		Where("id IN ?", ids).
		Where(column+" = ?", false).
		Updates(map[string]any{
			column: true,
			"settled_status": gorm.Expr(
				"CASE WHEN role = ? THEN ? ELSE settled_status END",
				childRole, commissiondomain.SettledStatusYes,
			),
			"settled_at": gorm.Expr(
				"CASE WHEN role = ? THEN ? ELSE settled_at END",
				childRole, at.UTC(),
			),
			"updated_at": at.UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func childRoleOf(role hierarchydomain.Role) hierarchydomain.Role {
	switch role {
	case hierarchydomain.RoleOwner:
		return hierarchydomain.RoleOperator
	case hierarchydomain.RoleOperator:
		return hierarchydomain.RolePlatinum
	case hierarchydomain.RolePlatinum:
		return hierarchydomain.RoleGolden
	}
	return ""
}
