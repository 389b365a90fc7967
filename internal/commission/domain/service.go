package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"gorm.io/gorm"
)

var (
	ErrCycleNotReadyToClose   = errors.New("cycle_not_ready_to_close")
	ErrCycleAlreadyAggregated = errors.New("cycle_already_aggregated")
	ErrInvalidCycle           = errors.New("invalid_cycle")
	ErrRunInProgress          = errors.New("run_in_progress")
)

// RunResult describes one processor run.
type RunResult struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Noop          bool      `json:"noop"`
	Scanned       int       `json:"scanned"`
	Inserted      int       `json:"inserted"`
	Skipped       int       `json:"skipped"`
	Failed        int       `json:"failed"`
	Groups        int       `json:"groups"`
	FailedGroups  int       `json:"failed_groups"`
	WatermarkMove bool      `json:"watermark_moved"`
}

type CloseResult struct {
	Category string      `json:"category"`
	Cycle    cycle.Cycle `json:"cycle"`
	Rows     int         `json:"rows"`
}

type CloseDueResult struct {
	Closed  []CloseResult `json:"closed"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
}

type Processor interface {
	Run(ctx context.Context) (RunResult, error)
}

type Aggregator interface {
	CloseCycle(ctx context.Context, category string, c cycle.Cycle) (CloseResult, error)
	CloseDue(ctx context.Context) (CloseDueResult, error)
}

type SummaryFilter struct {
	CategoryName string
	Role         hierarchydomain.Role
	UserIDs      []snowflake.ID
	From         time.Time
	To           time.Time
}

type CompletedFilter struct {
	IDs          []snowflake.ID
	UserIDs      []snowflake.ID
	CategoryName string
	StartFrom    time.Time
	EndTo        time.Time
}

type Repository interface {
	InsertTransactions(ctx context.Context, db *gorm.DB, txs []Transaction) (int64, error)
	ListTransactionsForDay(ctx context.Context, db *gorm.DB, categoryName string, day time.Time) ([]Transaction, error)
	UpsertSummaries(ctx context.Context, db *gorm.DB, rows []CommissionSummary) error
	ListSummaries(ctx context.Context, db *gorm.DB, filter SummaryFilter) ([]CommissionSummary, error)

	InsertAggregation(ctx context.Context, db *gorm.DB, agg *CycleAggregation) (bool, error)
	LatestAggregation(ctx context.Context, db *gorm.DB, categoryName string) (*CycleAggregation, error)
	InsertCompleted(ctx context.Context, db *gorm.DB, rows []CompletedCycleSummary) (int64, error)
	ListCompleted(ctx context.Context, db *gorm.DB, filter CompletedFilter) ([]CompletedCycleSummary, error)
	MarkSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, settler hierarchydomain.Role, at time.Time) (int64, error)
}
