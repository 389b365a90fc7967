package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
	"github.com/smallbiznis/partnerpay/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRateDefaultsToZero(t *testing.T) {
	db := dbtest.Open(t, &ratedomain.CommissionRate{})
	repo := Provide()
	ctx := context.Background()

	rate, err := repo.GetRate(ctx, db, 7, 1)
	require.NoError(t, err)
	assert.True(t, rate.IsZero())
}

func TestUpsertReplacesPercentage(t *testing.T) {
	db := dbtest.Open(t, &ratedomain.CommissionRate{})
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Upsert(ctx, db, &ratedomain.CommissionRate{ID: 1, UserID: 7, CategoryID: 1, Percentage: decimal.RequireFromString("20"), CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.Upsert(ctx, db, &ratedomain.CommissionRate{ID: 2, UserID: 7, CategoryID: 1, Percentage: decimal.RequireFromString("12.5"), CreatedAt: now, UpdatedAt: now}))

	rate, err := repo.GetRate(ctx, db, 7, 1)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("12.5")), rate.String())

	all, err := repo.ListAll(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)

	book := ratedomain.NewRateBook(all)
	assert.True(t, book.Rate(7, 1).Equal(decimal.RequireFromString("12.5")))
	assert.True(t, book.Rate(7, 2).IsZero())
	assert.True(t, book.RateOf(nil, 1).IsZero())
}
