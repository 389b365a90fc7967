package processor

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
)

func newBook(userID snowflake.ID, categoryID int64, pct string) *ratedomain.RateBook {
	return ratedomain.NewRateBook([]ratedomain.CommissionRate{
		{UserID: userID, CategoryID: categoryID, Percentage: decimal.RequireFromString(pct)},
	})
}
