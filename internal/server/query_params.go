package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// parseSettlementQuery reads user_id, start_date, end_date and category.
func parseSettlementQuery(c *gin.Context) (settlementdomain.Query, error) {
	var q settlementdomain.Query

	userID, err := parseOptionalSnowflakeID(c.Query("user_id"))
	if err != nil {
		return q, newValidationError("user_id", "invalid_user_id", "invalid user_id")
	}
	start, err := parseOptionalTime(c.Query("start_date"), false)
	if err != nil {
		return q, newValidationError("start_date", "invalid_start_date", "invalid start_date")
	}
	end, err := parseOptionalTime(c.Query("end_date"), true)
	if err != nil {
		return q, newValidationError("end_date", "invalid_end_date", "invalid end_date")
	}

	q.UserID = userID
	q.Start = start
	q.End = end
	q.Category = strings.TrimSpace(c.Query("category"))
	return q, nil
}
