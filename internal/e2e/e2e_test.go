//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	"github.com/smallbiznis/partnerpay/internal/betrecord"
	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/clock"
	"github.com/smallbiznis/partnerpay/internal/commission"
	"github.com/smallbiznis/partnerpay/internal/commission/commissiontest"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"github.com/smallbiznis/partnerpay/internal/distlock"
	"github.com/smallbiznis/partnerpay/internal/events"
	"github.com/smallbiznis/partnerpay/internal/hierarchy"
	"github.com/smallbiznis/partnerpay/internal/migration"
	"github.com/smallbiznis/partnerpay/internal/observability"
	"github.com/smallbiznis/partnerpay/internal/rate"
	"github.com/smallbiznis/partnerpay/internal/scheduler"
	"github.com/smallbiznis/partnerpay/internal/server"
	"github.com/smallbiznis/partnerpay/internal/settlement"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"github.com/smallbiznis/partnerpay/pkg/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app       *fx.App
	container *postgres.PostgresContainer
	db        *gorm.DB
	baseURL   string
	httpSrv   *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	if err := exec.Command("docker", "info").Run(); err != nil {
		fmt.Fprintln(os.Stderr, "docker is not available, skipping e2e tests")
		os.Exit(0)
	}
	gin.SetMode(gin.TestMode)

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_IdentityRequired(t *testing.T) {
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/commissions/pending", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestE2E_ProcessIsIdempotent(t *testing.T) {
	resetDatabase(t, env.db)
	commissiontest.Seed(t, env.db)

	placedAt := time.Now().UTC().Add(-2 * time.Hour)
	bet := commissiontest.Bet(snowflake.ID(1000), commissiontest.GoldenA1, "E-Games", "1000", "400", placedAt)
	if err := env.db.Create(&bet).Error; err != nil {
		t.Fatalf("insert bet: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/commissions/process", nil, identity(commissiontest.Operator, "operator"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected operator to be rejected, got %d: %s", resp.StatusCode, string(body))
	}

	owner := identity(commissiontest.Owner, "owner")
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/internal/commissions/process", nil, owner)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, string(body))
	}
	var first struct {
		Data struct {
			Scanned  int `json:"scanned"`
			Inserted int `json:"inserted"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("decode run result: %v", err)
	}
	if first.Data.Inserted != 1 {
		t.Fatalf("expected 1 inserted transaction, got %d", first.Data.Inserted)
	}

	// Rewind the watermark so the same bet is seen again.
	if err := env.db.Exec(`DELETE FROM process_meta`).Error; err != nil {
		t.Fatalf("reset watermark: %v", err)
	}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/internal/commissions/process", nil, owner)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, string(body))
	}

	if n := countRows(t, env.db, "commission_transactions", "bet_id = ?", bet.BetID); n != 1 {
		t.Fatalf("expected exactly one transaction for the bet, got %d", n)
	}
	if n := countRows(t, env.db, "commission_summaries", "user_id = ?", int64(commissiontest.GoldenA1)); n != 1 {
		t.Fatalf("expected one golden summary row, got %d", n)
	}
}

func TestE2E_CloseWithNothingDue(t *testing.T) {
	resetDatabase(t, env.db)
	commissiontest.Seed(t, env.db)

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/commissions/close", nil, identity(commissiontest.Owner, "owner"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, string(body))
	}
	if n := countRows(t, env.db, "completed_cycle_summaries", "1 = 1"); n != 0 {
		t.Fatalf("expected no completed rows, got %d", n)
	}
}

func TestE2E_RoleMustMatchHierarchy(t *testing.T) {
	resetDatabase(t, env.db)
	commissiontest.Seed(t, env.db)

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/commissions/pending", nil, identity(commissiontest.GoldenA1, "platinum"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d: %s", resp.StatusCode, string(body))
	}
}

func startEnv() (*testEnv, error) {
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("partnerpay"),
		postgres.WithUsername("partnerpay"),
		postgres.WithPassword("partnerpay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	for key, value := range map[string]string{
		"ENVIRONMENT":       "test",
		"LOG_LEVEL":         "error",
		"HTTP_ADDR":         "127.0.0.1:0",
		"SCHEDULER_ENABLED": "false",
		"DATABASE_TYPE":     "postgres",
		"DATABASE_HOST":     host,
		"DATABASE_PORT":     port.Port(),
		"DATABASE_NAME":     "partnerpay",
		"DATABASE_USER":     "partnerpay",
		"DATABASE_PASSWORD": "partnerpay",
		"DATABASE_SSLMODE":  "disable",
	} {
		_ = os.Setenv(key, value)
	}

	var (
		engine *gin.Engine
		dbConn *gorm.DB
	)
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.NodeID)
		}),
		db.Module,
		migration.Module,
		clock.Module,
		distlock.Module,
		events.Module,
		category.Module,
		cycle.Module,
		hierarchy.Module,
		rate.Module,
		betrecord.Module,
		watermark.Module,
		commission.Module,
		settlement.Module,
		authorization.Module,
		scheduler.Module,
		server.Module,
		fx.Populate(&engine, &dbConn),
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	httpSrv := httptest.NewServer(engine)
	return &testEnv{
		app:       app,
		container: container,
		db:        dbConn,
		baseURL:   httpSrv.URL,
		httpSrv:   httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
	if e.container != nil {
		_ = e.container.Terminate(context.Background())
	}
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	type tableRow struct {
		Name string `gorm:"column:tablename"`
	}
	var rows []tableRow
	if err := dbConn.Raw(
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename NOT IN ('schema_migrations', 'casbin_rule')`,
	).Scan(&rows).Error; err != nil {
		t.Fatalf("list tables: %v", err)
	}
	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Name) != "" {
			tables = append(tables, `"`+row.Name+`"`)
		}
	}
	if len(tables) == 0 {
		return
	}
	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
	if err := dbConn.Exec(stmt).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func identity(id snowflake.ID, role string) map[string]string {
	return map[string]string{
		server.HeaderUserID:   id.String(),
		server.HeaderUserRole: role,
	}
}

func countRows(t *testing.T, dbConn *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := dbConn.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func doJSON(t *testing.T, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}
