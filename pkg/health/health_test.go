package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestReadyReportsDependencies(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	h := New()
	h.Register(NewRedisChecker(rdb))
	h.Register(NewPostgresChecker(db))
	h.SetReady(true)

	resp := h.Ready(context.Background())
	if resp.Status != StatusUp {
		t.Fatalf("expected up, got %+v", resp)
	}
	if resp.Dependencies["redis"].Status != StatusUp || resp.Dependencies["postgres"].Status != StatusUp {
		t.Fatalf("unexpected dependencies: %+v", resp.Dependencies)
	}
}

func TestReadyDegradesOnFailingProbe(t *testing.T) {
	h := New()
	h.Register(NewFuncChecker("reconcile", func(ctx context.Context) (Status, string) {
		return StatusDown, "3 pending writes"
	}))
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusDegraded || resp.Dependencies["reconcile"].Message != "3 pending writes" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNotReadyIsDown(t *testing.T) {
	h := New()
	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("expected down before SetReady, got %s", got)
	}

	rec := httptest.NewRecorder()
	h.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("live should always be 200, got %d", rec.Code)
	}
}
