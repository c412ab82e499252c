package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func ok(context.Context) error { return nil }

func TestRegistryEmpty(t *testing.T) {
	report := NewRegistry().CheckAll(context.Background())
	if report.Status != "healthy" {
		t.Fatalf("empty registry should be healthy, got %s", report.Status)
	}
	if len(report.Checks) != 0 {
		t.Fatalf("expected 0 checks, got %d", len(report.Checks))
	}
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return errors.New("connection refused") })
	r.Register("ledger", ok)

	report := r.CheckAll(context.Background())
	if report.Healthy() {
		t.Fatal("a failing critical check should make the service unhealthy")
	}
	if report.Checks[0].Name != "database" || report.Checks[0].Detail != "connection refused" {
		t.Errorf("unexpected first status: %+v", report.Checks[0])
	}
	if !report.Checks[1].Healthy {
		t.Error("ledger should be healthy")
	}
}

func TestRegistryOptionalFailureDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok)
	r.RegisterOptional("payment_gateway", func(context.Context) error { return errors.New("circuit open") })

	report := r.CheckAll(context.Background())
	if report.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if !report.Healthy() {
		t.Error("degraded is still serving")
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	report := r.CheckAll(context.Background())
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("CheckAll should not wait for a hung check")
	}
	if report.Checks[0].Healthy {
		t.Error("timed out check should be unhealthy")
	}
}

func TestRegistryRunsConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		r.Register(name, func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}

	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("checks ran serially: %v", elapsed)
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	healthy := true
	r := NewRegistry()
	r.Register("database", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})

	router := gin.New()
	router.GET("/health", r.Handler("1.2.3"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Version != "1.2.3" || report.Status != "healthy" {
		t.Errorf("unexpected report %+v", report)
	}

	healthy = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
