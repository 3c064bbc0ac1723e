package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsAvailability(t *testing.T) {
	SetControllerCount("dc", "steady", 2)
	ObserveReconcileDuration(10 * time.Millisecond)
	IncConnectRetry("ioc")
	SetDLPECacheSize("10.0.0.1", 3)
	IncUdevEvent("add")

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	content := string(body)

	expected := []string{
		"nvme_stasd_controllers",
		"nvme_stasd_reconcile_duration_seconds",
		"nvme_stasd_connect_retries_total",
		"nvme_stasd_dlpe_cache_size",
		"nvme_stasd_udev_events_total",
	}
	for _, metric := range expected {
		if !strings.Contains(content, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}

	DeleteDLPECacheSize("10.0.0.1")
}

func TestReconcileTimer(t *testing.T) {
	timer := NewReconcileTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDone()
}

func TestSetControllerCountDoesNotPanic(t *testing.T) {
	SetControllerCount("ioc", "connecting", 0)
	SetControllerCount("ioc", "connecting", 1)
}
