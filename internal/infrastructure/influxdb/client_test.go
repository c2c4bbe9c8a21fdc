package influxdb

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func lineProtocol(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
}

func TestCorrectionPoint(t *testing.T) {
	p := correctionPoint("srx", CorrectionSample{
		Axis:      "x",
		Outcome:   "accepted",
		Theta:     12.5,
		Index:     3,
		Pixel:     64,
		OldCenter: 0,
		NewCenter: 1.5,
		Delta:     1.5,
		Time:      t0,
	})
	got := lineProtocol(p)

	for _, want := range []string{
		"scan_correction,axis=x,outcome=accepted,site=srx ",
		"delta=1.5",
		"new_center=1.5",
		"old_center=0",
		"pixel=64",
		"theta=12.5",
		"index=3i",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("line %q missing %q", got, want)
		}
	}
}

func TestCorrectionPoint_DropsNonFinite(t *testing.T) {
	p := correctionPoint("srx", CorrectionSample{
		Axis:      "y",
		Outcome:   "rejected_non_finite",
		Pixel:     math.NaN(),
		NewCenter: math.NaN(),
		Delta:     math.Inf(1),
		Time:      t0,
	})
	got := lineProtocol(p)

	for _, absent := range []string{"pixel=", "new_center=", "delta="} {
		if strings.Contains(got, absent) {
			t.Errorf("line %q contains non-finite field %q", got, absent)
		}
	}
	if !strings.Contains(got, "old_center=0") {
		t.Errorf("line %q missing finite field old_center", got)
	}
}

func TestProjectionPoint(t *testing.T) {
	got := lineProtocol(projectionPoint("srx", ProjectionSample{
		Theta:         90,
		Index:         9,
		Orientation:   "xy",
		DataAvailable: true,
		Duration:      1500 * time.Millisecond,
		Time:          t0,
	}))

	for _, want := range []string{
		"projection,orientation=xy,site=srx ",
		"duration_s=1.5",
		"data_available=true",
		"index=9i",
		"theta=90",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("line %q missing %q", got, want)
		}
	}
}

func TestProcessingPoint(t *testing.T) {
	got := lineProtocol(processingPoint("srx", ProcessingSample{
		Algorithm: "svmbir",
		Status:    "completed",
		Files:     18,
		Duration:  2 * time.Minute,
		Time:      t0,
	}))

	for _, want := range []string{
		"processing_run,algorithm=svmbir,site=srx,status=completed ",
		"duration_s=120",
		"files=18i",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("line %q missing %q", got, want)
		}
	}
}

func TestTimestamp_DefaultsToNow(t *testing.T) {
	before := time.Now()
	if got := timestamp(time.Time{}); got.Before(before) {
		t.Errorf("timestamp(zero) = %v, want >= %v", got, before)
	}
	if got := timestamp(t0); !got.Equal(t0) {
		t.Errorf("timestamp(t0) = %v", got)
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false}, "srx")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:59999", Org: "o", Bucket: "b"}
	_, err := Connect(cfg, "srx")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilAndClosedClient(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}

	closed := &Client{}
	if err := closed.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
	closed.Flush()
	closed.WriteCorrection(CorrectionSample{Axis: "x"})
}

// fakeInflux answers /ping and captures write bodies.
func fakeInflux(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	bodies := make(chan string, 8)
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- string(data)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, bodies
}

func TestClient_WritesReachServer(t *testing.T) {
	srv, bodies := fakeInflux(t)

	c, err := Connect(config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "srx",
		Bucket:        "autoscan",
		BatchSize:     10,
		FlushInterval: 1,
	}, "srx")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}

	c.WriteCorrection(CorrectionSample{Axis: "x", Outcome: "accepted", Delta: 0.25, Time: t0})
	c.WriteProjection(ProjectionSample{Theta: 10, Index: 1, Orientation: "xy", Time: t0})
	c.WriteProcessingRun(ProcessingSample{Algorithm: "fbp", Status: "completed", Files: 4, Time: t0})
	c.Flush()

	var all strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(all.String(), "processing_run") {
		select {
		case body := <-bodies:
			all.WriteString(body)
		case <-deadline:
			t.Fatalf("timeout waiting for writes; got %q", all.String())
		}
	}

	for _, want := range []string{"scan_correction,", "projection,", "processing_run,"} {
		if !strings.Contains(all.String(), want) {
			t.Errorf("writes missing %q", want)
		}
	}
}
