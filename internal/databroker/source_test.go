package databroker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHTTPSource(config.DataBrokerConfig{
		URL:            srv.URL + "/",
		Catalog:        "srx/raw",
		APIKey:         "secret",
		RequestTimeout: 5 * time.Second,
	})
}

func TestDecodeArray(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantShape []int
		wantData  []float64
		wantErr   bool
	}{
		{"vector", `[1, 2.5, 3]`, []int{3}, []float64{1, 2.5, 3}, false},
		{"matrix", `[[1,2],[3,4],[5,6]]`, []int{3, 2}, []float64{1, 2, 3, 4, 5, 6}, false},
		{"four dims", `[[[[1,2]]],[[[3,4]]]]`, []int{2, 1, 1, 2}, []float64{1, 2, 3, 4}, false},
		{"empty", `[]`, []int{0}, nil, false},
		{"ragged rows", `[[1,2],[3]]`, nil, nil, true},
		{"mixed depth", `[[1],2]`, nil, nil, true},
		{"scalar", `42`, nil, nil, true},
		{"string value", `["a"]`, nil, nil, true},
		{"truncated", `[[1,2],[3,`, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arr, err := DecodeArray(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeArray(%s) = %+v, want error", tt.input, arr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeArray(%s) error = %v", tt.input, err)
			}
			if fmt.Sprint(arr.Shape) != fmt.Sprint(tt.wantShape) {
				t.Errorf("Shape = %v, want %v", arr.Shape, tt.wantShape)
			}
			if fmt.Sprint(arr.Data) != fmt.Sprint(tt.wantData) && len(tt.wantData) > 0 {
				t.Errorf("Data = %v, want %v", arr.Data, tt.wantData)
			}
		})
	}
}

func TestDecodeArray_NullIsNaN(t *testing.T) {
	arr, err := DecodeArray(strings.NewReader(`[[1, null], [3, 4]]`))
	if err != nil {
		t.Fatalf("DecodeArray() error = %v", err)
	}
	if !math.IsNaN(arr.Data[1]) {
		t.Errorf("Data[1] = %v, want NaN", arr.Data[1])
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		fmt.Fprint(w, `[[1,2],[3,4]]`)
	})

	arr, err := src.Fetch(context.Background(), "abc-123", "stream0", "i0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotPath != "/api/v1/array/full/srx/raw/abc-123/stream0/data/i0" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Apikey secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if arr.Dims() != 2 || arr.Shape[0] != 2 || arr.Shape[1] != 2 {
		t.Errorf("Shape = %v, want [2 2]", arr.Shape)
	}
}

func TestHTTPSource_CacheAndClear(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `[1,2,3]`)
	})
	ctx := context.Background()

	for range 2 {
		if _, err := src.Fetch(ctx, "scan", "stream0", "fluor"); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("requests before ClearCache = %d, want 1", n)
	}

	src.ClearCache()
	if _, err := src.Fetch(ctx, "scan", "stream0", "fluor"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("requests after ClearCache = %d, want 2", n)
	}
}

func TestHTTPSource_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusNotFound, true},
		{http.StatusConflict, true},
		{http.StatusLocked, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := src.Fetch(context.Background(), "scan", "stream0", "fluor")
			if err == nil {
				t.Fatal("Fetch() expected error")
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, IsTransient(err), tt.transient)
			}
			if !tt.transient && !errors.Is(err, ErrPermanent) {
				t.Errorf("error %v should wrap ErrPermanent", err)
			}
		})
	}
}

func TestHTTPSource_DecodeErrorIsPermanent(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"detail": "not an array"}`)
	})

	_, err := src.Fetch(context.Background(), "scan", "stream0", "fluor")
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("Fetch() error = %v, want ErrPermanent", err)
	}
}

func TestHTTPSource_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	src := NewHTTPSource(config.DataBrokerConfig{URL: addr, Catalog: "srx/raw", RequestTimeout: time.Second})
	_, err := src.Fetch(context.Background(), "scan", "stream0", "fluor")
	if !IsTransient(err) {
		t.Fatalf("Fetch() error = %v, want transient", err)
	}
}

func TestHTTPSource_ContextCancelled(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Fetch(ctx, "scan", "stream0", "fluor")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
}
