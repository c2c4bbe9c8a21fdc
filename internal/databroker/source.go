package databroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

// readBufferSize is the streaming buffer used while decoding array payloads.
const readBufferSize = 64 * 1024

// Array is a dense row-major float64 array.
type Array struct {
	Shape []int
	Data  []float64
}

// Dims returns the number of dimensions.
func (a *Array) Dims() int {
	return len(a.Shape)
}

// Source retrieves one field of one stream of a scan.
type Source interface {
	Fetch(ctx context.Context, scanID, stream, field string) (*Array, error)

	// ClearCache drops any in-process state so the next Fetch sees fresh data.
	ClearCache()
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HTTPSource fetches arrays from a Tiled-style REST API:
//
//	GET {url}/api/v1/array/full/{catalog}/{scan}/{stream}/data/{field}
//
// Completed arrays are memoised per URL until ClearCache is called; a
// caller retrying a partially written scan clears it between attempts.
//
// Thread Safety: All methods are safe for concurrent use.
type HTTPSource struct {
	baseURL string
	catalog string
	apiKey  string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]*Array
}

// NewHTTPSource creates a source for the configured data service.
func NewHTTPSource(cfg config.DataBrokerConfig) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		catalog: strings.Trim(cfg.Catalog, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		cache:   make(map[string]*Array),
	}
}

// Fetch retrieves the array for field, with missing values filled as NaN.
func (s *HTTPSource) Fetch(ctx context.Context, scanID, stream, field string) (*Array, error) {
	endpoint := fmt.Sprintf("%s/api/v1/array/full/%s/%s/%s/data/%s",
		s.baseURL, s.catalog, url.PathEscape(scanID), url.PathEscape(stream), url.PathEscape(field))

	s.mu.Lock()
	cached, ok := s.cache[endpoint]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Apikey "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrNotReady, scanID, field, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain for connection reuse
		return nil, classifyStatus(resp.StatusCode, scanID, field)
	}

	arr, err := DecodeArray(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s/%s: %w", ErrPermanent, scanID, field, err)
	}

	s.mu.Lock()
	s.cache[endpoint] = arr
	s.mu.Unlock()

	return arr, nil
}

// ClearCache forgets every memoised array.
func (s *HTTPSource) ClearCache() {
	s.mu.Lock()
	clear(s.cache)
	s.mu.Unlock()
}

// classifyStatus maps a non-200 response onto ErrNotReady or ErrPermanent.
func classifyStatus(code int, scanID, field string) error {
	switch {
	case code == http.StatusNotFound,
		code == http.StatusConflict,
		code == http.StatusLocked,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s/%s: status %d", ErrNotReady, scanID, field, code)
	default:
		return fmt.Errorf("%w: %s/%s: status %d", ErrPermanent, scanID, field, code)
	}
}

// errRagged reports nested lists whose lengths disagree.
var errRagged = errors.New("ragged array")

// DecodeArray streams a nested JSON list of numbers into a dense Array.
// null entries become NaN.
func DecodeArray(r io.Reader) (*Array, error) {
	iter := jsoniter.Parse(jsoniter.ConfigDefault, r, readBufferSize)

	d := &arrayDecoder{leafDepth: -1}
	if err := d.read(iter, 0); err != nil {
		return nil, err
	}
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return nil, iter.Error
	}

	size := 1
	for _, n := range d.dims {
		size *= n
	}
	if len(d.dims) == 0 {
		return nil, fmt.Errorf("expected a list, got a scalar")
	}
	if size != len(d.data) {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d", errRagged, d.dims, size, len(d.data))
	}
	return &Array{Shape: d.dims, Data: d.data}, nil
}

type arrayDecoder struct {
	dims      []int
	data      []float64
	leafDepth int
}

func (d *arrayDecoder) read(iter *jsoniter.Iterator, depth int) error {
	switch iter.WhatIsNext() {
	case jsoniter.ArrayValue:
		if depth == len(d.dims) {
			d.dims = append(d.dims, -1)
		}
		n := 0
		for iter.ReadArray() {
			if err := d.read(iter, depth+1); err != nil {
				return err
			}
			n++
		}
		if iter.Error != nil {
			return iter.Error
		}
		switch d.dims[depth] {
		case -1:
			d.dims[depth] = n
		case n:
		default:
			return fmt.Errorf("%w: length %d at depth %d, want %d", errRagged, n, depth, d.dims[depth])
		}
		return nil

	case jsoniter.NumberValue, jsoniter.NilValue:
		if d.leafDepth == -1 {
			d.leafDepth = depth
		} else if d.leafDepth != depth {
			return fmt.Errorf("%w: values at depth %d and %d", errRagged, d.leafDepth, depth)
		}
		if iter.ReadNil() {
			d.data = append(d.data, math.NaN())
		} else {
			d.data = append(d.data, iter.ReadFloat64())
		}
		return iter.Error

	default:
		return fmt.Errorf("unexpected JSON value at depth %d", depth)
	}
}
