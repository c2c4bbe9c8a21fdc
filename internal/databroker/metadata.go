package databroker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
)

// ScanMetadata is the part of a run's start document the controller needs.
type ScanMetadata struct {
	// ScanInput is [x0, x1, nx, y0, y1, ny, dwell] as submitted to the plan.
	ScanInput []float64

	// FastAxis is the motor swept along each scan line.
	FastAxis string
}

// startDocument mirrors the metadata response down to the scan section.
type startDocument struct {
	Data struct {
		Attributes struct {
			Metadata struct {
				Start struct {
					Scan struct {
						ScanInput []float64 `json:"scan_input"`
						FastAxis  struct {
							MotorName string `json:"motor_name"`
						} `json:"fast_axis"`
					} `json:"scan"`
				} `json:"start"`
			} `json:"metadata"`
		} `json:"attributes"`
	} `json:"data"`
}

// ScanMetadata reads the start document of a run:
//
//	GET {url}/api/v1/metadata/{catalog}/{scan}
//
// Errors are classified like Fetch.
func (s *HTTPSource) ScanMetadata(ctx context.Context, scanID string) (*ScanMetadata, error) {
	endpoint := fmt.Sprintf("%s/api/v1/metadata/%s/%s", s.baseURL, s.catalog, url.PathEscape(scanID))

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
		return nil, fmt.Errorf("%w: %s/metadata: %w", ErrNotReady, scanID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain for connection reuse
		return nil, classifyStatus(resp.StatusCode, scanID, "metadata")
	}

	var doc startDocument
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding %s/metadata: %w", ErrPermanent, scanID, err)
	}

	scan := doc.Data.Attributes.Metadata.Start.Scan
	return &ScanMetadata{
		ScanInput: scan.ScanInput,
		FastAxis:  scan.FastAxis.MotorName,
	}, nil
}
