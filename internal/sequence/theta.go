package sequence

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

// thetaPrecision is the resolution used to compare angles (millidegrees).
const thetaPrecision = 1000

// ThetaList builds the rotation angles: num evenly spaced angles over
// [start, stop], then the explicit extras, then the base angles shifted by
// each offset in turn.
func ThetaList(cfg config.ThetaConfig) []float64 {
	base := linspace(cfg.Start, cfg.Stop, cfg.Num)

	out := make([]float64, 0, len(base)*(1+len(cfg.Offsets))+len(cfg.Extra))
	out = append(out, base...)
	out = append(out, cfg.Extra...)
	for _, off := range cfg.Offsets {
		for _, th := range base {
			out = append(out, th+off)
		}
	}
	return out
}

func linspace(start, stop float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, stop)
}

func thetaKey(theta float64) int64 {
	return int64(math.Round(theta * thetaPrecision))
}

// StartAt trims list so it begins at the first angle equal to theta at
// millidegree precision.
func StartAt(list []float64, theta float64) ([]float64, error) {
	key := thetaKey(theta)
	for i, th := range list {
		if thetaKey(th) == key {
			return list[i:], nil
		}
	}
	return nil, fmt.Errorf("%w: %g", ErrThetaNotFound, theta)
}

// Skipped reports whether theta falls in any closed skip range.
func Skipped(theta float64, ranges []config.SkipRange) bool {
	for _, r := range ranges {
		if theta >= r.From && theta <= r.To {
			return true
		}
	}
	return false
}

// Angles applies ThetaList and the optional start angle from cfg.
func Angles(cfg config.ThetaConfig) ([]float64, error) {
	list := ThetaList(cfg)
	if cfg.StartAt == nil {
		return list, nil
	}
	return StartAt(list, *cfg.StartAt)
}
