package sequence

import (
	"errors"
	"math"
	"testing"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

func defaultTheta() config.ThetaConfig {
	return config.ThetaConfig{
		Start:   0,
		Stop:    170,
		Num:     18,
		Extra:   []float64{180},
		Offsets: []float64{185, 362.5, 547.5},
	}
}

func TestThetaList(t *testing.T) {
	list := ThetaList(defaultTheta())

	if len(list) != 18+1+3*18 {
		t.Fatalf("len = %d, want 73", len(list))
	}

	checks := map[int]float64{
		0:  0,
		1:  10,
		17: 170,
		18: 180,
		19: 185,
		20: 195,
		36: 355,
		37: 362.5,
		55: 547.5,
		72: 717.5,
	}
	for i, want := range checks {
		if math.Abs(list[i]-want) > 1e-9 {
			t.Errorf("list[%d] = %v, want %v", i, list[i], want)
		}
	}
}

func TestThetaList_SinglePoint(t *testing.T) {
	list := ThetaList(config.ThetaConfig{Start: 45, Stop: 90, Num: 1})
	if len(list) != 1 || list[0] != 45 {
		t.Errorf("ThetaList() = %v, want [45]", list)
	}
}

func TestStartAt(t *testing.T) {
	list := ThetaList(defaultTheta())

	got, err := StartAt(list, 195)
	if err != nil {
		t.Fatalf("StartAt(195) error = %v", err)
	}
	if len(got) != 73-20 || math.Abs(got[0]-195) > 1e-9 {
		t.Errorf("StartAt(195) = %d angles from %v", len(got), got[0])
	}

	// Millidegree precision: 195.0004 rounds to the same key.
	if _, err := StartAt(list, 195.0004); err != nil {
		t.Errorf("StartAt(195.0004) error = %v", err)
	}

	if _, err := StartAt(list, 196); !errors.Is(err, ErrThetaNotFound) {
		t.Errorf("StartAt(196) error = %v, want ErrThetaNotFound", err)
	}
}

func TestAngles_StartAt(t *testing.T) {
	cfg := defaultTheta()
	start := 362.5
	cfg.StartAt = &start

	got, err := Angles(cfg)
	if err != nil {
		t.Fatalf("Angles() error = %v", err)
	}
	if got[0] != 362.5 || len(got) != 36 {
		t.Errorf("Angles() starts at %v with %d angles", got[0], len(got))
	}
}

func TestSkipped(t *testing.T) {
	ranges := []config.SkipRange{{From: -47.9, To: -35.1}, {From: 100, To: 100}}

	tests := []struct {
		theta float64
		want  bool
	}{
		{-47.9, true},
		{-40, true},
		{-35.1, true},
		{-35, false},
		{100, true},
		{0, false},
	}
	for _, tt := range tests {
		if got := Skipped(tt.theta, ranges); got != tt.want {
			t.Errorf("Skipped(%v) = %v, want %v", tt.theta, got, tt.want)
		}
	}
}
