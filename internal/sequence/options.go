package sequence

import (
	"time"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

// Options fix the angles, scan geometry and plan names of a sequence.
type Options struct {
	Angles []float64
	Skip   []config.SkipRange

	// Window is the first window; later windows come from the controller.
	Window scanwindow.Window
	NX, NY int
	Dwell  float64
	ROI    scanwindow.ROI

	RotationMotor string
	RotationScale float64
	ScanPlan      string
	ShutterPlan   string
	MovePlan      string
	Shutters      bool
	ExtraDets     []string

	// DefaultFastAxis is used when the run's start document cannot be read.
	// It is the x motor: the fly-scan plan always sweeps x along each line.
	DefaultFastAxis string

	FetchTimeout   time.Duration
	CleanupTimeout time.Duration

	// PreviewDir receives a PNG per projection when non-empty.
	PreviewDir string
}

// OptionsFromConfig resolves the theta list and maps cfg onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	angles, err := Angles(cfg.Scan.Theta)
	if err != nil {
		return Options{}, err
	}

	w := cfg.Scan.Window
	return Options{
		Angles:          angles,
		Skip:            cfg.Scan.Theta.Skip,
		Window:          scanwindow.Window{XStart: w.XStart, XStop: w.XStop, YStart: w.YStart, YStop: w.YStop},
		NX:              w.XNum,
		NY:              w.YNum,
		Dwell:           w.Dwell,
		ROI:             scanwindow.ROI{Low: cfg.Scan.ROI[0], High: cfg.Scan.ROI[1]},
		RotationMotor:   cfg.Scan.RotationMotor,
		RotationScale:   cfg.Scan.RotationScale,
		ScanPlan:        cfg.Scan.ScanPlan,
		ShutterPlan:     cfg.Scan.ShutterPlan,
		MovePlan:        cfg.Scan.MovePlan,
		Shutters:        cfg.Scan.Shutters,
		ExtraDets:       cfg.Scan.ExtraDets,
		DefaultFastAxis: cfg.Scan.FastAxis.XMotor,
		FetchTimeout:    cfg.DataBroker.FetchTimeout,
		CleanupTimeout:  cfg.QueueServer.CleanupTimeout,
		PreviewDir:      cfg.Scan.PreviewDir,
	}, nil
}
