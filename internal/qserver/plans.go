package qserver

// Plan is a queue item: a plan name with positional and keyword arguments.
type Plan struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// CheckShutters builds the shutter plan. enabled false runs the plan
// without touching the shutters; state is "Open" or "Close".
func CheckShutters(planName string, enabled bool, state string) Plan {
	return Plan{Name: planName, Args: []any{enabled, state}}
}

// Move builds a motor move to an absolute position.
func Move(planName, motor string, position float64) Plan {
	return Plan{Name: planName, Args: []any{motor, position}}
}

// FlyScanArgs are the arguments of a 2D fly scan.
type FlyScanArgs struct {
	XStart, XStop float64
	XNum          int
	YStart, YStop float64
	YNum          int
	Dwell         float64
	ExtraDets     []string
	Shutter       bool
}

// FlyScan builds a 2D fly-scan plan.
func FlyScan(planName string, a FlyScanArgs) Plan {
	extra := a.ExtraDets
	if extra == nil {
		extra = []string{}
	}
	return Plan{
		Name: planName,
		Args: []any{a.XStart, a.XStop, a.XNum, a.YStart, a.YStop, a.YNum, a.Dwell},
		Kwargs: map[string]any{
			"extra_dets": extra,
			"shutter":    a.Shutter,
		},
	}
}
