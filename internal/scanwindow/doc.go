// Package scanwindow implements the adaptive scan-window controller.
//
// After each 2D fly scan the controller fetches the fluorescence cube and
// the ion-chamber normalisation map, sums an energy-bin region of interest,
// normalises, and takes the intensity-weighted centroid. The centroid is
// mapped to motor coordinates and, per axis, accepted as the next scan's
// centre unless it is non-finite or displaced by more than half the window
// extent. The window extent never changes.
//
// # Orientation
//
// The reduced map is transposed before the centroid is taken. When the fast
// axis is the x-type motor the centroid is (x, y); for the y-type motor it is
// (y, x). Any other motor leaves the window unchanged.
//
// # Usage
//
//	ctrl := scanwindow.NewController(source, scanwindow.Options{...}, logger)
//	next, corr, err := ctrl.Correct(ctx, record, scanwindow.ROI{Low: 737, High: 757}, 2*time.Minute)
package scanwindow
