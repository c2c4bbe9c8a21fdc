package tomo

import (
	"strconv"
)

// Step is one toolchain invocation.
type Step struct {
	Name  string
	Flags []Flag
}

// Flag is a --key value pair.
type Flag struct {
	Key   string
	Value string
}

// Args renders the step as command-line arguments.
func (s Step) Args() []string {
	args := make([]string, 0, 1+2*len(s.Flags))
	args = append(args, s.Name)
	for _, f := range s.Flags {
		args = append(args, "--"+f.Key, f.Value)
	}
	return args
}

// Flag returns the value of key and whether it is set.
func (s Step) Flag(key string) (string, bool) {
	for _, f := range s.Flags {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func str(key, v string) Flag { return Flag{Key: key, Value: v} }

func boolean(key string, v bool) Flag { return Flag{Key: key, Value: strconv.FormatBool(v)} }

func float(key string, v float64) Flag {
	return Flag{Key: key, Value: strconv.FormatFloat(v, 'g', -1, 64)}
}

// Step names understood by the toolchain.
const (
	StepCreateLogFile         = "create-log-file"
	StepProcessProjections    = "process-proj"
	StepMakeSingleHDF         = "make-single-hdf"
	StepNormalizeProjections  = "normalize-projections"
	StepNormalizePixelRange   = "normalize-pixel-range"
	StepAlignProjectionsCOM   = "align-proj-com"
	StepShiftProjections      = "shift-projections"
	StepFindCenter            = "find-center"
	StepMakeVolume            = "make-volume"
	StepMakeVolumeSVMBIR      = "make-volume-svmbir"
	StepExportTIFFProjections = "export-tiff-projs"
	StepExportTIFFVolumes     = "export-tiff-volumes"
)

// CreateLogFile writes the projection log for the files in workDir.
func CreateLogFile(logPath, workDir string) Step {
	return Step{Name: StepCreateLogFile, Flags: []Flag{str("fn-log", logPath), str("wd", workDir)}}
}

// ProcessProjections fits every projection in workDir that has not been
// processed yet.
func ProcessProjections(workDir, paramFile, logPath, icName string) Step {
	return Step{Name: StepProcessProjections, Flags: []Flag{
		str("wd", workDir),
		str("fn-param", paramFile),
		str("fn-log", logPath),
		str("ic-name", icName),
		boolean("save-tiff", false),
		boolean("skip-processed", true),
	}}
}

// MakeSingleHDF collects the processed projections of srcDir into fn.
// Nil trim bounds leave that side untrimmed.
func MakeSingleHDF(fn, logPath, srcDir string, trim [2]*int) Step {
	flags := []Flag{
		str("fn-log", logPath),
		str("wd-src", srcDir),
		boolean("include-raw-data", false),
	}
	if trim[0] != nil {
		flags = append(flags, str("trim-bottom", strconv.Itoa(*trim[0])))
	}
	if trim[1] != nil {
		flags = append(flags, str("trim-top", strconv.Itoa(*trim[1])))
	}
	return Step{Name: StepMakeSingleHDF, Flags: append([]Flag{str("fn", fn)}, flags...)}
}

func NormalizeProjections(fn, dir string) Step {
	return Step{Name: StepNormalizeProjections, Flags: []Flag{str("fn", fn), str("path", dir)}}
}

func NormalizePixelRange(fn, dir string) Step {
	return Step{Name: StepNormalizePixelRange, Flags: []Flag{str("fn", fn), str("path", dir), boolean("read-only", false)}}
}

// AlignProjectionsCOM aligns projections on the centre of mass of element.
func AlignProjectionsCOM(fn, element, dir string) Step {
	return Step{Name: StepAlignProjectionsCOM, Flags: []Flag{str("fn", fn), str("el", element), str("path", dir)}}
}

func ShiftProjections(fn, dir string) Step {
	return Step{Name: StepShiftProjections, Flags: []Flag{str("fn", fn), str("path", dir), boolean("read-only", false)}}
}

func FindCenter(fn, element, dir string) Step {
	return Step{Name: StepFindCenter, Flags: []Flag{str("fn", fn), str("el", element), str("path", dir)}}
}

// MakeVolume reconstructs with a tomopy algorithm. A nil rotation centre
// lets the toolchain use the one found by FindCenter.
func MakeVolume(fn, dir, algorithm string, rotationCenter *float64) Step {
	flags := []Flag{str("fn", fn), str("path", dir), str("algorithm", algorithm)}
	if rotationCenter != nil {
		flags = append(flags, float("rotation-center", *rotationCenter))
	}
	return Step{Name: StepMakeVolume, Flags: flags}
}

func MakeVolumeSVMBIR(fn, dir string, centerOffset float64) Step {
	return Step{Name: StepMakeVolumeSVMBIR, Flags: []Flag{str("fn", fn), str("path", dir), float("center-offset", centerOffset)}}
}

func ExportTIFFProjections(fn, dir string) Step {
	return Step{Name: StepExportTIFFProjections, Flags: []Flag{
		str("fn", fn), str("fn-dir", dir), str("tiff-dir", dir), boolean("raw", false),
	}}
}

func ExportTIFFVolumes(fn, dir string) Step {
	return Step{Name: StepExportTIFFVolumes, Flags: []Flag{str("fn", fn), str("fn-dir", dir), str("tiff-dir", dir)}}
}
