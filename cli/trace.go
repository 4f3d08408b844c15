package cli

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/posegraph"
	"go.viam.com/loopfusion/spatialmath"
)

const (
	traceFields         = 10
	traceFieldsRelative = 17
)

// traceEntry is one keyframe of an odometry trace. A trace line is
//
//	timestamp sequence tx ty tz qw qx qy qz loop [rx ry rz rqw rqx rqy rqz]
//
// where loop is the pose graph index of an earlier keyframe this one revisits, or -1. Replayed
// keyframes are indexed from zero, or right after the last keyframe of a loaded map. The optional
// trailing pose is the already verified pose of this keyframe in the loop keyframe's frame. Blank
// lines and lines starting with # are skipped.
type traceEntry struct {
	timestamp float64
	sequence  int
	vio       spatialmath.Pose
	loop      int
	relative  *spatialmath.Pose
}

func readTraceFile(path string) ([]traceEntry, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()
	entries, err := readTrace(f)
	return entries, errors.Wrap(err, path)
}

func readTrace(r io.Reader) ([]traceEntry, error) {
	var entries []traceEntry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		entry, err := parseTraceLine(text)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func parseTraceLine(text string) (traceEntry, error) {
	fields := strings.Fields(text)
	if len(fields) != traceFields && len(fields) != traceFieldsRelative {
		return traceEntry{}, errors.Errorf("expected %d or %d fields, got %d",
			traceFields, traceFieldsRelative, len(fields))
	}
	values := make([]float64, len(fields))
	for i, field := range fields {
		if i == 1 || i == 9 {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return traceEntry{}, err
		}
		values[i] = v
	}
	sequence, err := strconv.Atoi(fields[1])
	if err != nil {
		return traceEntry{}, err
	}
	loop, err := strconv.Atoi(fields[9])
	if err != nil {
		return traceEntry{}, err
	}
	if loop < keyframe.NoLoop {
		return traceEntry{}, errors.Errorf("invalid loop index %d", loop)
	}

	vio, err := tracePose(values[2:9])
	if err != nil {
		return traceEntry{}, err
	}
	entry := traceEntry{timestamp: values[0], sequence: sequence, vio: vio, loop: loop}
	if len(fields) == traceFieldsRelative {
		if loop == keyframe.NoLoop {
			return traceEntry{}, errors.New("relative pose given without a loop")
		}
		rel, err := tracePose(values[10:17])
		if err != nil {
			return traceEntry{}, err
		}
		entry.relative = &rel
	}
	return entry, nil
}

// tracePose reads x y z qw qx qy qz.
func tracePose(v []float64) (spatialmath.Pose, error) {
	q := quat.Number{Real: v[3], Imag: v[4], Jmag: v[5], Kmag: v[6]}
	if spatialmath.Norm(q) == 0 {
		return spatialmath.Pose{}, errors.New("zero quaternion")
	}
	return spatialmath.NewPose(r3.Vector{X: v[0], Y: v[1], Z: v[2]}, q), nil
}

// source picks the loop handling of the entry.
func (e traceEntry) source(detect bool) posegraph.LoopSource {
	switch {
	case e.loop != keyframe.NoLoop && e.relative != nil:
		return posegraph.VerifiedLoopSource(e.loop, *e.relative)
	case e.loop != keyframe.NoLoop:
		return posegraph.HintLoopSource(e.loop)
	case detect:
		return posegraph.DetectLoopSource()
	default:
		return posegraph.NoLoopSource()
	}
}
