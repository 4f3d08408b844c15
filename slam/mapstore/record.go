package mapstore

import (
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/spatialmath"
)

// recordFields is the number of space separated fields of one pose graph line: index, timestamp,
// VIO and world translations, VIO and world quaternions (wxyz), loop index, the eight loop info
// values and the keypoint count.
const recordFields = 26

type record struct {
	index     int
	timestamp float64
	vio       spatialmath.Pose
	world     spatialmath.Pose
	loopIndex int
	loop      keyframe.LoopInfo
	keypoints int
}

func recordOf(kf *keyframe.KeyFrame) record {
	return record{
		index:     kf.Index,
		timestamp: kf.Timestamp,
		vio:       kf.VIO,
		world:     kf.World,
		loopIndex: kf.LoopIndex,
		loop:      kf.Loop,
		keypoints: len(kf.KeyPoints),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// String formats the record as one pose graph line without the line ending. Floats are written
// with the shortest representation that parses back to the same value.
func (r record) String() string {
	fields := make([]string, 0, recordFields)
	fields = append(fields, strconv.Itoa(r.index), formatFloat(r.timestamp))
	for _, v := range []r3.Vector{r.vio.Point, r.world.Point} {
		fields = append(fields, formatFloat(v.X), formatFloat(v.Y), formatFloat(v.Z))
	}
	for _, q := range []quat.Number{r.vio.Orientation, r.world.Orientation} {
		fields = append(fields, formatFloat(q.Real), formatFloat(q.Imag), formatFloat(q.Jmag), formatFloat(q.Kmag))
	}
	fields = append(fields, strconv.Itoa(r.loopIndex))
	for _, v := range r.loop {
		fields = append(fields, formatFloat(v))
	}
	fields = append(fields, strconv.Itoa(r.keypoints))
	return strings.Join(fields, " ")
}

func parseRecord(line string) (record, error) {
	fields := strings.Fields(line)
	if len(fields) != recordFields {
		return record{}, errors.Errorf("expected %d fields, got %d", recordFields, len(fields))
	}
	values := make([]float64, recordFields)
	for i, f := range fields {
		var err error
		switch i {
		case 0, 16, 25:
			var n int
			n, err = strconv.Atoi(f)
			values[i] = float64(n)
		default:
			values[i], err = strconv.ParseFloat(f, 64)
		}
		if err != nil {
			return record{}, errors.Wrapf(err, "field %d", i+1)
		}
	}

	r := record{
		index:     int(values[0]),
		timestamp: values[1],
		// Quaternions are kept as written so a save and load round trip is exact.
		vio: spatialmath.Pose{
			Point:       r3.Vector{X: values[2], Y: values[3], Z: values[4]},
			Orientation: quat.Number{Real: values[8], Imag: values[9], Jmag: values[10], Kmag: values[11]},
		},
		world: spatialmath.Pose{
			Point:       r3.Vector{X: values[5], Y: values[6], Z: values[7]},
			Orientation: quat.Number{Real: values[12], Imag: values[13], Jmag: values[14], Kmag: values[15]},
		},
		loopIndex: int(values[16]),
		keypoints: int(values[25]),
	}
	copy(r.loop[:], values[17:25])

	switch {
	case r.index < 0:
		return record{}, errors.Errorf("negative index %d", r.index)
	case r.keypoints < 0:
		return record{}, errors.Errorf("negative keypoint count %d", r.keypoints)
	case r.loopIndex < keyframe.NoLoop || r.loopIndex >= r.index:
		return record{}, errors.Errorf("keyframe %d has invalid loop index %d", r.index, r.loopIndex)
	case spatialmath.Norm(r.vio.Orientation) == 0 || spatialmath.Norm(r.world.Orientation) == 0:
		return record{}, errors.Errorf("keyframe %d has a zero quaternion", r.index)
	}
	return r, nil
}

func (r record) keyFrame() *keyframe.KeyFrame {
	kf := keyframe.New(r.timestamp, 0, r.vio, nil, nil)
	kf.Index = r.index
	kf.World = r.world
	kf.SetLoop(r.loopIndex, r.loop)
	return kf
}
