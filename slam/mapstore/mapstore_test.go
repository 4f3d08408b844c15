package mapstore

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/spatialmath"
	"go.viam.com/loopfusion/vision/keypoints"
)

func savedGraph(n int) []*keyframe.KeyFrame {
	kfs := make([]*keyframe.KeyFrame, 0, n)
	for i := 0; i < n; i++ {
		count := 3 + i%4
		kps := make(keypoints.KeyPoints, count)
		descs := make(keypoints.Descriptors, count)
		for j := range kps {
			kps[j] = keypoints.NewKeyPoint(float64(10*j)+0.5, float64(i)+0.25, 0.001*float64(j), -1.0/3)
			descs[j] = keypoints.Descriptor{uint64(i)<<32 | uint64(j), ^uint64(j), 0x8000000000000001, uint64(i * j)}
		}
		vio := spatialmath.NewPose(
			r3.Vector{X: 0.1 * float64(i), Y: 1.0 / 7, Z: -2},
			spatialmath.YPR{Yaw: 0.3 * float64(i), Pitch: 0.01, Roll: -0.02}.Quaternion(),
		)
		kf := keyframe.New(1600000000.123456789+float64(i)/3, 1, vio, kps, descs)
		kf.Index = 3 * i
		kf.World = spatialmath.Compose(spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.YawRotation(0.2)), vio)
		if i > 2 {
			rel := spatialmath.NewPose(r3.Vector{X: 0.01, Y: -0.02}, spatialmath.YawRotation(0.05))
			kf.SetLoop(3*(i-2), keyframe.NewLoopInfo(rel, 2.8647889756541165))
		}
		kfs = append(kfs, kf)
	}
	return kfs
}

func TestSaveLoadRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := filepath.Join(t.TempDir(), "map")
	kfs := savedGraph(8)
	ctx := context.Background()
	test.That(t, Save(ctx, dir, kfs, Options{Parallelism: 2}, logger), test.ShouldBeNil)

	_, err := os.Stat(DescriptorPath(dir, 21))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(KeyPointPath(dir, 21))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(ImagePath(dir, 21))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	loaded, err := Load(ctx, dir, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldHaveLength, len(kfs))
	for i, kf := range loaded {
		want := kfs[i]
		test.That(t, kf.Index, test.ShouldEqual, want.Index)
		test.That(t, kf.Sequence, test.ShouldEqual, 0)
		test.That(t, kf.Timestamp, test.ShouldEqual, want.Timestamp)
		test.That(t, kf.VIO, test.ShouldResemble, want.VIO)
		test.That(t, kf.World, test.ShouldResemble, want.World)
		test.That(t, kf.LoopIndex, test.ShouldEqual, want.LoopIndex)
		test.That(t, kf.Loop, test.ShouldResemble, want.Loop)
		test.That(t, kf.KeyPoints, test.ShouldResemble, want.KeyPoints)
		test.That(t, kf.Descriptors, test.ShouldResemble, want.Descriptors)
	}
}

func TestSaveLoadImages(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	kfs := savedGraph(2)
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	img.SetGray(1, 2, color.Gray{Y: 200})
	kfs[1].Image = img
	ctx := context.Background()
	test.That(t, Save(ctx, dir, kfs, Options{Images: true}, logger), test.ShouldBeNil)

	loaded, err := Load(ctx, dir, Options{Images: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded[0].Image, test.ShouldBeNil)
	test.That(t, loaded[1].Image.Bounds(), test.ShouldResemble, img.Bounds())
	r, _, _, _ := loaded[1].Image.At(1, 2).RGBA()
	test.That(t, r>>8, test.ShouldEqual, uint32(200))

	withoutImages, err := Load(ctx, dir, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, withoutImages[1].Image, test.ShouldBeNil)
}

func TestLoadMissing(t *testing.T) {
	kfs, err := Load(context.Background(), t.TempDir(), Options{}, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrNoPoseGraph), test.ShouldBeTrue)
	test.That(t, kfs, test.ShouldBeNil)
}

func TestLoadStopsAtCorruptRecord(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	ctx := context.Background()
	test.That(t, Save(ctx, dir, savedGraph(6), Options{}, logger), test.ShouldBeNil)

	path := filepath.Join(dir, GraphFile)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	test.That(t, lines, test.ShouldHaveLength, 6)
	test.That(t, strings.Fields(lines[0]), test.ShouldHaveLength, recordFields)

	for _, tc := range []struct {
		name    string
		corrupt func(fields []string) []string
	}{
		{"truncated", func(fields []string) []string { return fields[:20] }},
		{"not a number", func(fields []string) []string { fields[3] = "abc"; return fields }},
		{"index goes back", func(fields []string) []string { fields[0] = "0"; return fields }},
		{"loop in the future", func(fields []string) []string { fields[16] = "99"; return fields }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			broken := append([]string(nil), lines...)
			broken[3] = strings.Join(tc.corrupt(strings.Fields(lines[3])), " ")
			test.That(t, os.WriteFile(path, []byte(strings.Join(broken, "\n")+"\n"), 0o600), test.ShouldBeNil)

			kfs, err := Load(ctx, dir, Options{}, logger)
			var corrupt *CorruptRecordError
			test.That(t, errors.As(err, &corrupt), test.ShouldBeTrue)
			test.That(t, corrupt.Line, test.ShouldEqual, 4)
			test.That(t, kfs, test.ShouldHaveLength, 3)
			test.That(t, kfs[2].Index, test.ShouldEqual, 6)
		})
	}
}

func TestLoadStopsAtMissingFeatures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	ctx := context.Background()
	test.That(t, Save(ctx, dir, savedGraph(6), Options{Parallelism: 3}, logger), test.ShouldBeNil)
	test.That(t, os.Remove(DescriptorPath(dir, 9)), test.ShouldBeNil)
	test.That(t, os.WriteFile(KeyPointPath(dir, 12), []byte("1 2 3\n"), 0o600), test.ShouldBeNil)

	kfs, err := Load(ctx, dir, Options{}, logger)
	var corrupt *CorruptRecordError
	test.That(t, errors.As(err, &corrupt), test.ShouldBeTrue)
	test.That(t, corrupt.Line, test.ShouldEqual, 4)
	test.That(t, kfs, test.ShouldHaveLength, 3)
}

func TestReadFeatures(t *testing.T) {
	dir := t.TempDir()
	kfs := savedGraph(3)
	test.That(t, Save(context.Background(), dir, kfs, Options{}, logging.NewTestLogger(t)), test.ShouldBeNil)

	kps, descs, err := ReadFeatures(dir, 6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kps, test.ShouldResemble, kfs[2].KeyPoints)
	test.That(t, descs, test.ShouldResemble, kfs[2].Descriptors)

	_, _, err = ReadFeatures(dir, 7)
	test.That(t, os.IsNotExist(errors.Cause(err)), test.ShouldBeTrue)
}

func TestSaveRejectsMismatchedFeatures(t *testing.T) {
	kfs := savedGraph(2)
	kfs[1].Descriptors = kfs[1].Descriptors[:1]
	err := Save(context.Background(), t.TempDir(), kfs, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDescriptorFileRejectsShortData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.dat")
	descs := keypoints.Descriptors{{1, 2, 3, 4}, {5, 6, 7, 8}}
	test.That(t, writeFile(path, func(w io.Writer) error { return writeDescriptors(w, descs) }), test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldHaveLength, 8+2*4*8)

	got, err := readDescriptors(strings.NewReader(string(data)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, descs)

	_, err = readDescriptors(strings.NewReader(string(data[:len(data)-3])))
	test.That(t, err, test.ShouldNotBeNil)
}
