// Package mapstore saves and loads a pose graph as a directory of files: one pose_graph.txt line
// per keyframe, and per keyframe a binary descriptor file, a keypoint text file and, optionally,
// a PNG of the keyframe image.
package mapstore

import (
	"bufio"
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/vision/keypoints"
)

// GraphFile is the name of the pose graph table inside a map directory.
const GraphFile = "pose_graph.txt"

// ErrNoPoseGraph is returned by Load when the directory holds no pose graph. Callers start with
// an empty graph.
var ErrNoPoseGraph = errors.New("no saved pose graph")

// CorruptRecordError reports the first keyframe of a saved pose graph that could not be read.
// Load returns it together with every keyframe before it.
type CorruptRecordError struct {
	// Line is the 1-based line of the keyframe in the pose graph table.
	Line int
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt pose graph record on line %d: %v", e.Line, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// Options configures Save and Load.
type Options struct {
	// Images saves and loads <index>_image.png next to the feature files.
	Images bool
	// Parallelism bounds how many keyframes have their files written or read at once. Zero means
	// one per CPU.
	Parallelism int
}

func (o Options) limit() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return runtime.NumCPU()
}

// DescriptorPath is the descriptor file of a keyframe.
func DescriptorPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%d_briefdes.dat", index))
}

// KeyPointPath is the keypoint file of a keyframe.
func KeyPointPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%d_keypoints.txt", index))
}

// ImagePath is the debug image of a keyframe.
func ImagePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%d_image.png", index))
}

// Save writes kfs into dir, creating it if needed. An existing pose graph in dir is replaced.
func Save(ctx context.Context, dir string, kfs []*keyframe.KeyFrame, opts Options, logger logging.Logger) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	for _, kf := range kfs {
		if len(kf.KeyPoints) != len(kf.Descriptors) {
			return errors.Errorf("keyframe %d has %d keypoints but %d descriptors",
				kf.Index, len(kf.KeyPoints), len(kf.Descriptors))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.limit())
	for _, kf := range kfs {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return saveFeatures(dir, kf, opts)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	err := writeFile(filepath.Join(dir, GraphFile), func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, kf := range kfs {
			if _, err := fmt.Fprintln(bw, recordOf(kf).String()); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
	if err != nil {
		return err
	}
	logger.Infow("pose graph saved", "dir", dir, "keyframes", len(kfs))
	return nil
}

func saveFeatures(dir string, kf *keyframe.KeyFrame, opts Options) error {
	err := multierr.Combine(
		writeFile(DescriptorPath(dir, kf.Index), func(w io.Writer) error {
			return writeDescriptors(w, kf.Descriptors)
		}),
		writeFile(KeyPointPath(dir, kf.Index), func(w io.Writer) error {
			return writeKeyPoints(w, kf.KeyPoints)
		}),
	)
	if opts.Images && kf.Image != nil {
		err = multierr.Combine(err, writeFile(ImagePath(dir, kf.Index), func(w io.Writer) error {
			return png.Encode(w, kf.Image)
		}))
	}
	return errors.Wrapf(err, "saving keyframe %d", kf.Index)
}

// writeFile writes to a temporary file and renames it into place.
func writeFile(path string, write func(w io.Writer) error) (err error) {
	tmp := path + ".tmp"
	//nolint:gosec
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			//nolint:errcheck
			os.Remove(tmp)
		}
	}()
	if err := write(f); err != nil {
		return multierr.Combine(err, f.Close())
	}
	if err := multierr.Combine(f.Sync(), f.Close()); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type loaded struct {
	line      int
	keypoints int
	kf        *keyframe.KeyFrame
	err       error
}

// Load reads the pose graph saved in dir. Keyframes come back in file order with their saved
// indices, poses and loop links, and sequence 0.
//
// A missing pose graph returns ErrNoPoseGraph. When a record or one of its files cannot be read,
// Load stops there and returns the keyframes before it with a *CorruptRecordError.
func Load(ctx context.Context, dir string, opts Options, logger logging.Logger) ([]*keyframe.KeyFrame, error) {
	entries, stopped, err := readGraph(dir)
	if err != nil {
		return nil, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.limit())
	for _, entry := range entries {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			entry.err = loadFeatures(dir, entry, opts)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	kfs := make([]*keyframe.KeyFrame, 0, len(entries))
	for _, entry := range entries {
		if entry.err != nil {
			stopped = &CorruptRecordError{Line: entry.line, Err: entry.err}
			break
		}
		kfs = append(kfs, entry.kf)
	}
	if stopped != nil {
		logger.Warnw("pose graph load stopped early", "dir", dir, "keyframes", len(kfs), "error", stopped)
		return kfs, stopped
	}
	logger.Infow("pose graph loaded from disk", "dir", dir, "keyframes", len(kfs))
	return kfs, nil
}

// readGraph parses the pose graph table up to its end or its first bad line.
func readGraph(dir string) ([]*loaded, *CorruptRecordError, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Join(dir, GraphFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrap(ErrNoPoseGraph, dir)
		}
		return nil, nil, err
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()

	var entries []*loaded
	scanner := bufio.NewScanner(f)
	line, last := 0, -1
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		r, err := parseRecord(text)
		if err == nil && r.index <= last {
			err = errors.Errorf("index %d does not follow %d", r.index, last)
		}
		if err != nil {
			return entries, &CorruptRecordError{Line: line, Err: err}, nil
		}
		last = r.index
		entries = append(entries, &loaded{line: line, keypoints: r.keypoints, kf: r.keyFrame()})
	}
	if err := scanner.Err(); err != nil {
		return entries, &CorruptRecordError{Line: line + 1, Err: err}, nil
	}
	return entries, nil, nil
}

func loadFeatures(dir string, entry *loaded, opts Options) error {
	kf := entry.kf
	err := readFile(DescriptorPath(dir, kf.Index), func(r io.Reader) error {
		descs, err := readDescriptors(bufio.NewReader(r))
		if err != nil {
			return err
		}
		if len(descs) != entry.keypoints {
			return errors.Errorf("expected %d descriptors, got %d", entry.keypoints, len(descs))
		}
		kf.Descriptors = descs
		return nil
	})
	if err != nil {
		return err
	}
	err = readFile(KeyPointPath(dir, kf.Index), func(r io.Reader) error {
		kps, err := readKeyPoints(r, entry.keypoints)
		kf.KeyPoints = kps
		return err
	})
	if err != nil {
		return err
	}
	if !opts.Images {
		return nil
	}
	err = readFile(ImagePath(dir, kf.Index), func(r io.Reader) error {
		img, err := png.Decode(r)
		kf.Image = img
		return err
	})
	if os.IsNotExist(errors.Cause(err)) {
		return nil
	}
	return err
}

// ReadFeatures reads the keypoints and descriptors saved for index in dir.
func ReadFeatures(dir string, index int) (keypoints.KeyPoints, keypoints.Descriptors, error) {
	var descs keypoints.Descriptors
	err := readFile(DescriptorPath(dir, index), func(r io.Reader) error {
		var err error
		descs, err = readDescriptors(bufio.NewReader(r))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	var kps keypoints.KeyPoints
	err = readFile(KeyPointPath(dir, index), func(r io.Reader) error {
		var err error
		kps, err = readKeyPoints(r, len(descs))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return kps, descs, nil
}

func readFile(path string, read func(r io.Reader) error) error {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return multierr.Combine(errors.Wrap(read(f), filepath.Base(path)), f.Close())
}
