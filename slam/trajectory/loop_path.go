package trajectory

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// LoopPathWriter keeps a result file of the corrected trajectory. Each registration appends the
// new keyframe as "timestamp,x,y,z,qw,qx,qy,qz,"; each optimization or load rewrites the whole
// file in TUM order "timestamp x y z qx qy qz qw".
type LoopPathWriter struct {
	mu   sync.Mutex
	path string
}

// NewLoopPathWriter truncates the file at path and returns a writer for it.
func NewLoopPathWriter(path string) (*LoopPathWriter, error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating loop path file")
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &LoopPathWriter{path: path}, nil
}

// Path is the result file.
func (w *LoopPathWriter) Path() string { return w.path }

// Publish implements Publisher.
func (w *LoopPathWriter) Publish(ctx context.Context, snap Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if snap.Event == EventRegistered {
		if snap.Latest == nil {
			return nil
		}
		return w.append(*snap.Latest)
	}
	return w.rewrite(snap.Entries)
}

func (w *LoopPathWriter) append(e Entry) (err error) {
	//nolint:gosec
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening loop path file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	_, err = f.WriteString(csvLine(e))
	return err
}

func (w *LoopPathWriter) rewrite(entries []Entry) (err error) {
	//nolint:gosec
	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrap(err, "rewriting loop path file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	buf := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := buf.WriteString(tumLine(e)); err != nil {
			return err
		}
	}
	return buf.Flush()
}

func fixed(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

func csvLine(e Entry) string {
	p, q := e.Pose.Point, e.Pose.Orientation
	fields := []string{
		fixed(e.Timestamp, 0),
		fixed(p.X, 5), fixed(p.Y, 5), fixed(p.Z, 5),
		fixed(q.Real, 5), fixed(q.Imag, 5), fixed(q.Jmag, 5), fixed(q.Kmag, 5),
	}
	return strings.Join(fields, ",") + ",\n"
}

func tumLine(e Entry) string {
	p, q := e.Pose.Point, e.Pose.Orientation
	fields := []string{
		fixed(e.Timestamp, 17),
		fixed(p.X, 5), fixed(p.Y, 5), fixed(p.Z, 5),
		fixed(q.Imag, 5), fixed(q.Jmag, 5), fixed(q.Kmag, 5), fixed(q.Real, 5),
	}
	return strings.Join(fields, " ") + "\n"
}
