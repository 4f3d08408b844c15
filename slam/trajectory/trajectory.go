// Package trajectory carries the corrected keyframe trajectory out of the pose graph: snapshots of
// every keyframe pose and graph edge, pushed to publishers after each registration and each
// optimization.
package trajectory

import (
	"context"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/spatialmath"
)

// BaseSession is the session of keyframes loaded from a previously saved pose graph.
const BaseSession = 0

// Event says what produced a snapshot.
type Event int

const (
	// EventRegistered follows the registration of Snapshot.Latest.
	EventRegistered Event = iota
	// EventOptimized follows an optimization cycle; every pose may have changed.
	EventOptimized
	// EventLoaded follows loading keyframes from disk.
	EventLoaded
)

func (e Event) String() string {
	switch e {
	case EventRegistered:
		return "registered"
	case EventOptimized:
		return "optimized"
	case EventLoaded:
		return "loaded"
	}
	return "unknown"
}

// Entry is one keyframe of a trajectory.
type Entry struct {
	Index     int
	Sequence  int
	Timestamp float64
	Pose      spatialmath.Pose
}

// EdgeKind distinguishes odometry edges from loop edges.
type EdgeKind int

const (
	// SequentialEdge links a keyframe to one of its recent predecessors in the same session.
	SequentialEdge EdgeKind = iota
	// LoopEdge links a keyframe to its verified loop target.
	LoopEdge
)

// Edge links two keyframes by index.
type Edge struct {
	From, To int
	Kind     EdgeKind
}

// Snapshot is the whole trajectory at one point in time. Poses are the stored world poses; Shift
// is the display offset consumers add when drawing.
type Snapshot struct {
	Event   Event
	Latest  *Entry
	Entries []Entry
	Edges   []Edge
	Shift   r3.Vector
}

// Lookup finds the entry of a keyframe.
func (s Snapshot) Lookup(index int) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].Index >= index })
	if i < len(s.Entries) && s.Entries[i].Index == index {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// Base returns the entries of the base session.
func (s Snapshot) Base() []Entry {
	return lo.Filter(s.Entries, func(e Entry, _ int) bool { return e.Sequence == BaseSession })
}

// Sessions groups the entries of live sessions by session.
func (s Snapshot) Sessions() map[int][]Entry {
	live := lo.Filter(s.Entries, func(e Entry, _ int) bool { return e.Sequence != BaseSession })
	return lo.GroupBy(live, func(e Entry) int { return e.Sequence })
}

// Displayed returns the position of an entry with the snapshot's display shift applied.
func (s Snapshot) Displayed(e Entry) r3.Vector {
	return e.Pose.Point.Add(s.Shift)
}

// A Publisher receives every snapshot. Publish is called from the pose graph's owner goroutine and
// should return quickly.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, snap Snapshot) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Broadcaster fans a snapshot out to several publishers.
type Broadcaster struct {
	mu         sync.Mutex
	publishers []Publisher
}

// NewBroadcaster returns a broadcaster over the given publishers.
func NewBroadcaster(publishers ...Publisher) *Broadcaster {
	return &Broadcaster{publishers: publishers}
}

// Add registers another publisher.
func (b *Broadcaster) Add(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers = append(b.publishers, p)
}

// Publish hands the snapshot to every publisher and combines their errors.
func (b *Broadcaster) Publish(ctx context.Context, snap Snapshot) error {
	b.mu.Lock()
	publishers := append([]Publisher(nil), b.publishers...)
	b.mu.Unlock()
	var err error
	for _, p := range publishers {
		err = multierr.Combine(err, p.Publish(ctx, snap))
	}
	return err
}

// Latest keeps the most recent snapshot. It is useful for polling consumers and tests.
type Latest struct {
	mu    sync.Mutex
	snap  Snapshot
	count int
}

// Publish stores the snapshot.
func (l *Latest) Publish(ctx context.Context, snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = snap
	l.count++
	return nil
}

// Get returns the last snapshot and how many were published so far.
func (l *Latest) Get() (Snapshot, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap, l.count
}
