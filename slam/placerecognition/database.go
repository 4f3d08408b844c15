package placerecognition

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"go.viam.com/loopfusion/vision/keypoints"
)

// Result is one database match.
type Result struct {
	ID    int
	Score float64
}

// Results are ordered by decreasing score.
type Results []Result

func (rs Results) String() string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("<%d: %.6f>", r.ID, r.Score))
	}
	return strings.Join(parts, " ")
}

// Database is an inverted file from visual words to the entries containing them. Entries are
// keyed by caller-supplied ids which must increase with every Add.
type Database struct {
	voc      *Vocabulary
	inverted map[WordID]*roaring.Bitmap
	entries  map[uint32]BowVector
	lastID   int
}

// NewDatabase returns an empty database over voc.
func NewDatabase(voc *Vocabulary) *Database {
	return &Database{
		voc:      voc,
		inverted: map[WordID]*roaring.Bitmap{},
		entries:  map[uint32]BowVector{},
		lastID:   -1,
	}
}

// Vocabulary returns the vocabulary the database quantizes with.
func (db *Database) Vocabulary() *Vocabulary { return db.voc }

// Size is the number of entries.
func (db *Database) Size() int { return len(db.entries) }

// Add inserts the descriptors of an image under id.
func (db *Database) Add(id int, descs keypoints.Descriptors) error {
	bow, err := db.voc.Transform(descs)
	if err != nil {
		return err
	}
	return db.AddVector(id, bow)
}

// AddVector inserts an already transformed image under id.
func (db *Database) AddVector(id int, bow BowVector) error {
	if id <= db.lastID {
		return errors.Errorf("database ids must increase: got %d after %d", id, db.lastID)
	}
	if id > math.MaxUint32 {
		return errors.Errorf("database id %d out of range", id)
	}
	entry := uint32(id)
	db.entries[entry] = bow
	for w := range bow {
		row, ok := db.inverted[w]
		if !ok {
			row = roaring.New()
			db.inverted[w] = row
		}
		row.Add(entry)
	}
	db.lastID = id
	return nil
}

// Query scores every entry with id at most maxID that shares a word with descs and returns the
// best maxResults of them. A negative maxID matches nothing.
func (db *Database) Query(descs keypoints.Descriptors, maxResults, maxID int) (Results, error) {
	bow, err := db.voc.Transform(descs)
	if err != nil {
		return nil, err
	}
	return db.QueryVector(bow, maxResults, maxID), nil
}

// QueryVector is Query for an already transformed image.
func (db *Database) QueryVector(bow BowVector, maxResults, maxID int) Results {
	if maxID < 0 || maxResults <= 0 {
		return nil
	}
	rows := make([]*roaring.Bitmap, 0, len(bow))
	for w := range bow {
		if row, ok := db.inverted[w]; ok {
			rows = append(rows, row)
		}
	}
	candidates := roaring.FastOr(rows...)
	if uint64(maxID) < math.MaxUint32 {
		candidates.RemoveRange(uint64(maxID)+1, math.MaxUint32+1)
	}

	results := make(Results, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		id := it.Next()
		score := ScoreL1(bow, db.entries[id])
		if score > 0 {
			results = append(results, Result{ID: int(id), Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}
