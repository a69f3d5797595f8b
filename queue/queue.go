package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// Stats is the summary persisted to queue_stats.msgp.
type Stats struct {
	NumInputs int   `msgpack:"num_inputs"`
	FavQueue  []int `msgpack:"favqueue"`
}

// Queue is the corpus shared by all workers of one run. Reads take the
// read lock; adding inputs and recomputing favorites take the write lock.
type Queue struct {
	workdir    string
	start      time.Time
	totalExecs atomic.Uint64
	log        *logrus.Entry

	mu           sync.RWMutex
	minExample   map[int]InputID
	favqueue     []InputID
	inputs       []*Input
	nodeLens     []int
	itersNoFinds []int
	selected     []int
	bitmapBits   []int
	bitmaps      *BitmapHandler
	nextID       int

	statsMu sync.Mutex
}

// New creates an empty queue. Stats are written below workdir unless it
// is empty.
func New(workdir string, bitmapSize int, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{
		workdir:    workdir,
		start:      time.Now(),
		log:        log.WithField("component", "queue"),
		minExample: make(map[int]InputID),
		bitmaps:    NewBitmapHandler(bitmapSize),
	}
}

// SampleForSplicing returns the graph of a uniformly chosen input, or nil
// for an empty queue.
func (q *Queue) SampleForSplicing(dist *random.Distributions) *graph.VecGraph {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.inputs) == 0 {
		return nil
	}
	return q.inputs[dist.Choose(len(q.inputs))].Data
}

func (q *Queue) AddExecs(n uint64) { q.totalExecs.Add(n) }

func (q *Queue) TotalExecs() uint64 { return q.totalExecs.Load() }

// Runtime is the time since the queue was created.
func (q *Queue) Runtime() time.Duration { return time.Since(q.start) }

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.inputs)
}

func (q *Queue) NumFavorites() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.favqueue)
}

// Favorites returns a copy of the favorite set.
func (q *Queue) Favorites() []InputID {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]InputID(nil), q.favqueue...)
}

// NormalHitCount is the number of slots the normal bitmap has seen.
func (q *Queue) NormalHitCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.bitmaps.Normal().HitCount()
}

// CheckNewBytes merges run into the bitmap of exit's kind and returns the
// reasons to keep the input. Seed imports that did not time out are always
// kept.
func (q *Queue) CheckNewBytes(run []byte, exit feedback.ExitReason, strat mutator.StrategyKind) []StorageReason {
	q.mu.Lock()
	res := q.bitmaps.CheckNewBytes(run, exit)
	q.mu.Unlock()
	if strat == mutator.SeedImport && exit.Kind != feedback.Timeout {
		res = append(res, Imported())
	}
	return res
}

// registerBestInput makes id the minimum example for bitmap slot index when
// it is the first to hit it or has strictly fewer nodes. q.mu must be held.
func (q *Queue) registerBestInput(index int, id InputID, newLen int) {
	old, ok := q.minExample[index]
	if !ok {
		q.bitmapBits = append(q.bitmapBits, index)
		q.minExample[index] = id
		return
	}
	if q.nodeLens[old] > newLen {
		q.minExample[index] = id
	}
}

// MinExample returns the smallest input known to hit bitmap slot index.
func (q *Queue) MinExample(index int) (InputID, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	id, ok := q.minExample[index]
	return id, ok
}

// Add appends in and returns its id. Graphs without nodes and exit kinds
// other than normal, crash and timeout are not kept.
func (q *Queue) Add(in *Input, sp *spec.GraphSpec) (InputID, bool) {
	if in.ID != InvalidInputID {
		panic(fmt.Sprintf("queue: input %d added twice", in.ID))
	}
	newLen := graph.NodeLen(in.Data, sp)
	if newLen == 0 {
		return InvalidInputID, false
	}
	switch in.Exit.Kind {
	case feedback.Normal, feedback.Crash, feedback.Timeout:
	default:
		return InvalidInputID, false
	}

	q.mu.Lock()
	id := InputID(len(q.inputs))
	in.ID = id
	q.inputs = append(q.inputs, in)
	q.nodeLens = append(q.nodeLens, newLen)
	q.itersNoFinds = append(q.itersNoFinds, 0)
	q.selected = append(q.selected, 0)
	for _, r := range in.StorageReasons {
		if r.Kind == ReasonBitmap {
			q.registerBestInput(r.Index, id, newLen)
		}
	}
	q.calcFavBitsLocked()
	q.mu.Unlock()

	if err := q.WriteStats(); err != nil {
		q.log.WithError(err).Warn("could not write queue stats")
	}
	return id, true
}

// CalcFavBits recomputes the favorite set: walking from the newest input
// to the oldest, an input with new bytes is a favorite when it hits a slot
// no later favorite hits. Seed imports are always favorites.
func (q *Queue) CalcFavBits() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calcFavBitsLocked()
}

func (q *Queue) calcFavBitsLocked() {
	seen := bitset.New(uint(q.bitmaps.Size()))
	var favs []InputID
	for i := len(q.inputs) - 1; i >= 0; i-- {
		in := q.inputs[i]
		if in.NewBytes() > 0 {
			if in.Bitmap == nil {
				continue
			}
			bits := in.Bitmap.Bits()
			hasNew := false
			for j, v := range bits {
				if v > 0 && !seen.Test(uint(j)) {
					hasNew = true
					break
				}
			}
			if hasNew {
				for j, v := range bits {
					if v != 0 {
						seen.Set(uint(j))
					}
				}
				favs = append(favs, in.ID)
			}
		} else if in.FoundBy == mutator.SeedImport {
			favs = append(favs, in.ID)
		}
	}
	q.favqueue = favs
}

// Schedule returns a copy of input id.
func (q *Queue) Schedule(id InputID) *Input {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.inputs[id].Clone()
}

// ScheduleNext picks the next input to mutate: a favorite when there are
// any, otherwise any input.
func (q *Queue) ScheduleNext(dist *random.Distributions) (*Input, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inputs) == 0 {
		return nil, false
	}
	var id InputID
	if len(q.favqueue) > 0 {
		id = q.favqueue[dist.Choose(len(q.favqueue))]
	} else {
		id = InputID(dist.Choose(len(q.inputs)))
	}
	q.selected[id]++
	return q.inputs[id].Clone(), true
}

// Update applies fn to input id under the write lock.
func (q *Queue) Update(id InputID, sp *spec.GraphSpec, fn func(*Input)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(q.inputs[id])
	q.nodeLens[id] = graph.NodeLen(q.inputs[id].Data, sp)
}

// NoteIteration records whether a havoc round on id found anything.
func (q *Queue) NoteIteration(id InputID, found bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if found {
		q.itersNoFinds[id] = 0
	} else {
		q.itersNoFinds[id]++
	}
}

// NextID hands out the numbers used to name corpus files.
func (q *Queue) NextID() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	return q.nextID
}

// WriteStats rewrites queue_stats.msgp and appends a line of
// "elapsed_seconds,normal_bitmap_hit_count" to bitmap_stats.txt.
func (q *Queue) WriteStats() error {
	if q.workdir == "" {
		return nil
	}
	q.mu.RLock()
	stats := Stats{NumInputs: len(q.inputs)}
	for _, id := range q.favqueue {
		stats.FavQueue = append(stats.FavQueue, int(id))
	}
	hits := q.bitmaps.Normal().HitCount()
	q.mu.RUnlock()

	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	raw, err := msgpack.Marshal(&stats)
	if err != nil {
		return errors.Wrap(err, "encode queue stats")
	}
	if err := os.WriteFile(filepath.Join(q.workdir, "queue_stats.msgp"), raw, 0o644); err != nil {
		return errors.Wrap(err, "write queue stats")
	}
	f, err := os.OpenFile(filepath.Join(q.workdir, "bitmap_stats.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open bitmap stats")
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%f,%d\n", q.Runtime().Seconds(), hits)
	return errors.Wrap(err, "append bitmap stats")
}

// ReadStats loads a queue_stats.msgp file.
func ReadStats(path string) (*Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read queue stats")
	}
	var s Stats
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "decode queue stats")
	}
	return &s, nil
}
