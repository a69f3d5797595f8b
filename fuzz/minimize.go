package fuzz

import (
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/queue"
)

// MinimizeAttempts is the number of block drops tried per new input.
const MinimizeAttempts = 32

func (w *Worker) minimizePending() error {
	for len(w.pending) > 0 {
		id := w.pending[0]
		w.pending = w.pending[1:]
		if err := w.Minimize(id); err != nil {
			return err
		}
	}
	return nil
}

// Minimize drops random node blocks from input id for as long as the
// smaller graph still exits the same way and hits every slot the input
// was kept for. The queue entry is replaced by the smallest graph found
// and moves on to havoc.
func (w *Worker) Minimize(id queue.InputID) error {
	in := w.queue.Schedule(id)
	var want []int
	for _, r := range in.StorageReasons {
		if r.Kind == queue.ReasonBitmap {
			want = append(want, r.Index)
		}
	}

	best, bestOps := in.Data, in.OpsUsed
	bestLen := graph.NodeLen(best, w.spec)
	for i := 0; i < MinimizeAttempts && bestLen > 1; i++ {
		storage, err := w.storage()
		if err != nil {
			return err
		}
		w.reseed()
		w.mutator.MinimizeSplit(best, i, MinimizeAttempts, storage, w.dist)
		cand := w.mutator.DumpGraph(storage)
		candLen := graph.NodeLen(cand, w.spec)
		if candLen == 0 || candLen >= bestLen {
			continue
		}
		info, err := w.exec.RunTest()
		if err != nil {
			w.log.WithError(err).Warn("minimization run failed")
			continue
		}
		w.queue.AddExecs(1)
		w.opts.Metrics.Observe(info)
		w.stats.Observe(info, false)
		if !info.Exit.Equal(in.Exit) || !hitsAll(w.exec.BitmapBuffer(), want) {
			continue
		}
		best, bestLen, bestOps = cand, candLen, int(info.OpsUsed)
	}

	shrunk := bestLen < graph.NodeLen(in.Data, w.spec)
	if shrunk {
		w.log.Debugf("minimized input %d to %d nodes", id, bestLen)
	}
	w.queue.Update(id, w.spec, func(q *queue.Input) {
		if shrunk {
			q.Data = best
			q.OpsUsed = min(bestOps, bestLen)
		}
		q.State = queue.StateHavoc
	})
	return nil
}

func hitsAll(bitmap []byte, idx []int) bool {
	for _, i := range idx {
		if i >= len(bitmap) || bitmap[i] == 0 {
			return false
		}
	}
	return true
}
