package mtjob

import (
	"sync/atomic"
	"testing"
)

func TestBarrierReuse(t *testing.T) {
	const workers = 8
	const rounds = 100

	var phase atomic.Int64
	err := Run(workers, func(j *Job) error {
		for r := 0; r < rounds; r++ {
			// Every worker must observe the same phase value after
			// each rendezvous.
			j.Sync()
			if j.IsControl() {
				phase.Add(1)
			}
			j.Sync()
			if got := phase.Load(); got != int64(r+1) {
				t.Errorf("worker %d round %d: phase %d", j.ID(), r, got)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunIdentities(t *testing.T) {
	const workers = 5
	var control, last atomic.Int64
	seen := make([]atomic.Bool, workers)

	err := Run(workers, func(j *Job) error {
		if j.Count() != workers {
			t.Errorf("Count = %d", j.Count())
		}
		if seen[j.ID()].Swap(true) {
			t.Errorf("duplicate worker id %d", j.ID())
		}
		if j.IsControl() {
			control.Add(1)
		}
		if j.IsLast() {
			last.Add(1)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if control.Load() != 1 || last.Load() != 1 {
		t.Errorf("control = %d, last = %d, want 1 each", control.Load(), last.Load())
	}
	for i := range seen {
		if !seen[i].Load() {
			t.Errorf("worker %d never ran", i)
		}
	}
}

func TestSingleWorker(t *testing.T) {
	ran := false
	err := Run(1, func(j *Job) error {
		j.Sync()
		j.Sync()
		ran = j.IsControl() && j.IsLast()
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("single worker run: err=%v ran=%v", err, ran)
	}
}
