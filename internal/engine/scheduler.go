package engine

import "container/list"

// DefaultMaxBatch is the cap on sequences admitted into one tick when
// the caller doesn't override it.
const DefaultMaxBatch = 16

// SchedulerOutput is the ordered list of sequences chosen for the
// upcoming tick. The order is stable for the duration of the tick;
// gather and scatter use the same order.
type SchedulerOutput struct {
	Seqs []*Sequence
}

// Scheduler implements a FIFO, no-preemption policy: once admitted, a
// sequence runs every subsequent tick until Done. Prompt and
// decode sequences are mixed freely within one tick — the KV marshaller
// and pipeline absorb that shape heterogeneity via padding and position
// offsets.
type Scheduler struct {
	maxBatch int
	waiting  *list.List
	running  *list.List
}

// NewScheduler creates a Scheduler with the given batch size cap (DefaultMaxBatch
// if maxBatch <= 0).
func NewScheduler(maxBatch int) *Scheduler {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Scheduler{
		maxBatch: maxBatch,
		waiting:  list.New(),
		running:  list.New(),
	}
}

// Add enqueues a newly admitted sequence as Waiting.
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Schedule selects the sequences for the next tick: every RunningDecode
// sequence is always eligible, topped up with Waiting sequences (promoted
// to RunningPrompt) up to maxBatch. Returns an output with an empty Seqs
// slice if nothing is eligible — the Engine Loop, not Schedule, is
// responsible for blocking on the request channel in that case.
func (s *Scheduler) Schedule() *SchedulerOutput {
	seqs := make([]*Sequence, 0, s.maxBatch)

	for e := s.running.Front(); e != nil && len(seqs) < s.maxBatch; e = e.Next() {
		seq := e.Value.(*Sequence)
		seq.State = StateRunningDecode
		seqs = append(seqs, seq)
	}

	for s.waiting.Len() > 0 && len(seqs) < s.maxBatch {
		front := s.waiting.Front()
		seq := front.Value.(*Sequence)
		s.waiting.Remove(front)
		seq.State = StateRunningPrompt
		s.running.PushBack(seq)
		seqs = append(seqs, seq)
	}

	return &SchedulerOutput{Seqs: seqs}
}

// Retire removes a Done sequence from the running queue. Called by the
// Engine Loop once a sequence's termination has been detected.
func (s *Scheduler) Retire(seq *Sequence) {
	for e := s.running.Front(); e != nil; e = e.Next() {
		if e.Value.(*Sequence) == seq {
			s.running.Remove(e)
			return
		}
	}
}

// IsEmpty reports whether the scheduler currently holds no sequences at
// all (neither waiting nor running).
func (s *Scheduler) IsEmpty() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}
