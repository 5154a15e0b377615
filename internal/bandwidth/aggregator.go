// Package bandwidth implements the asymmetric-EMA throughput smoothing the
// spec calls for: every upload source (primary-host images, each file-host
// mirror) reports instantaneous byte deltas, and the Aggregator turns them
// into a damped aggregate rate plus an all-time peak, persisted through
// internal/store.
package bandwidth

import (
	"sync"
	"time"

	"imxup/internal/store"
)

const (
	windowSize     = 20
	attackAlpha    = 0.30
	releaseAlpha   = 0.05
	publishCadence = 200 * time.Millisecond
	sanityCeiling  = 10 * 1024 * 1024 * 1024 // 10 GiB/s, in bytes/s
)

type sourceState struct {
	window   [windowSize]float64
	count    int
	next     int
	smoothed float64
}

func (s *sourceState) windowAverage() float64 {
	n := s.count
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.window[i]
	}
	return sum / float64(n)
}

func (s *sourceState) record(instantKibps float64) {
	s.window[s.next] = instantKibps
	s.next = (s.next + 1) % windowSize
	if s.count < windowSize {
		s.count++
	}

	avg := s.windowAverage()
	alpha := releaseAlpha
	if avg > s.smoothed {
		alpha = attackAlpha
	}
	s.smoothed = alpha*avg + (1-alpha)*s.smoothed
}

// Sample is one published aggregate observation.
type Sample struct {
	AggregateKibps float64
	PerSource      map[string]float64
	Peak           float64
}

// Subscriber receives published samples. It must not block.
type Subscriber func(Sample)

// Aggregator collects per-source byte-rate samples and publishes smoothed
// aggregates to subscribers at most every 200ms.
type Aggregator struct {
	mu          sync.Mutex
	sources     map[string]*sourceState
	subscribers []Subscriber
	peak        float64
	lastPublish time.Time

	store *store.Store
}

// New returns an Aggregator that persists peak throughput through st.
// st may be nil in tests that don't care about persistence.
func New(st *store.Store) *Aggregator {
	return &Aggregator{
		sources: make(map[string]*sourceState),
		store:   st,
	}
}

// Subscribe registers a callback invoked on every publish.
func (a *Aggregator) Subscribe(cb Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, cb)
}

// RecordSample feeds one source's instantaneous rate (KiB/s) into its
// rolling window and EMA, then publishes if the cadence has elapsed.
func (a *Aggregator) RecordSample(sourceID string, instantKibps float64) {
	a.mu.Lock()
	src, ok := a.sources[sourceID]
	if !ok {
		src = &sourceState{}
		a.sources[sourceID] = src
	}
	src.record(instantKibps)

	var aggregate float64
	perSource := make(map[string]float64, len(a.sources))
	for id, s := range a.sources {
		aggregate += s.smoothed
		perSource[id] = s.smoothed
	}

	aggregateBytesPerSec := aggregate * 1024
	if aggregate > a.peak && aggregateBytesPerSec < sanityCeiling {
		a.peak = aggregate
		if a.store != nil {
			_ = a.store.RecordPeakThroughput(a.peak, time.Now())
		}
	}

	now := time.Now()
	shouldPublish := now.Sub(a.lastPublish) >= publishCadence
	if shouldPublish {
		a.lastPublish = now
	}
	peak := a.peak
	subs := append([]Subscriber(nil), a.subscribers...)
	a.mu.Unlock()

	if shouldPublish {
		sample := Sample{AggregateKibps: aggregate, PerSource: perSource, Peak: peak}
		for _, cb := range subs {
			cb(sample)
		}
	}
}

// GetCurrent returns the last-computed aggregate without forcing a publish.
func (a *Aggregator) GetCurrent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var aggregate float64
	for _, s := range a.sources {
		aggregate += s.smoothed
	}
	return aggregate
}

// GetPeak returns the all-time peak aggregate rate observed.
func (a *Aggregator) GetPeak() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// ResetPeak clears the in-memory peak. The persisted Store value is left
// untouched — it is the durable all-time record, not a session counter.
func (a *Aggregator) ResetPeak() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peak = 0
}
