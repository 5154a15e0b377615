package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordSampleAttacksFastOnRampUp(t *testing.T) {
	a := New(nil)
	for i := 0; i < windowSize; i++ {
		a.RecordSample("src-1", 1000)
		time.Sleep(time.Millisecond)
	}
	assert.InDelta(t, 1000, a.GetCurrent(), 50)
}

func TestRecordSampleReleasesSlowOnRampDown(t *testing.T) {
	a := New(nil)
	for i := 0; i < windowSize; i++ {
		a.RecordSample("src-1", 1000)
	}
	before := a.GetCurrent()

	a.RecordSample("src-1", 0)
	after := a.GetCurrent()

	assert.Less(t, after, before)
	assert.Greater(t, after, before*0.8) // slow release: one sample barely moves it
}

func TestAggregateSumsAcrossSources(t *testing.T) {
	a := New(nil)
	for i := 0; i < windowSize; i++ {
		a.RecordSample("src-1", 500)
		a.RecordSample("src-2", 500)
	}
	assert.InDelta(t, 1000, a.GetCurrent(), 100)
}

func TestPeakTracksHighWaterMark(t *testing.T) {
	a := New(nil)
	for i := 0; i < windowSize; i++ {
		a.RecordSample("src-1", 2000)
	}
	peakAfterRamp := a.GetPeak()
	assert.Greater(t, peakAfterRamp, 0.0)

	a.RecordSample("src-1", 10)
	assert.Equal(t, peakAfterRamp, a.GetPeak()) // a dip never lowers the peak
}

func TestPublishThrottledTo200ms(t *testing.T) {
	a := New(nil)
	var calls int
	a.Subscribe(func(Sample) { calls++ })

	for i := 0; i < 50; i++ {
		a.RecordSample("src-1", 100)
	}

	assert.LessOrEqual(t, calls, 2) // tight loop completes well under 200ms
}

func TestResetPeakClearsInMemoryHighWaterMark(t *testing.T) {
	a := New(nil)
	for i := 0; i < windowSize; i++ {
		a.RecordSample("src-1", 1000)
	}
	require := a.GetPeak()
	assert.Greater(t, require, 0.0)

	a.ResetPeak()
	assert.Equal(t, 0.0, a.GetPeak())
}
