package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := New(Settings{
		WindowSize:        10,
		MinSamples:        4,
		FailureThreshold:  0.5,
		Cooldown:          10 * time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       30 * time.Second,
	}).WithClock(clock.Now)
	return b, clock
}

func trip(b *Breaker, id string) {
	for i := 0; i < 4; i++ {
		b.RecordOutcome(id, Failure)
	}
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordOutcome("p1", Failure)
	}
	assert.True(t, b.IsEligible("p1"))
	assert.Equal(t, model.StateClosed, b.Snapshot("p1").State)
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordOutcome("p1", Success)
	b.RecordOutcome("p1", Success)
	b.RecordOutcome("p1", Failure)
	assert.True(t, b.IsEligible("p1"))
	b.RecordOutcome("p1", Timeout)

	assert.False(t, b.IsEligible("p1"))
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateOpen, snap.State)
	assert.Equal(t, 4, snap.Samples)
	assert.Equal(t, 2, snap.Failures)
	require.NotNil(t, snap.OpenedUntil)
}

func TestRollingWindowForgetsOldFailures(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 7; i++ {
		b.RecordOutcome("p1", Success)
	}
	for i := 0; i < 3; i++ {
		b.RecordOutcome("p1", Failure)
	}
	snap := b.Snapshot("p1")
	require.Equal(t, model.StateClosed, snap.State, "3 of 10 stays under the threshold")
	require.Equal(t, 3, snap.Failures)

	for i := 0; i < 10; i++ {
		b.RecordOutcome("p1", Success)
	}
	snap = b.Snapshot("p1")
	assert.Equal(t, 10, snap.Samples)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, model.StateClosed, snap.State)
}

func TestHalfOpenGrantsExactlyOneTrial(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	require.False(t, b.IsEligible("p1"))

	clock.Advance(10 * time.Second)
	assert.True(t, b.IsEligible("p1"))
	assert.Equal(t, model.StateHalfOpen, b.Snapshot("p1").State)
	assert.False(t, b.IsEligible("p1"))
	assert.False(t, b.IsEligible("p1"))
}

func TestConcurrentCallersShareOneTrial(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	clock.Advance(11 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.IsEligible("p1") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))

	b.RecordOutcome("p1", Success)
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateClosed, snap.State)
	assert.Equal(t, 0, snap.Samples)
	assert.Equal(t, "10s", snap.Cooldown)
	assert.True(t, b.IsEligible("p1"))
}

func TestTrialFailureReopensWithBackoff(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))

	b.RecordOutcome("p1", Timeout)
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateOpen, snap.State)
	assert.Equal(t, "20s", snap.Cooldown)

	clock.Advance(10 * time.Second)
	assert.False(t, b.IsEligible("p1"))
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))

	b.RecordOutcome("p1", Failure)
	assert.Equal(t, "30s", b.Snapshot("p1").Cooldown, "cool-down is capped")
}

func TestLostTrialIsRegranted(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))

	clock.Advance(5 * time.Second)
	assert.False(t, b.IsEligible("p1"))
	clock.Advance(5 * time.Second)
	assert.True(t, b.IsEligible("p1"))
}

func TestPenaltyDoesNotSettleTrial(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))

	b.Penalize("p1")
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateHalfOpen, snap.State)
	assert.True(t, snap.TrialInFlight)

	b.RecordOutcome("p1", Success)
	assert.Equal(t, model.StateClosed, b.Snapshot("p1").State)
}

func TestPenaltyCountsWhileClosed(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordOutcome("p1", Success)
	b.RecordOutcome("p1", Success)
	b.Penalize("p1")
	b.Penalize("p1")
	assert.Equal(t, model.StateOpen, b.Snapshot("p1").State)
}

func TestCallStartedBeforeTrialDoesNotSettleIt(t *testing.T) {
	b, clock := newTestBreaker()
	staleStart := clock.Now()
	trip(b, "p1")
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))
	trialStart := clock.Now()

	clock.Advance(time.Second)
	b.RecordCall("p1", Timeout, staleStart)
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateHalfOpen, snap.State)
	assert.True(t, snap.TrialInFlight)
	assert.Equal(t, "10s", snap.Cooldown)

	b.RecordCall("p1", Success, trialStart)
	assert.Equal(t, model.StateClosed, b.Snapshot("p1").State)
}

func TestLostTrialResultIsDroppedAfterRegrant(t *testing.T) {
	b, clock := newTestBreaker()
	trip(b, "p1")
	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))
	firstTrial := clock.Now()

	clock.Advance(10 * time.Second)
	require.True(t, b.IsEligible("p1"))
	secondTrial := clock.Now()

	b.RecordCall("p1", Failure, firstTrial)
	assert.Equal(t, model.StateHalfOpen, b.Snapshot("p1").State)

	b.RecordCall("p1", Failure, secondTrial)
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateOpen, snap.State)
	assert.Equal(t, "20s", snap.Cooldown)
}

func TestOutcomesWhileOpenAreIgnored(t *testing.T) {
	b, _ := newTestBreaker()
	trip(b, "p1")
	b.RecordOutcome("p1", Success)
	b.RecordOutcome("p1", Success)
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateOpen, snap.State)
	assert.Equal(t, 4, snap.Samples)
}

func TestPartnersAreIndependent(t *testing.T) {
	b, _ := newTestBreaker()
	trip(b, "p1")
	assert.False(t, b.IsEligible("p1"))
	assert.True(t, b.IsEligible("p2"))
}

func TestTransitionsAreReported(t *testing.T) {
	b, clock := newTestBreaker()
	var events []model.BreakerEvent
	b.OnTransition(func(e model.BreakerEvent) { events = append(events, e) })

	trip(b, "p1")
	clock.Advance(10 * time.Second)
	b.IsEligible("p1")
	b.RecordOutcome("p1", Failure)
	clock.Advance(20 * time.Second)
	b.IsEligible("p1")
	b.RecordOutcome("p1", Success)

	require.Len(t, events, 5)
	want := [][2]model.BreakerState{
		{model.StateClosed, model.StateOpen},
		{model.StateOpen, model.StateHalfOpen},
		{model.StateHalfOpen, model.StateOpen},
		{model.StateOpen, model.StateHalfOpen},
		{model.StateHalfOpen, model.StateClosed},
	}
	for i, w := range want {
		assert.Equal(t, w[0], events[i].From, "event %d", i)
		assert.Equal(t, w[1], events[i].To, "event %d", i)
		assert.Equal(t, "p1", events[i].PartnerID)
		assert.Equal(t, uint64(i+1), events[i].Seq, "event %d", i)
	}
	assert.Equal(t, uint64(5), b.Snapshot("p1").Seq)
}

func TestResetClosesBreaker(t *testing.T) {
	b, _ := newTestBreaker()
	trip(b, "p1")
	require.False(t, b.IsEligible("p1"))

	b.Reset("p1")
	assert.True(t, b.IsEligible("p1"))
	snap := b.Snapshot("p1")
	assert.Equal(t, model.StateClosed, snap.State)
	assert.Zero(t, snap.Samples)
}

func TestSnapshotsSortedByPartner(t *testing.T) {
	b, _ := newTestBreaker()
	b.Register("zeta")
	b.Register("alpha")
	b.RecordOutcome("mid", Success)

	snaps := b.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].PartnerID)
	assert.Equal(t, "mid", snaps[1].PartnerID)
	assert.Equal(t, "zeta", snaps[2].PartnerID)
}
