package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 300 * time.Millisecond

func TestDebouncer_CoalescesBurstToLatest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	superseded := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_superseded_total"})
	d := New(clock, superseded)

	var mu sync.Mutex
	var ran []int
	const n = 10
	for i := 1; i <= n; i++ {
		d.Schedule("posts", window, func() {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, i)
		})
	}
	assert.Equal(t, 1, d.Pending())

	clock.Advance(window)
	d.Wait("posts")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{n}, ran)
	assert.Equal(t, float64(n-1), testutil.ToFloat64(superseded))
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncer_NothingRunsBeforeWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, nil)

	var calls atomic.Int32
	d.Schedule("posts", window, func() { calls.Add(1) })

	clock.Advance(window - time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	clock.Advance(time.Millisecond)
	d.Wait("posts")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncer_SupersedeRestartsWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, nil)

	var calls atomic.Int32
	d.Schedule("posts", window, func() { calls.Add(1) })
	clock.Advance(200 * time.Millisecond)
	d.Schedule("posts", window, func() { calls.Add(10) })

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	clock.Advance(100 * time.Millisecond)
	d.Wait("posts")
	assert.Equal(t, int32(10), calls.Load())
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, nil)

	var posts, comments atomic.Int32
	d.Schedule("posts", window, func() { posts.Add(1) })
	d.Schedule("comments", window, func() { comments.Add(1) })
	assert.Equal(t, 2, d.Pending())

	clock.Advance(window)
	d.WaitAll()

	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, int32(1), comments.Load())
}

func TestDebouncer_ScopesAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := New(clock, nil)
	second := New(clock, nil)

	var calls atomic.Int32
	first.Schedule("posts", window, func() { calls.Add(1) })
	second.Schedule("posts", window, func() { calls.Add(1) })

	clock.Advance(window)
	first.Wait("posts")
	second.Wait("posts")

	assert.Equal(t, int32(2), calls.Load())
}

func TestDebouncer_WaitWithoutPendingReturns(t *testing.T) {
	d := New(clockwork.NewFakeClock(), nil)

	done := make(chan struct{})
	go func() {
		d.Wait("nothing")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked without a pending action")
	}
}

func TestDebouncer_ScheduleWhileRunningGetsNewSlot(t *testing.T) {
	d := New(clockwork.NewRealClock(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var second atomic.Bool

	d.Schedule("posts", time.Millisecond, func() {
		close(started)
		<-release
	})
	<-started

	d.Schedule("posts", time.Millisecond, func() { second.Store(true) })
	close(release)

	d.Wait("posts")
	assert.True(t, second.Load())
}

func TestDebouncer_ScheduleWhileRunningRunsAfterIt(t *testing.T) {
	d := New(clockwork.NewRealClock(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	d.Schedule("posts", time.Millisecond, func() {
		close(started)
		<-release
		record("first")
	})
	<-started

	secondRan := make(chan struct{})
	d.Schedule("posts", time.Millisecond, func() {
		record("second")
		close(secondRan)
	})

	// the second window has long elapsed, it still waits for the first action
	select {
	case <-secondRan:
		t.Fatal("second action overlapped the running one")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	d.Wait("posts")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncer_PanicDoesNotWedgeKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, nil)

	d.Schedule("posts", window, func() { panic("boom") })
	clock.Advance(window)
	d.Wait("posts")

	require.Equal(t, 0, d.Pending())
}

func TestDebouncer_ConcurrentSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, nil)

	var calls atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Schedule("posts", window, func() { calls.Add(1) })
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.Pending())
	clock.Advance(window)
	d.Wait("posts")
	assert.Equal(t, int32(1), calls.Load())
}
