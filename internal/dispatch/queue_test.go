package dispatch_test

import (
	"sync"
	"testing"
	"time"

	"headless/internal/dispatch"
	"headless/internal/logging"
)

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := dispatch.New(logging.NewNop())
	q.Start()
	t.Cleanup(q.Stop)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		q.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	if !q.Call(func() {}) {
		t.Fatal("Call reported stopped queue")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("expected 100 items, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d ran out of order (value %d)", i, v)
		}
	}
}

func TestQueueNeverRunsConcurrently(t *testing.T) {
	q := dispatch.New(nil)
	q.Start()
	t.Cleanup(q.Stop)

	var active, maxActive int
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Post(func() {
					active++
					if active > maxActive {
						maxActive = active
					}
					time.Sleep(10 * time.Microsecond)
					active--
				})
			}
		}()
	}
	wg.Wait()
	q.Call(func() {})

	var observed int
	q.Call(func() { observed = maxActive })
	if observed != 1 {
		t.Fatalf("expected serial execution, max concurrency %d", observed)
	}
}

func TestQueueSurvivesPanics(t *testing.T) {
	q := dispatch.New(nil)
	q.Start()
	t.Cleanup(q.Stop)

	q.Post(func() { panic("boom") })
	ran := false
	q.Call(func() { ran = true })
	if !ran {
		t.Fatal("expected queue to keep running after a panic")
	}
}

func TestStoppedQueueRejectsWork(t *testing.T) {
	q := dispatch.New(nil)
	q.Start()
	q.Stop()

	if q.Post(func() {}) {
		t.Fatal("expected Post to fail after Stop")
	}
	if q.Call(func() {}) {
		t.Fatal("expected Call to fail after Stop")
	}
	q.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	q := dispatch.New(nil)
	q.Post(func() {})
	if q.Len() != 1 {
		t.Fatalf("expected one queued item, got %d", q.Len())
	}
	q.Stop()
	q.Start()
}
