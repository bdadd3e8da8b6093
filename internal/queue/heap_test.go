package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/me/vedfolnir/pkg/model"
)

func queuedJob(id string, priority model.Priority, submittedAt time.Time) *model.Job {
	return &model.Job{
		ID:          id,
		Owner:       "owner-" + id,
		Priority:    priority,
		State:       model.JobStateQueued,
		SubmittedAt: submittedAt,
	}
}

// TestPending_ElevatedBeforeNormal verifies that elevated jobs pop ahead
// of normal jobs regardless of submission order.
func TestPending_ElevatedBeforeNormal(t *testing.T) {
	now := time.Now().UTC()
	p := newPending()

	p.push(queuedJob("a", model.PriorityNormal, now))
	p.push(queuedJob("b", model.PriorityNormal, now.Add(time.Second)))
	p.push(queuedJob("c", model.PriorityElevated, now.Add(2*time.Second)))

	want := []string{"c", "a", "b"}
	for i, id := range want {
		job := p.pop()
		if job == nil {
			t.Fatalf("pop %d returned nil, want %q", i, id)
		}
		if job.ID != id {
			t.Errorf("pop %d = %q, want %q", i, job.ID, id)
		}
	}
	if p.len() != 0 {
		t.Errorf("len after draining = %d, want 0", p.len())
	}
	if p.pop() != nil {
		t.Error("pop on empty queue should return nil")
	}
}

// TestPending_FIFOWithinClass verifies submission order within a
// priority class, including the sequence tiebreak when timestamps are
// identical.
func TestPending_FIFOWithinClass(t *testing.T) {
	now := time.Now().UTC()
	p := newPending()

	// Same priority, same timestamp: insertion sequence decides.
	for i := 0; i < 5; i++ {
		p.push(queuedJob(fmt.Sprintf("j%d", i), model.PriorityNormal, now))
	}

	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("j%d", i)
		if got := p.pop().ID; got != want {
			t.Errorf("pop %d = %q, want %q", i, got, want)
		}
	}
}

// TestPending_OlderFirst verifies that within a class an earlier
// submission time wins even when pushed later.
func TestPending_OlderFirst(t *testing.T) {
	now := time.Now().UTC()
	p := newPending()

	p.push(queuedJob("late", model.PriorityNormal, now.Add(time.Minute)))
	p.push(queuedJob("early", model.PriorityNormal, now))

	if got := p.pop().ID; got != "early" {
		t.Errorf("first pop = %q, want %q", got, "early")
	}
	if got := p.pop().ID; got != "late" {
		t.Errorf("second pop = %q, want %q", got, "late")
	}
}

// TestPending_Remove verifies mid-queue removal preserves ordering for
// the rest.
func TestPending_Remove(t *testing.T) {
	now := time.Now().UTC()
	p := newPending()

	for i := 0; i < 4; i++ {
		p.push(queuedJob(fmt.Sprintf("j%d", i), model.PriorityNormal, now.Add(time.Duration(i)*time.Second)))
	}

	if !p.remove("j1") {
		t.Fatal("remove(j1) = false, want true")
	}
	if p.remove("j1") {
		t.Error("second remove(j1) = true, want false")
	}
	if p.remove("nope") {
		t.Error("remove of unknown ID = true, want false")
	}
	if p.len() != 3 {
		t.Fatalf("len = %d, want 3", p.len())
	}

	want := []string{"j0", "j2", "j3"}
	for i, id := range want {
		if got := p.pop().ID; got != id {
			t.Errorf("pop %d = %q, want %q", i, got, id)
		}
	}
}

// TestPending_Head peeks without removing.
func TestPending_Head(t *testing.T) {
	now := time.Now().UTC()
	p := newPending()

	if p.head() != nil {
		t.Error("head of empty queue should be nil")
	}

	p.push(queuedJob("a", model.PriorityNormal, now))
	p.push(queuedJob("b", model.PriorityElevated, now))

	if got := p.head().ID; got != "b" {
		t.Errorf("head = %q, want %q", got, "b")
	}
	if p.len() != 2 {
		t.Errorf("len after head = %d, want 2", p.len())
	}
}
