package redis

import (
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

func TestJobRankOrder(t *testing.T) {
	at := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	mk := func(priority int, created time.Time) *job.Job {
		return &job.Job{Entity: reckon.Entity{CreatedAt: created}, ID: id.NewJobID(), Priority: priority}
	}

	// Expected lease order.
	jobs := []*job.Job{
		mk(1<<40, at),
		mk(5, at.Add(-time.Hour)),
		mk(5, at),
		mk(0, time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)),
		mk(0, at),
		mk(0, at.Add(time.Microsecond)),
		mk(-1, at),
		mk(-1<<40, at),
	}

	ranks := make([]string, len(jobs))
	for i, j := range jobs {
		ranks[i] = jobRank(j)
	}
	if !sort.StringsAreSorted(ranks) {
		t.Fatalf("ranks out of lease order: %v", ranks)
	}

	offset, _ := strconv.Atoi(rankIDOffset)
	for i, r := range ranks {
		if got := r[offset-1:]; got != jobs[i].ID.String() {
			t.Errorf("rank %d: ID suffix = %q, want %q", i, got, jobs[i].ID)
		}
	}
}

func TestJobRankTieBreaksOnID(t *testing.T) {
	at := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	a := &job.Job{Entity: reckon.Entity{CreatedAt: at}, ID: id.NewJobID(), Priority: 2}
	b := &job.Job{Entity: reckon.Entity{CreatedAt: at}, ID: id.NewJobID(), Priority: 2}
	if (jobRank(a) < jobRank(b)) != (a.ID.String() < b.ID.String()) {
		t.Errorf("equal priority and time must order by ID: %s vs %s", a.ID, b.ID)
	}
}
