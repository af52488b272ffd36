package redis

import (
	"fmt"

	"github.com/xraph/reckon/job"
)

// All keys are prefixed with "reckon:" to avoid collisions.
const keyPrefix = "reckon:"

// ── Job keys ──

// jobKey returns the Hash key of a job: reckon:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobLogKey returns the List key of a job's log: reckon:job:{id}:logs
func jobLogKey(id string) string { return keyPrefix + "job:" + id + ":logs" }

// delayedKey scores the ranks of QUEUED jobs by RunAt.
const delayedKey = keyPrefix + "jobs:delayed"

// readyKey holds the ranks of QUEUED jobs whose RunAt has passed, all at
// score 0 so the set orders by rank.
const readyKey = keyPrefix + "jobs:ready"

// leasedKey scores RUNNING and CANCELLING job IDs by lease expiry.
const leasedKey = keyPrefix + "jobs:leased"

// orgJobsKey scores an organization's job IDs by creation time.
func orgJobsKey(orgID string) string { return keyPrefix + "org:" + orgID + ":jobs" }

// rankIDOffset is the 1-based Lua string index where the job ID starts in
// a rank.
const rankIDOffset = "33"

// jobRank orders jobs byte-wise by priority descending, then creation time,
// then ID. Both numbers are sign-flipped to sort as unsigned fixed-width hex.
func jobRank(j *job.Job) string {
	pri := ^(uint64(int64(j.Priority)) ^ 1<<63)
	created := uint64(micros(j.CreatedAt)) ^ 1<<63
	return fmt.Sprintf("%016x%016x%s", pri, created, j.ID.String())
}

// ── Reconciliation keys ──

// recKey returns the Hash key of a reconciliation: reckon:rec:{id}
func recKey(id string) string { return keyPrefix + "rec:" + id }

// orgRecsKey scores an organization's reconciliation IDs by creation time.
func orgRecsKey(orgID string) string { return keyPrefix + "org:" + orgID + ":recs" }
