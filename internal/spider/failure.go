package spider

import (
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/retry"
)

// Remain is a job that ended in permanent failure or was discarded.
type Remain struct {
	Job   *job.Job
	Err   error
	Error job.SerializedError
}

// Remains maps job id to its terminal failure.
type Remains map[string]Remain

func (r Remains) clone() Remains {
	out := make(Remains, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Failure describes one failed attempt handed to the failure callback. In
// manual retry mode the callback decides the job's fate by calling one of the
// retry methods before returning; otherwise the job goes to remains.
type Failure struct {
	Job *job.Job
	Err error
	// Final is true when the job is going to remains.
	Final bool

	policy   retry.Policy
	manual   bool
	decision retry.Decision
	decided  bool
}

// Retry re-admits the job at the tail of the queue.
func (f *Failure) Retry() error {
	return f.choose(retry.RetryLater)
}

// RetryLater re-admits the job at the tail of the queue.
func (f *Failure) RetryLater() error {
	return f.choose(retry.RetryLater)
}

// RetryNow re-admits the job at the head of the queue.
func (f *Failure) RetryNow() error {
	return f.choose(retry.RetryNow)
}

func (f *Failure) choose(d retry.Decision) error {
	if !retry.Retryable(f.Err) {
		return ErrNotRetryable
	}
	if !f.manual {
		return ErrAutoRetry
	}
	if err := f.policy.Check(f.Job.Request.Retries); err != nil {
		return err
	}
	f.decision, f.decided = d, true
	f.Final = false
	return nil
}
