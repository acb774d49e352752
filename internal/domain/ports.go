package domain

// JobQueue is the durable job lifecycle port implemented by internal/queue.
type JobQueue interface {
	// Enqueue persists a new job and makes it reservable. The returned ID is
	// server-assigned and monotonic.
	Enqueue(ctx Context, prompt string, workerHint, priority int, opts EnqueueOpts) (Job, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, status JobStatus, limit int, pageToken string) (JobPage, error)
	// Fail forces the job into its terminal failed state with the given
	// reason. Settled jobs are left untouched.
	Fail(ctx Context, id, reason string) error
}

// EnqueueOpts carries the optional batch linkage for a job.
type EnqueueOpts struct {
	BatchID    string
	BatchIndex int
	BatchTotal int
}

// JobPage is one slice of the job listing, newest first.
type JobPage struct {
	Items         []Job
	TotalItems    int
	NextPageToken string
}

// WorkerPool exposes the southbound worker operations the usecases need.
// The full client (search and outcome classification) lives in the
// workerclient adapter and is consumed by the dispatcher directly.
type WorkerPool interface {
	Count() int
	Health(ctx Context, index int) WorkerHealth
	WarmupSearchTab(ctx Context, index int) error
	RestartBrowser(ctx Context, index int) error
	RefreshSession(ctx Context, index int) error
}
