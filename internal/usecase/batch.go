package usecase

import (
	"sort"
	"sync"

	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/redisstore"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

// BatchService computes aggregate batch status on demand.
type BatchService struct {
	Queue domain.JobQueue
	Store *redisstore.Store
}

// NewBatchService constructs a BatchService.
func NewBatchService(q domain.JobQueue, s *redisstore.Store) BatchService {
	return BatchService{Queue: q, Store: s}
}

// Status loads the batch membership and aggregates the children's states.
// Child records evicted by TTL are skipped silently, so the counts may sum
// to less than Total.
func (s BatchService) Status(ctx domain.Context, batchID string) (domain.BatchStatus, error) {
	ids, err := batchMembers(ctx, s.Store, batchID)
	if err != nil {
		return domain.BatchStatus{}, err
	}

	jobs := make([]domain.Job, 0, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			job, err := s.Queue.Get(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			jobs = append(jobs, job)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].BatchIndex < jobs[j].BatchIndex })

	st := domain.BatchStatus{BatchID: batchID, Total: len(ids), Jobs: jobs}
	for _, j := range jobs {
		switch j.Status {
		case domain.JobCompleted:
			st.Completed++
		case domain.JobProcessing:
			st.Processing++
		case domain.JobPending:
			st.Pending++
		case domain.JobFailed:
			st.Failed++
		}
	}
	return st, nil
}
