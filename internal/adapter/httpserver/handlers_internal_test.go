package httpserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

func TestToJobViewHidesProgressOnTerminalJobs(t *testing.T) {
	now := time.Now().UTC()
	job := domain.Job{
		ID:         "7",
		Status:     domain.JobCompleted,
		Progress:   &domain.Progress{Stage: "searching", WorkerID: 1},
		Result:     &domain.SearchResult{JSON: "{}", UsedWorker: 1},
		CreatedAt:  now,
		FinishedAt: &now,
	}
	v := toJobView(job)
	assert.Nil(t, v.Progress)
	require.NotNil(t, v.Result)
	assert.Equal(t, "completed", v.Status)
	assert.Equal(t, &now, v.CompletedAt)

	job.Status = domain.JobProcessing
	job.Result = nil
	job.FinishedAt = nil
	v = toJobView(job)
	require.NotNil(t, v.Progress)
	assert.Equal(t, "searching", v.Progress.Stage)
	assert.Nil(t, v.Result)
}

func TestToJobViewFailedCarriesError(t *testing.T) {
	job := domain.Job{ID: "3", Status: domain.JobFailed, FailureReason: "stalled"}
	v := toJobView(job)
	assert.Equal(t, "failed", v.Status)
	assert.Equal(t, "stalled", v.Error)
}

func TestValidateJobID(t *testing.T) {
	assert.NoError(t, validateJobID("42"))
	assert.NoError(t, validateJobID("abc_DEF-123"))
	assert.Error(t, validateJobID(""))
	assert.Error(t, validateJobID("has space"))
	assert.Error(t, validateJobID("semi;colon"))
}

func TestParseWorkerHint(t *testing.T) {
	r := httptest.NewRequest("POST", "/prompts", nil)
	n, err := parseWorkerHint(r, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	r = httptest.NewRequest("POST", "/prompts?worker=2", nil)
	n, err = parseWorkerHint(r, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, q := range []string{"worker=0", "worker=4", "worker=abc"} {
		r = httptest.NewRequest("POST", "/prompts?"+q, nil)
		_, err = parseWorkerHint(r, 3)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, q)
	}
}

func TestValidateStructCountsRunes(t *testing.T) {
	long := make([]rune, domain.MaxPromptLen)
	for i := range long {
		long[i] = '語'
	}
	req := promptRequest{Prompt: string(long)}
	assert.Nil(t, validateStruct(req))

	req.Prompt += "x"
	errs := validateStruct(req)
	require.Len(t, errs, 1)
	assert.Equal(t, "Prompt", errs[0].Field)
	assert.Equal(t, "max", errs[0].Code)
}
