package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, off := range []int{0, 1, 42, 100000} {
		assert.Equal(t, off, DecodeCursor(EncodeCursor(off)))
	}
}

func TestCursorMalformedResetsToZero(t *testing.T) {
	assert.Equal(t, 0, DecodeCursor(""))
	assert.Equal(t, 0, DecodeCursor("not-base64!!"))
	assert.Equal(t, 0, DecodeCursor("aGVsbG8="))             // base64 but not JSON
	assert.Equal(t, 0, DecodeCursor(EncodeCursor(-5)))       // negative offset
}

func TestListNewestFirstWithPaging(t *testing.T) {
	q, _ := testQueue(t, config.Config{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("p%d", i), 0, 0, domain.EnqueueOpts{})
		require.NoError(t, err)
	}

	page, err := q.List(ctx, "", 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalItems)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "5", page.Items[0].ID)
	assert.Equal(t, "4", page.Items[1].ID)
	require.NotEmpty(t, page.NextPageToken)

	page, err = q.List(ctx, "", 2, page.NextPageToken)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "3", page.Items[0].ID)
	assert.Equal(t, "2", page.Items[1].ID)
	require.NotEmpty(t, page.NextPageToken)

	page, err = q.List(ctx, "", 2, page.NextPageToken)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "1", page.Items[0].ID)
	assert.Empty(t, page.NextPageToken)
}

func TestListFiltersByStatus(t *testing.T) {
	q, _ := testQueue(t, config.Config{})
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "a", 0, 0, domain.EnqueueOpts{})
	b, _ := q.Enqueue(ctx, "b", 0, 0, domain.EnqueueOpts{})
	_, _, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, a.ID, domain.SearchResult{JSON: "{}", UsedWorker: 1}))

	page, err := q.List(ctx, domain.JobCompleted, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, a.ID, page.Items[0].ID)

	page, err = q.List(ctx, domain.JobPending, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, b.ID, page.Items[0].ID)
}

func TestListReapsEvictedRecords(t *testing.T) {
	q, mr := testQueue(t, config.Config{})
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "a", 0, 0, domain.EnqueueOpts{})
	b, _ := q.Enqueue(ctx, "b", 0, 0, domain.EnqueueOpts{})
	mr.Del("job:" + a.ID)

	page, err := q.List(ctx, "", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, b.ID, page.Items[0].ID)
	assert.Equal(t, 1, page.TotalItems)

	// The ghost entry is removed from the index, not just skipped, so the
	// count stays honest on later calls too.
	n, err := q.store.LLen(ctx, keyJobIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	page, err = q.List(ctx, "", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.TotalItems)
}

func TestListMalformedCursorStartsOver(t *testing.T) {
	q, _ := testQueue(t, config.Config{})
	ctx := context.Background()
	j, _ := q.Enqueue(ctx, "a", 0, 0, domain.EnqueueOpts{})

	page, err := q.List(ctx, "", 10, "garbage")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, j.ID, page.Items[0].ID)
}
