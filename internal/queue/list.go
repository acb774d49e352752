package queue

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

// listChunk is how many index entries are scanned per store round trip while
// filling a page.
const listChunk = 200

type cursor struct {
	Offset int `json:"offset"`
}

// EncodeCursor packs a byte offset into an opaque page token.
func EncodeCursor(offset int) string {
	b, _ := json.Marshal(cursor{Offset: offset})
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeCursor unpacks a page token. Malformed or negative cursors reset to
// offset 0 rather than erroring.
func DecodeCursor(token string) int {
	if token == "" {
		return 0
	}
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil || c.Offset < 0 {
		return 0
	}
	return c.Offset
}

// List returns jobs newest-first, optionally filtered by status. The cursor
// carries the offset into the creation-order index. TTL-evicted records are
// reaped from the index as the scan finds them so totalItems converges on
// live jobs instead of counting ghosts forever.
func (q *Queue) List(ctx domain.Context, status domain.JobStatus, limit int, pageToken string) (domain.JobPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset := DecodeCursor(pageToken)

	total, err := q.store.LLen(ctx, keyJobIndex)
	if err != nil {
		return domain.JobPage{}, err
	}

	page := domain.JobPage{TotalItems: int(total)}
	scanned := offset
	var evicted []string
	for int64(scanned) < total && len(page.Items) < limit {
		// Newest first: read a chunk counting back from the list tail.
		stop := -(int64(scanned) + 1)
		start := -(int64(scanned) + listChunk)
		ids, err := q.store.LRange(ctx, keyJobIndex, start, stop)
		if err != nil {
			return domain.JobPage{}, err
		}
		if len(ids) == 0 {
			break
		}
		// LRange returns oldest-first within the chunk; walk it backwards.
		for i := len(ids) - 1; i >= 0 && len(page.Items) < limit; i-- {
			scanned++
			job, err := q.Get(ctx, ids[i])
			if errors.Is(err, domain.ErrNotFound) {
				evicted = append(evicted, ids[i])
				continue
			}
			if err != nil {
				return domain.JobPage{}, err
			}
			if status != "" && job.Status != status {
				continue
			}
			page.Items = append(page.Items, job)
		}
	}
	// Reap after the scan so removals don't shift the chunk arithmetic.
	reaped := 0
	for _, id := range evicted {
		if n, err := q.store.LRem(ctx, keyJobIndex, 1, id); err == nil && n > 0 {
			reaped++
		}
	}
	page.TotalItems -= reaped
	if int64(scanned) < total {
		// Reaped entries all sit in the scanned tail region, so the next
		// page starts that much closer to it.
		page.NextPageToken = EncodeCursor(scanned - reaped)
	}
	return page, nil
}
