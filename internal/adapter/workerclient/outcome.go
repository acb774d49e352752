package workerclient

import "github.com/fairyhunter13/prompt-dispatcher/internal/domain"

// Outcome is the closed set of results a search attempt can produce. The
// dispatcher switches over the concrete types; nothing outside this package
// can add a variant.
type Outcome interface{ outcome() }

// Success carries the structured result of a completed search.
type Success struct {
	Result domain.SearchResult
}

// Empty means the worker reached the target but extracted no structured
// JSON. Treated as success with an empty JSON payload.
type Empty struct {
	RawText string
}

// Blocked means the upstream target refused this worker (proxy/CAPTCHA).
// The worker rotates its proxy on its own; the dispatcher should move on.
type Blocked struct {
	Reason string
}

// Busy means the worker accepted another search between the health probe and
// this call. Not an error; pick another worker.
type Busy struct{}

// Transient covers every other failure: network errors, timeouts, 5xx.
type Transient struct {
	Err error
}

func (Success) outcome()   {}
func (Empty) outcome()     {}
func (Blocked) outcome()   {}
func (Busy) outcome()      {}
func (Transient) outcome() {}
