// Package source reads FHIR resources from the remote API.
//
// Client is the narrow search contract the task executor depends on.
// FHIRClient speaks the FHIR REST search API; Resilient wraps any Client with
// timeout, rate limiting, a circuit breaker and retries, so callers only see
// terminal failures marked errors.ErrReadSource.
package source

import (
	"context"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/pulse/async"
)

// ErrTransient marks failures worth retrying: 5xx, 429, connection errors and timeouts
var ErrTransient = errors.New("transient source failure")

// SearchRequest selects one page of resources of a type updated within a window
type SearchRequest struct {
	ResourceType      string
	Window            async.DataPeriod
	ContinuationToken string // empty for the first page
	Filters           map[string]string
}

// Page is one search result page
type Page struct {
	Rows      [][]byte // raw resource JSON, in server order
	NextToken string   // empty on the last page
	Total     int64    // server-reported match count, -1 if not reported
}

// Client searches resources page by page
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*Page, error)
}

// ClientFunc adapts a function to Client
type ClientFunc func(ctx context.Context, req SearchRequest) (*Page, error)

// Search calls f
func (f ClientFunc) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	return f(ctx, req)
}

// transient marks err as retryable
func transient(err error) error {
	return errors.Mark(err, ErrTransient)
}
