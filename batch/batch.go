// Package batch submits many files at once, each as an independent upload session.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/vpstream/go-vpuploader/session"
	"github.com/vpstream/go-vpuploader/transfer"
)

// ErrInvalidItem is wrapped by every ItemError.
var ErrInvalidItem = errors.New("invalid batch item")

// Item is a file and the credentials issued for it.
type Item struct {
	File    transfer.Source
	Details session.Details
}

// Submitter creates the session of an item and transfers it.
type Submitter interface {
	// Validate checks an item without side effects.
	Validate(item Item) error
	// Submit blocks until the item is uploaded or failed.
	Submit(ctx context.Context, item Item) error
}

// Result is the outcome of one item.
type Result struct {
	Index int
	Name  string
	Err   error
}

// Summary aggregates the outcome of a batch. Results keeps the item order.
type Summary struct {
	Successes []Result
	Failures  []Result
	Results   []Result
}

// Callbacks are invoked once the batch settled. Both are optional.
type Callbacks struct {
	OnAllSuccess  func(successes []Result)
	OnSomeFailure func(failures []Result)
}

// ItemError identifies the item that failed validation.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s at index %d: %s", ErrInvalidItem, e.Index, e.Err)
}

// Unwrap ...
func (e *ItemError) Unwrap() []error {
	return []error{ErrInvalidItem, e.Err}
}

// Run validates every item, then submits all of them concurrently. An invalid item fails the
// whole batch before anything is submitted. A failed submission never affects its siblings.
func Run(ctx context.Context, items []Item, submitter Submitter, callbacks Callbacks, logger log.Logger) (Summary, error) {
	for i, item := range items {
		if err := session.ValidateShape(item.Details); err != nil {
			return Summary{}, &ItemError{Index: i, Err: err}
		}
		if err := submitter.Validate(item); err != nil {
			return Summary{}, &ItemError{Index: i, Err: err}
		}
	}

	logger.Infof("Submitting %d file(s)", len(items))

	results := make([]Result, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			results[i] = Result{
				Index: i,
				Name:  item.File.Name,
				Err:   submitter.Submit(ctx, item),
			}
		}(i, item)
	}
	wg.Wait()

	summary := Summary{Results: results}
	for _, result := range results {
		if result.Err != nil {
			logger.Warnf("Upload of %s failed: %s", result.Name, result.Err)
			summary.Failures = append(summary.Failures, result)
		} else {
			summary.Successes = append(summary.Successes, result)
		}
	}

	logger.Infof("Batch finished: %d succeeded, %d failed", len(summary.Successes), len(summary.Failures))

	if len(summary.Successes) > 0 && callbacks.OnAllSuccess != nil {
		callbacks.OnAllSuccess(summary.Successes)
	}
	if len(summary.Failures) > 0 && callbacks.OnSomeFailure != nil {
		callbacks.OnSomeFailure(summary.Failures)
	}

	return summary, nil
}
