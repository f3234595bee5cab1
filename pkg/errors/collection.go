package errors

import (
	"sync"

	"go.uber.org/multierr"
)

// ErrorCollection aggregates errors from batch operations. Safe for
// concurrent use.
type ErrorCollection struct {
	mu  sync.Mutex
	err error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

// Add appends an error to the collection; nil is ignored.
func (c *ErrorCollection) Add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierr.Append(c.err, err)
}

// HasErrors reports whether any error was added.
func (c *ErrorCollection) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// Count returns the number of collected errors.
func (c *ErrorCollection) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(multierr.Errors(c.err))
}

// Errors returns the collected errors.
func (c *ErrorCollection) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return multierr.Errors(c.err)
}

// ToError returns the aggregate error, or nil if none were collected.
func (c *ErrorCollection) ToError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
