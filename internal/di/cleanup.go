package di

import (
	"errors"
	"sync"
)

// Cleanup collects close functions of resources opened by providers.
type Cleanup struct {
	mu  sync.Mutex
	fns []func() error
}

func (c *Cleanup) Add(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// Close runs the close functions in reverse order and joins their errors.
func (c *Cleanup) Close() error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
