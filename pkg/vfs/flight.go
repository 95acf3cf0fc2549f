package vfs

import "sync"

type call[T any] struct {
	wg  sync.WaitGroup
	val T
	err error
}

// flight collapses concurrent calls for the same key into one.
type flight[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

func (g *flight[T]) do(key string, fn func() (T, error)) (T, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call[T])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err
	}
	c := &call[T]{}
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		c.wg.Done()
	}()
	c.val, c.err = fn()
	return c.val, c.err
}
