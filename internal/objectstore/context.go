package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrContextClosed is returned by Perform after Close.
var ErrContextClosed = errors.New("objectstore: context closed")

// Context is the execution context of the object store: a single goroutine
// on which every engine access and every identity-map update runs. Callers
// on other goroutines hand work to it with Perform and block until the work
// is done.
type Context struct {
	work chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type contextKey struct{ c *Context }

// performToken marks one Perform call. It is active only while the call's
// work runs on the context goroutine.
type performToken struct {
	active atomic.Bool
}

// NewContext starts the context goroutine.
func NewContext() *Context {
	c := &Context{
		work: make(chan func()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Context) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.quit:
			return
		}
	}
}

// Perform runs fn on the context goroutine and returns its error. Called
// from fn (with the context it was given) it runs inline, so nested
// operations do not deadlock. Perform does not watch ctx for cancellation:
// work that has been handed over always runs to completion.
func (c *Context) Perform(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.Owns(ctx) {
		return fn(ctx)
	}

	tok := &performToken{}
	inner := context.WithValue(ctx, contextKey{c}, tok)
	result := make(chan error, 1)
	job := func() {
		tok.active.Store(true)
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("objectstore: panic in perform: %v", r)
				}
			}()
			err = fn(inner)
		}()
		tok.active.Store(false)
		result <- err
	}

	select {
	case c.work <- job:
	case <-c.quit:
		return ErrContextClosed
	}
	return <-result
}

// Owns reports whether ctx belongs to work running on this context.
func (c *Context) Owns(ctx context.Context) bool {
	tok, _ := ctx.Value(contextKey{c}).(*performToken)
	return tok != nil && tok.active.Load()
}

// Close stops the goroutine after the work in progress finishes.
func (c *Context) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}
