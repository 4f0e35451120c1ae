package local

import "context"

// Pending is a driver operation running in the background. Callers may wait
// on it or drop it.
type Pending struct {
	done chan struct{}
	err  error
}

func start(ctx context.Context, fn func(context.Context) error) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = fn(ctx)
	}()
	return p
}

func completed(err error) *Pending {
	p := &Pending{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the operation's result. It is nil until Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
