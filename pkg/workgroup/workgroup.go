package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs related workers that live and die together: the first worker to
// return an error cancels the shared context so the rest can wind down.
type Group struct {
	ctx   context.Context
	group *errgroup.Group
}

func WithContext(ctx context.Context) *Group {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{
		ctx:   gctx,
		group: g,
	}
}

func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until all workers returned and yields the first error.
func (g *Group) Wait() error {
	return g.group.Wait()
}
