package coord

import (
	"context"

	"github.com/jizhuozhi/go-future"
)

// CreateAsync issues Create on its own goroutine; the returned future
// completes with the created path or the error.
func CreateAsync(ctx context.Context, s Store, path string, data []byte, mode Mode) *future.Future[string] {
	p := future.NewPromise[string]()
	go func() {
		p.Set(s.Create(ctx, path, data, mode))
	}()
	return p.Future()
}

// DeleteAsync issues Delete on its own goroutine.
func DeleteAsync(ctx context.Context, s Store, path string, version int64) *future.Future[struct{}] {
	p := future.NewPromise[struct{}]()
	go func() {
		p.Set(struct{}{}, s.Delete(ctx, path, version))
	}()
	return p.Future()
}
