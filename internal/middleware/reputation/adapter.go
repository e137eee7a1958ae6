package reputation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
)

// Adapter fetches the reputation of one IP from an external source.
type Adapter interface {
	Name() string
	Check(ctx context.Context, ip string) (Result, error)
}

// AdapterSet fans out to all adapters concurrently. A failing adapter
// degrades to an empty result; one provider outage never sinks the verdict.
type AdapterSet struct {
	adapters []Adapter
}

// NewAdapterSet wraps the given adapters.
func NewAdapterSet(adapters ...Adapter) *AdapterSet {
	return &AdapterSet{adapters: adapters}
}

// Len reports how many adapters are configured.
func (s *AdapterSet) Len() int {
	return len(s.adapters)
}

// Fetch queries every adapter in parallel and collects their results in
// adapter order. The caller bounds the work through ctx.
func (s *AdapterSet) Fetch(ctx context.Context, ip string) Verdict {
	results := make([]Result, len(s.adapters))

	var wg sync.WaitGroup
	for i, a := range s.adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			res, err := a.Check(ctx, ip)
			if err != nil {
				logging.Warn("reputation adapter failed",
					zap.String("adapter", a.Name()),
					zap.String("ip", ip),
					zap.Error(err),
				)
				results[i] = Result{Provider: a.Name()}
				return
			}
			res.Provider = a.Name()
			results[i] = res
		}(i, a)
	}
	wg.Wait()

	return Verdict(results)
}
