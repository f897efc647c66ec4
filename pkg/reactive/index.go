package reactive

import (
	"context"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/cobaltdb/stmcore/internal/metrics"
	"github.com/cobaltdb/stmcore/pkg/txn"
)

// Subscription is the opaque handle returned by Index.Register. Its
// read set is mutable: each successful fire re-derives it from the test
// closure's fresh enlistments, re-indexing it if it differs from the
// previously stored set.
type Subscription struct {
	mu      sync.Mutex
	readSet map[txn.Enlistable]struct{}
	test    func(ctx context.Context) (bool, error)
	body    func(ctx context.Context) (bool, error)
	active  bool
}

func toSet(cells []txn.Enlistable) map[txn.Enlistable]struct{} {
	set := make(map[txn.Enlistable]struct{}, len(cells))
	for _, c := range cells {
		set[c] = struct{}{}
	}
	return set
}

// Index maintains the cell -> subscription fan-out: a map from
// enlisted cell identity to the subscriptions registered under it. It
// indexes by cell identity rather than owning its subscriptions
// strongly, so cells never transitively own their subscribers.
type Index struct {
	mu     sync.Mutex
	byCell map[txn.Enlistable]map[*Subscription]struct{}

	pool   *ants.Pool
	logger *slog.Logger
}

// NewIndex creates an empty subscription index. workers bounds the
// concurrent-firing pool: matching subscriptions are fired concurrently
// rather than in a sequential loop, via an ants pool to bound the fan
// out; a non-positive value disables the pool and Fire falls back to
// spawning a goroutine per fired subscription.
func NewIndex(workers int, logger *slog.Logger) *Index {
	idx := &Index{
		byCell: make(map[txn.Enlistable]map[*Subscription]struct{}),
		logger: logger,
	}
	if workers > 0 {
		pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
			if logger != nil {
				logger.Error("reactive: subscription fire panicked", "panic", v)
			}
		}))
		if err == nil {
			idx.pool = pool
		} else if logger != nil {
			logger.Warn("reactive: ants pool unavailable, firing on bare goroutines", "error", err)
		}
	}
	return idx
}

// Register runs test in isolation, rejects an empty read set with
// ErrEmptyConditionalReadSet, and indexes the resulting subscription
// under every cell it touched.
func (idx *Index) Register(ctx context.Context, eng Engine, test func(ctx context.Context) (bool, error), body func(ctx context.Context) (bool, error)) (*Subscription, error) {
	enlisted, err := eng.Observe(ctx, func(ctx context.Context) error {
		_, terr := test(ctx)
		return terr
	})
	if err != nil {
		return nil, err
	}
	if len(enlisted) == 0 {
		return nil, txn.ErrEmptyConditionalReadSet
	}

	sub := &Subscription{
		readSet: toSet(enlisted),
		test:    test,
		body:    body,
		active:  true,
	}
	idx.index(sub, enlisted)
	return sub, nil
}

// Cancel removes the subscription from every index entry of its
// current read set and clears its stored read set, so a fire already
// in flight for an old trigger set observes it as inactive and no-ops.
func (idx *Index) Cancel(sub *Subscription) {
	sub.mu.Lock()
	if !sub.active {
		sub.mu.Unlock()
		return
	}
	sub.active = false
	old := sub.readSet
	sub.readSet = nil
	sub.mu.Unlock()
	idx.unindex(sub, old)
}

func (idx *Index) index(sub *Subscription, cells []txn.Enlistable) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, c := range cells {
		set, ok := idx.byCell[c]
		if !ok {
			set = make(map[*Subscription]struct{})
			idx.byCell[c] = set
		}
		set[sub] = struct{}{}
	}
}

func (idx *Index) unindex(sub *Subscription, cells map[txn.Enlistable]struct{}) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for c := range cells {
		set, ok := idx.byCell[c]
		if !ok {
			continue
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(idx.byCell, c)
		}
	}
}

// matching intersects triggerSet with the subscription index and
// returns the union of subscriptions registered under any of those
// cells.
func (idx *Index) matching(triggerSet []txn.Enlistable) []*Subscription {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	seen := make(map[*Subscription]struct{})
	var out []*Subscription
	for _, c := range triggerSet {
		for sub := range idx.byCell[c] {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, sub)
		}
	}
	return out
}

// Fire reacts to a just-committed trigger set: every matching
// subscription is re-evaluated, concurrently, via reactOne.
func (idx *Index) Fire(ctx context.Context, triggerSet []txn.Enlistable, eng Engine) {
	matched := idx.matching(triggerSet)
	if len(matched) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range matched {
		sub := sub
		wg.Add(1)
		task := func() {
			defer wg.Done()
			idx.reactOne(ctx, sub, eng)
		}
		if idx.pool != nil {
			if err := idx.pool.Submit(task); err != nil {
				task()
			}
		} else {
			go task()
		}
	}
	wg.Wait()
}

// reactOne is the per-subscription reaction to a commit: re-run test
// in isolation, re-index on a changed read set, cancel on an empty one,
// and — only if test returned true — run body as a committing
// transaction, cancelling the subscription if it returns false.
func (idx *Index) reactOne(ctx context.Context, sub *Subscription, eng Engine) {
	sub.mu.Lock()
	if !sub.active {
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	var testResult bool
	enlisted, err := eng.Observe(ctx, func(ctx context.Context) error {
		r, terr := sub.test(ctx)
		testResult = r
		return terr
	})
	if err != nil {
		if idx.logger != nil {
			idx.logger.Error("reactive: test closure failed", "error", err)
		}
		return
	}

	sub.mu.Lock()
	if !sub.active {
		sub.mu.Unlock()
		return
	}
	if len(enlisted) == 0 {
		sub.active = false
		old := sub.readSet
		sub.readSet = nil
		sub.mu.Unlock()
		idx.unindex(sub, old)
		return
	}
	old := sub.readSet
	sub.readSet = toSet(enlisted)
	sub.mu.Unlock()
	idx.unindex(sub, old)
	idx.index(sub, enlisted)

	if !testResult {
		return
	}

	err = eng.RunTransaction(ctx, func(ctx context.Context) error {
		keep, berr := sub.body(ctx)
		if berr != nil {
			return berr
		}
		if !keep {
			idx.Cancel(sub)
		}
		return nil
	})
	metrics.SubscriptionFiresTotal.Inc()
	if err != nil && idx.logger != nil {
		idx.logger.Error("reactive: subscription body failed", "error", err)
	}
}

// Release stops the firing pool, if any. Safe to call on an Index
// created with workers <= 0.
func (idx *Index) Release() {
	if idx.pool != nil {
		idx.pool.Release()
	}
}
