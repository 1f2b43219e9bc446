package cycle

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoryRepo struct {
	mu       sync.Mutex
	cycles   map[string]Cycle
	balances map[string]DailyBalance
	// failBalances makes LockBalances return the error once.
	failBalances error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{cycles: map[string]Cycle{}, balances: map[string]DailyBalance{}}
}

func balanceKey(key Key, subject Subject) string { return key.String() + "|" + subject.String() }

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cycles := make(map[string]Cycle, len(r.cycles))
	for k, v := range r.cycles {
		cycles[k] = v
	}
	balances := make(map[string]DailyBalance, len(r.balances))
	for k, v := range r.balances {
		balances[k] = v
	}
	if err := fn(ctx, memoryTx{r}); err != nil {
		r.cycles = cycles
		r.balances = balances
		return err
	}
	return nil
}

func (r *memoryRepo) GetCycle(_ context.Context, key Key) (Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return memoryTx{r}.GetCycle(context.Background(), key)
}

func (r *memoryRepo) ListBalances(_ context.Context, key Key) ([]DailyBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return memoryTx{r}.ListBalances(context.Background(), key)
}

func (r *memoryRepo) balance(key Key, subject Subject) DailyBalance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[balanceKey(key, subject)]
}

type memoryTx struct{ r *memoryRepo }

func (t memoryTx) LockCycle(ctx context.Context, key Key) (Cycle, error) { return t.GetCycle(ctx, key) }

func (t memoryTx) ShareLockCycle(ctx context.Context, key Key) (Cycle, error) {
	return t.GetCycle(ctx, key)
}

func (t memoryTx) GetCycle(_ context.Context, key Key) (Cycle, error) {
	c, ok := t.r.cycles[key.String()]
	if !ok {
		return Cycle{}, ErrCycleNotFound
	}
	return c, nil
}

func (t memoryTx) InsertCycle(_ context.Context, c Cycle) error {
	if _, ok := t.r.cycles[c.Key.String()]; !ok {
		t.r.cycles[c.Key.String()] = c
	}
	return nil
}

func (t memoryTx) UpdateCycle(_ context.Context, c Cycle) error {
	if _, ok := t.r.cycles[c.Key.String()]; !ok {
		return errors.New("update missing cycle")
	}
	t.r.cycles[c.Key.String()] = c
	return nil
}

func (t memoryTx) HasCycleBefore(_ context.Context, key Key) (bool, error) {
	for _, c := range t.r.cycles {
		if c.Key.Before(key) {
			return true, nil
		}
	}
	return false, nil
}

func (t memoryTx) ListBalances(_ context.Context, key Key) ([]DailyBalance, error) {
	var out []DailyBalance
	for _, b := range t.r.balances {
		if b.Key.String() == key.String() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject.String() < out[j].Subject.String() })
	return out, nil
}

func (t memoryTx) LockBalance(_ context.Context, key Key, subject Subject) (DailyBalance, bool, error) {
	b, ok := t.r.balances[balanceKey(key, subject)]
	return b, ok, nil
}

func (t memoryTx) LockBalances(ctx context.Context, key Key) ([]DailyBalance, error) {
	if err := t.r.failBalances; err != nil {
		t.r.failBalances = nil
		return nil, err
	}
	return t.ListBalances(ctx, key)
}

func (t memoryTx) UpsertBalance(_ context.Context, b DailyBalance) error {
	t.r.balances[balanceKey(b.Key, b.Subject)] = b
	return nil
}
