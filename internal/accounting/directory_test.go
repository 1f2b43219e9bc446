package accounting

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectoryLookupAndHierarchy(t *testing.T) {
	dir := NewDirectory(testAccounts())
	require.NoError(t, dir.Load(context.Background()))

	acct, ok := dir.Lookup("1010")
	require.True(t, ok)
	require.Equal(t, AccountClassPettyCash, acct.Class)

	children := dir.Children("1000")
	require.Len(t, children, 1)
	require.Equal(t, "1010", children[0].Code)

	ancestors := dir.Ancestors("1010")
	require.Len(t, ancestors, 1)
	require.Equal(t, "1000", ancestors[0].Code)

	require.Equal(t, []string{"1300"}, dir.InventoryCodes())
	require.False(t, dir.LoadedAt().IsZero())
}

type countingStore struct {
	calls int32
	gate  chan struct{}
}

func (s *countingStore) ListAccounts(context.Context) ([]Account, error) {
	atomic.AddInt32(&s.calls, 1)
	<-s.gate
	return testAccounts(), nil
}

func TestDirectoryRefreshCoalescesConcurrentCallers(t *testing.T) {
	store := &countingStore{gate: make(chan struct{})}
	dir := NewDirectory(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, dir.Refresh(context.Background()))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	calls := atomic.LoadInt32(&store.calls)
	require.GreaterOrEqual(t, calls, int32(1))
	require.Less(t, calls, int32(8))
	_, ok := dir.Lookup("1300")
	require.True(t, ok)
}
