package accounting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AccountStore loads the chart of accounts.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// Directory is an in-memory view of the chart of accounts. It is populated
// through Load and kept current through Refresh; lookups never hit the store.
type Directory struct {
	store    AccountStore
	group    singleflight.Group
	mu       sync.RWMutex
	byCode   map[string]Account
	children map[string][]string
	loadedAt time.Time
}

// NewDirectory constructs an empty Directory.
func NewDirectory(store AccountStore) *Directory {
	return &Directory{store: store, byCode: map[string]Account{}, children: map[string][]string{}}
}

// Load replaces the directory contents from the store.
func (d *Directory) Load(ctx context.Context) error {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("accounting: load accounts: %w", err)
	}
	byCode := make(map[string]Account, len(accounts))
	children := make(map[string][]string)
	for _, acct := range accounts {
		byCode[acct.Code] = acct
		if acct.ParentCode != "" {
			children[acct.ParentCode] = append(children[acct.ParentCode], acct.Code)
		}
	}
	for _, codes := range children {
		sort.Strings(codes)
	}
	d.mu.Lock()
	d.byCode = byCode
	d.children = children
	d.loadedAt = time.Now()
	d.mu.Unlock()
	return nil
}

// Refresh reloads the directory. Concurrent callers share one load.
func (d *Directory) Refresh(ctx context.Context) error {
	_, err, _ := d.group.Do("accounts", func() (any, error) {
		return nil, d.Load(ctx)
	})
	return err
}

// Lookup returns the account with code.
func (d *Directory) Lookup(code string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byCode[code]
	return acct, ok
}

// Children returns direct children of code ordered by code.
func (d *Directory) Children(code string) []Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Account, 0, len(d.children[code]))
	for _, child := range d.children[code] {
		out = append(out, d.byCode[child])
	}
	return out
}

// Ancestors returns the parent chain of code, nearest first.
func (d *Directory) Ancestors(code string) []Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Account
	seen := map[string]bool{code: true}
	current := d.byCode[code].ParentCode
	for current != "" && !seen[current] {
		parent, ok := d.byCode[current]
		if !ok {
			break
		}
		out = append(out, parent)
		seen[current] = true
		current = parent.ParentCode
	}
	return out
}

// InventoryCodes lists the codes of inventory-classified accounts.
func (d *Directory) InventoryCodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for code, acct := range d.byCode {
		if acct.Inventory {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

// LoadedAt reports when the directory was last populated.
func (d *Directory) LoadedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loadedAt
}
