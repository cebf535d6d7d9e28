package secure

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrItemNotFound is returned when no item matches the query.
	ErrItemNotFound = errors.New("secure: item not found")
	// ErrInteractionNotAllowed is returned when the device state does not
	// satisfy the item's accessibility.
	ErrInteractionNotAllowed = errors.New("secure: interaction not allowed in current device state")
	// ErrMalformedItem is returned when a stored item exists but cannot be
	// read back: a damaged envelope, an unknown protection class, or a
	// sealed value that fails authentication.
	ErrMalformedItem = errors.New("secure: malformed item")
)

// Item is one keychain entry.
type Item struct {
	Service       string
	Account       string
	AccessGroup   string
	Accessibility Accessibility
	// Synchronizable is false for ThisDeviceOnly classes.
	Synchronizable bool
	Data           []byte
	ModifiedAt     time.Time
}

// Keychain is the credential store the secure Storage writes to. Items are
// identified by access group, service and account. Implementations enforce
// the item's accessibility against the current device state.
type Keychain interface {
	// Put adds the item or replaces an existing one with the same identity.
	Put(ctx context.Context, item Item) error
	// Get returns the item, ErrItemNotFound, or an error wrapping
	// ErrMalformedItem when the stored item is unreadable.
	Get(ctx context.Context, accessGroup, service, account string) (Item, error)
	// Delete removes the item, or returns ErrItemNotFound.
	Delete(ctx context.Context, accessGroup, service, account string) error
	// Accounts lists the accounts stored under service, sorted.
	Accounts(ctx context.Context, accessGroup, service string) ([]string, error)
}

// DeviceStateFunc reports the current device state.
type DeviceStateFunc func() DeviceState

// AlwaysUnlocked is the DeviceStateFunc of a host without a lock screen.
func AlwaysUnlocked() DeviceState { return Unlocked }

type itemID struct {
	group, service, account string
}

// MemoryKeychain keeps items in process memory.
type MemoryKeychain struct {
	mu     sync.RWMutex
	items  map[itemID]Item
	device DeviceStateFunc
	now    func() time.Time
}

// NewMemoryKeychain creates an empty keychain. A nil device is treated as
// always unlocked.
func NewMemoryKeychain(device DeviceStateFunc) *MemoryKeychain {
	if device == nil {
		device = AlwaysUnlocked
	}
	return &MemoryKeychain{
		items:  make(map[itemID]Item),
		device: device,
		now:    time.Now,
	}
}

func (k *MemoryKeychain) Put(_ context.Context, item Item) error {
	if !item.Accessibility.Allows(k.device()) {
		return ErrInteractionNotAllowed
	}
	item.Data = append([]byte(nil), item.Data...)
	item.ModifiedAt = k.now()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.items[itemID{item.AccessGroup, item.Service, item.Account}] = item
	return nil
}

func (k *MemoryKeychain) Get(_ context.Context, accessGroup, service, account string) (Item, error) {
	k.mu.RLock()
	item, ok := k.items[itemID{accessGroup, service, account}]
	k.mu.RUnlock()
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if !item.Accessibility.Allows(k.device()) {
		return Item{}, ErrInteractionNotAllowed
	}
	item.Data = append([]byte(nil), item.Data...)
	return item, nil
}

func (k *MemoryKeychain) Delete(_ context.Context, accessGroup, service, account string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := itemID{accessGroup, service, account}
	if _, ok := k.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(k.items, id)
	return nil
}

func (k *MemoryKeychain) Accounts(_ context.Context, accessGroup, service string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var accounts []string
	for id := range k.items {
		if id.group == accessGroup && id.service == service {
			accounts = append(accounts, id.account)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}
