package account

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// Client is the part of *thingsboard.Client used through the registry.
type Client interface {
	Login(ctx context.Context, username, password string) error
	ListDevices(ctx context.Context) ([]thingsboard.Device, error)
	GetLevel(ctx context.Context, deviceID string) (float64, bool, error)
	GetRelayState(ctx context.Context, deviceID string, relay thingsboard.Relay) (bool, error)
	SetRelayState(ctx context.Context, deviceID string, relay thingsboard.Relay, on bool) error
	SupportsRelays() bool
	Family() thingsboard.Family
	Authenticated() bool
	Close() error
}

// Entry is one registered account.
type Entry struct {
	// ID is the configured account id.
	ID string

	// Client is the authenticated cloud client of the account.
	Client Client

	// Credentials kept in memory for Reauthenticate; never persisted.
	username string
	password string

	// fetch admits one device list request at a time. mu guards the cache
	// and is never held across a request.
	fetch *semaphore.Weighted

	mu      sync.Mutex
	devices []thingsboard.Device
	fetched bool
	gen     uint64
}

func newEntry(id string, client Client, username, password string) *Entry {
	return &Entry{
		ID:       id,
		Client:   client,
		username: username,
		password: password,
		fetch:    semaphore.NewWeighted(1),
	}
}

// Devices returns the account's devices, fetching them on first use.
// A failed fetch is not cached. Concurrent callers share one fetch; readers
// of the cache are never blocked by it.
func (e *Entry) Devices(ctx context.Context) ([]thingsboard.Device, error) {
	if devices, ok, _ := e.cached(); ok {
		return devices, nil
	}

	if err := e.fetch.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.fetch.Release(1)

	devices, ok, gen := e.cached()
	if ok {
		return devices, nil
	}

	devices, err := e.Client.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// An Invalidate during the request makes this list stale.
	if e.gen == gen {
		e.devices = devices
		e.fetched = true
	}
	e.mu.Unlock()
	return devices, nil
}

func (e *Entry) cached() ([]thingsboard.Device, bool, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices, e.fetched, e.gen
}

// CachedDevices returns the last fetched device list without contacting
// the cloud. It is nil until Devices succeeded.
func (e *Entry) CachedDevices() []thingsboard.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices
}

// Invalidate drops the cached device list so the next Devices call refetches.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	e.devices = nil
	e.fetched = false
	e.gen++
	e.mu.Unlock()
}

// Reauthenticate logs in again with the registered credentials and drops
// the cached device list.
func (e *Entry) Reauthenticate(ctx context.Context) error {
	if e.username == "" {
		return fmt.Errorf("%w: %s has no stored credentials", ErrUnknownAccount, e.ID)
	}
	if err := e.Client.Login(ctx, e.username, e.password); err != nil {
		return err
	}
	e.Invalidate()
	return nil
}

// Family returns the API family of the account.
func (e *Entry) Family() thingsboard.Family {
	return e.Client.Family()
}
