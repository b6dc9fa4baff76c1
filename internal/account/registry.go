package account

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// Logger is the logging interface used by the registry and its clients.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Registry holds the registered accounts in registration order.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	httpClient *http.Client
	logger     Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry creates an empty registry.
//
// Parameters:
//   - httpClient: Transport shared by every account client. The registry
//     owns it and releases its idle connections in Close.
//   - logger: Optional logger, passed on to the clients
func NewRegistry(httpClient *http.Client, logger Logger) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: thingsboard.DefaultTimeout}
	}
	return &Registry{
		httpClient: httpClient,
		logger:     logger,
		entries:    make(map[string]*Entry),
	}
}

// Register creates a client for the account, logs in and adds it.
//
// Returns:
//   - *Entry: The registered account
//   - error: ErrDuplicate if the id is taken, or the login error
func (r *Registry) Register(ctx context.Context, cfg config.AccountConfig) (*Entry, error) {
	if r.has(cfg.ID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, cfg.ID)
	}

	family, err := thingsboard.ParseFamily(cfg.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.ID, err)
	}

	opts := []thingsboard.Option{
		thingsboard.WithHTTPClient(r.httpClient),
		thingsboard.WithBaseURL(cfg.BaseURL),
	}
	if r.logger != nil {
		opts = append(opts, thingsboard.WithLogger(r.logger))
	}

	client, err := thingsboard.New(family, opts...)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.ID, err)
	}

	if err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.ID, err)
	}

	entry, err := r.adopt(cfg.ID, client, cfg.Username, cfg.Password)
	if err != nil {
		client.Close() //nolint:errcheck // Close only clears the session
		return nil, err
	}

	r.logInfo("account registered",
		"account", cfg.ID,
		"family", family.String())
	return entry, nil
}

// Adopt adds an already authenticated client under id. Adopted entries
// hold no credentials and cannot Reauthenticate.
func (r *Registry) Adopt(id string, client Client) (*Entry, error) {
	return r.adopt(id, client, "", "")
}

func (r *Registry) adopt(id string, client Client, username, password string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	entry := newEntry(id, client, username, password)
	r.entries[id] = entry
	r.order = append(r.order, id)
	return entry, nil
}

func (r *Registry) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Get returns the account with the given id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return entry, nil
}

// Entries returns all accounts in registration order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// FindDevice returns the account owning a device along with the device.
// Cached device lists are searched first, so a slow fetch on one account
// does not hold up a lookup answered by another. Missing lists are then
// fetched on demand; accounts whose list cannot be fetched are skipped.
func (r *Registry) FindDevice(ctx context.Context, deviceID string) (*Entry, thingsboard.Device, error) {
	entries := r.Entries()
	for _, entry := range entries {
		for _, d := range entry.CachedDevices() {
			if d.ID == deviceID {
				return entry, d, nil
			}
		}
	}

	for _, entry := range entries {
		if _, fetched, _ := entry.cached(); fetched {
			continue
		}
		devices, err := entry.Devices(ctx)
		if err != nil {
			r.logDebug("device lookup skipped account",
				"account", entry.ID,
				"error", err)
			continue
		}
		for _, d := range devices {
			if d.ID == deviceID {
				return entry, d, nil
			}
		}
	}
	return nil, thingsboard.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// Remove closes the account's client and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}

	if err := entry.Client.Close(); err != nil {
		return fmt.Errorf("closing account %s: %w", id, err)
	}
	r.logInfo("account removed", "account", id)
	return nil
}

// Close closes every client, then the shared transport's idle connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.entries = make(map[string]*Entry)
	r.order = nil
	r.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if err := entry.Client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing account %s: %w", entry.ID, err)
		}
	}

	r.httpClient.CloseIdleConnections()
	return firstErr
}

func (r *Registry) logInfo(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Registry) logDebug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}
