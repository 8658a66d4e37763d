package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexacart/backend/internal/domain"
)

// MockPreferenceRepository is an in-memory domain.PreferenceRepository
type MockPreferenceRepository struct {
	mu        sync.Mutex
	items     map[int64]*domain.GroceryItem
	nextID    int64
	saveCalls int
	findError error
	seen      map[string]time.Time
}

func NewMockPreferenceRepository() *MockPreferenceRepository {
	return &MockPreferenceRepository{
		items: make(map[int64]*domain.GroceryItem),
		seen:  make(map[string]time.Time),
	}
}

func copyItem(item *domain.GroceryItem) *domain.GroceryItem {
	out := *item
	out.Aliases = append([]string(nil), item.Aliases...)
	out.Products = append([]domain.CandidateProduct(nil), item.Products...)
	return &out
}

// seed stores an item with the given aliases and products, returning its id
func (m *MockPreferenceRepository) seed(name string, aliases []string, products ...domain.CandidateProduct) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.items[m.nextID] = &domain.GroceryItem{
		ID:       m.nextID,
		Name:     name,
		Aliases:  append([]string{name}, aliases...),
		Products: products,
	}
	return m.nextID
}

func (m *MockPreferenceRepository) Get(ctx context.Context, id int64) (*domain.GroceryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyItem(item), nil
}

func (m *MockPreferenceRepository) FindByName(ctx context.Context, name string) (*domain.GroceryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findError != nil {
		return nil, m.findError
	}
	for _, item := range m.items {
		if item.Name == name {
			return copyItem(item), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPreferenceRepository) FindByAlias(ctx context.Context, alias string) (*domain.GroceryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.HasAlias(alias) {
			return copyItem(item), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPreferenceRepository) List(ctx context.Context) ([]domain.GroceryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.GroceryItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, *copyItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MockPreferenceRepository) Create(ctx context.Context, name string) (*domain.GroceryItem, error) {
	id := m.seed(name, nil)
	return m.Get(ctx, id)
}

func (m *MockPreferenceRepository) Save(ctx context.Context, item *domain.GroceryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return domain.ErrNotFound
	}
	m.saveCalls++
	m.items[item.ID] = copyItem(item)
	return nil
}

func (m *MockPreferenceRepository) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *MockPreferenceRepository) Merge(ctx context.Context, target *domain.GroceryItem, sourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sourceID)
	m.items[target.ID] = copyItem(target)
	return nil
}

func (m *MockPreferenceRepository) MarkSeenInStock(ctx context.Context, id int64, url string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[domain.ProductKey(url)] = at
	return nil
}

func (m *MockPreferenceRepository) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// MockCartDriver is a scripted domain.CartDriver
type MockCartDriver struct {
	mu        sync.Mutex
	results   map[string][]domain.Product
	searchErr map[string]error
	addErr    map[string]error
	added     []string
	searches  []string
	// delay holds every search until released when non-nil
	delay chan struct{}
	// addDelay stalls every cart add, ignoring ctx
	addDelay time.Duration

	running    atomic.Int32
	maxRunning atomic.Int32
}

func NewMockCartDriver() *MockCartDriver {
	return &MockCartDriver{
		results:   make(map[string][]domain.Product),
		searchErr: make(map[string]error),
		addErr:    make(map[string]error),
	}
}

func (m *MockCartDriver) Search(ctx context.Context, query string) ([]domain.Product, error) {
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		peak := m.maxRunning.Load()
		if n <= peak || m.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}

	m.mu.Lock()
	m.searches = append(m.searches, query)
	delay := m.delay
	m.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.searchErr[query]; err != nil {
		return nil, err
	}
	return append([]domain.Product(nil), m.results[query]...), nil
}

func (m *MockCartDriver) AddToCart(ctx context.Context, productURL string) error {
	if m.addDelay > 0 {
		time.Sleep(m.addDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addErr[productURL]; err != nil {
		return err
	}
	m.added = append(m.added, productURL)
	return nil
}

func (m *MockCartDriver) addedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.added...)
}

func (m *MockCartDriver) searchedQueries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.searches...)
}

// MockListSource is a scripted domain.ListSource
type MockListSource struct {
	mu         sync.Mutex
	entries    []domain.ListEntry
	fetchErr   error
	checkErr   map[string]error
	checkedOff []string
}

func NewMockListSource(names ...string) *MockListSource {
	m := &MockListSource{checkErr: make(map[string]error)}
	for i, n := range names {
		m.entries = append(m.entries, domain.ListEntry{ID: string(rune('a' + i)), Name: n})
	}
	return m
}

func (m *MockListSource) FetchItems(ctx context.Context) ([]domain.ListEntry, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]domain.ListEntry(nil), m.entries...), nil
}

func (m *MockListSource) CheckOff(ctx context.Context, entry domain.ListEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkErr[entry.Name]; err != nil {
		return err
	}
	m.checkedOff = append(m.checkedOff, entry.Name)
	return nil
}

func (m *MockListSource) checked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.checkedOff...)
}

// MockOrderLogRepository keeps log entries in memory, newest first on Recent
type MockOrderLogRepository struct {
	mu        sync.Mutex
	entries   []domain.OrderLogEntry
	appendErr error
}

func (m *MockOrderLogRepository) Append(ctx context.Context, entries []domain.OrderLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, e := range entries {
		e.ID = int64(len(m.entries) + 1)
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *MockOrderLogRepository) Recent(ctx context.Context, limit int) ([]domain.OrderLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderLogEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MockOrderLogRepository) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *MockOrderLogRepository) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

func (m *MockOrderLogRepository) all() []domain.OrderLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderLogEntry(nil), m.entries...)
}

// mapRegistry is a domain.SessionRegistry without expiry
type mapRegistry struct {
	mu       sync.Mutex
	sessions map[string]*domain.OrderSession
}

func newMapRegistry() *mapRegistry {
	return &mapRegistry{sessions: make(map[string]*domain.OrderSession)}
}

func (r *mapRegistry) Put(s *domain.OrderSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *mapRegistry) Get(id string) (*domain.OrderSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *mapRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

var errBoom = errors.New("boom")
