// Package adapters holds the per-site knowledge needed to turn a listing page
// into products: how page N of a source is addressed and which selectors
// locate product cards, prices and pagination.
package adapters

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maltedev/seed-scraper/internal/models"
)

var ErrUnknownAdapter = errors.New("unknown source adapter")

// Extraction is what one listing page yields. NextPageURL and TotalPages are
// pagination hints; either may be empty when the page does not expose them.
type Extraction struct {
	Products    []models.CrawledProduct
	NextPageURL string
	TotalPages  int
}

type Adapter interface {
	Name() string
	BuildPageURL(baseURL string, page int) string
	Extract(body []byte, pageURL string) (Extraction, error)
}

// BrowserAdapter is implemented by adapters whose sites only render
// products client-side.
type BrowserAdapter interface {
	RequiresBrowser() bool
}

func RequiresBrowser(a Adapter) bool {
	b, ok := a.(BrowserAdapter)
	return ok && b.RequiresBrowser()
}

// Registry is a static name -> adapter map.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// DefaultRegistry contains every built-in site adapter.
func DefaultRegistry() *Registry {
	sites := BuiltinSites()
	list := make([]Adapter, 0, len(sites))
	for _, site := range sites {
		list = append(list, NewSelectorAdapter(site))
	}
	return NewRegistry(list...)
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
