// Package storage keeps crawled products in a local JSON file so one-off
// crawls can be inspected or diffed without a database.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/maltedev/seed-scraper/internal/models"
)

type Entry struct {
	Product   models.CrawledProduct `json:"product"`
	FirstSeen time.Time             `json:"first_seen"`
	LastSeen  time.Time             `json:"last_seen"`
	Runs      int                   `json:"runs"`
}

// Snapshot is a slug-keyed product file. Writes go through a temp file and a
// rename so a crash never leaves a truncated file behind.
type Snapshot struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	filename string
	now      func() time.Time
}

func Open(filename string) (*Snapshot, error) {
	s := &Snapshot{
		entries:  make(map[string]*Entry),
		filename: filename,
		now:      time.Now,
	}

	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot %s: %w", filename, err)
	}

	return s, nil
}

// Merge records products from one run and returns how many slugs were new.
// Products without a slug are skipped.
func (s *Snapshot) Merge(products []models.CrawledProduct) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	added := 0
	for _, p := range products {
		if p.Slug == "" {
			continue
		}
		e, ok := s.entries[p.Slug]
		if !ok {
			e = &Entry{FirstSeen: now}
			s.entries[p.Slug] = e
			added++
		}
		e.Product = p
		e.LastSeen = now
		e.Runs++
	}

	return added, s.save()
}

func (s *Snapshot) Get(slug string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[slug]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Products returns the stored products ordered by slug.
func (s *Snapshot) Products() []models.CrawledProduct {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CrawledProduct, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Product)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Snapshot) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmpFile, s.filename)
}

func (s *Snapshot) load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.entries)
}
