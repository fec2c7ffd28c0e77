package datasets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lexops/practiceops/pkg/appconfig"
)

// DatasetID names a dataset. The set is closed: every valid ID appears in
// builtins.
type DatasetID string

const (
	Matters            DatasetID = "matters"
	Tasks              DatasetID = "tasks"
	Calendar           DatasetID = "calendar"
	BillingCurrent     DatasetID = "billing-current"
	TrustBalances      DatasetID = "trust-balances"
	RevenueHistory     DatasetID = "revenue-history"
	UtilizationHistory DatasetID = "utilization-history"
	CollectionsAging   DatasetID = "collections-aging"
)

// Class decides how the orchestrator schedules a dataset.
type Class string

const (
	// Light datasets run concurrently and stop when the client leaves.
	Light Class = "light"
	// Heavy datasets run one at a time and finish even after the client
	// leaves, so the result still lands in the cache.
	Heavy Class = "heavy"
)

// ErrUnknownDataset is returned for names outside the registry.
var ErrUnknownDataset = errors.New("unknown dataset")

// ParseClass parses "light" or "heavy".
func ParseClass(s string) (Class, error) {
	switch c := Class(strings.ToLower(strings.TrimSpace(s))); c {
	case Light, Heavy:
		return c, nil
	}
	return "", fmt.Errorf("unknown dataset class %q", s)
}

// FetchFunc loads a dataset from its sources.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Descriptor is the resolved configuration of one dataset.
type Descriptor struct {
	ID    DatasetID
	Class Class
	TTL   time.Duration
	Fetch FetchFunc
}

// builtin is a row of the default table. apiPath is empty for datasets that
// only live in the snapshot database.
type builtin struct {
	id      DatasetID
	class   Class
	ttl     time.Duration
	apiPath string
}

var builtins = []builtin{
	{Matters, Light, 15 * time.Minute, "/v1/matters"},
	{Tasks, Light, 5 * time.Minute, "/v1/tasks"},
	{Calendar, Light, 10 * time.Minute, "/v1/calendar/events"},
	{BillingCurrent, Light, 30 * time.Minute, "/v1/billing/current-period"},
	{TrustBalances, Light, 30 * time.Minute, ""},
	{RevenueHistory, Heavy, 6 * time.Hour, "/v1/reports/revenue"},
	{UtilizationHistory, Heavy, 4 * time.Hour, ""},
	{CollectionsAging, Heavy, 8 * time.Hour, "/v1/reports/collections-aging"},
}

// AllDatasets lists every dataset ID in table order.
func AllDatasets() []DatasetID {
	ids := make([]DatasetID, len(builtins))
	for i, b := range builtins {
		ids[i] = b.id
	}
	return ids
}

// ParseDatasetID validates a dataset name.
func ParseDatasetID(name string) (DatasetID, error) {
	id := DatasetID(strings.ToLower(strings.TrimSpace(name)))
	for _, b := range builtins {
		if b.id == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownDataset, name)
}

// Registry maps dataset IDs to descriptors. It is built once at startup and
// read-only afterwards.
type Registry struct {
	order []DatasetID
	byID  map[DatasetID]Descriptor
}

// NewRegistry resolves the default table against fetchers and config
// overrides. Every dataset needs a fetcher; an override naming an unknown
// dataset or class is an error.
func NewRegistry(fetchers map[DatasetID]FetchFunc, overrides map[string]appconfig.DatasetOverride) (*Registry, error) {
	r := &Registry{byID: make(map[DatasetID]Descriptor, len(builtins))}
	for _, b := range builtins {
		fetch, ok := fetchers[b.id]
		if !ok || fetch == nil {
			return nil, fmt.Errorf("datasets: no fetch function for %s", b.id)
		}
		r.order = append(r.order, b.id)
		r.byID[b.id] = Descriptor{ID: b.id, Class: b.class, TTL: b.ttl, Fetch: fetch}
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o := overrides[name]
		id, err := ParseDatasetID(name)
		if err != nil {
			return nil, fmt.Errorf("datasets: config override: %w", err)
		}
		d := r.byID[id]
		if o.TTL > 0 {
			d.TTL = o.TTL
		}
		if o.Class != "" {
			c, err := ParseClass(o.Class)
			if err != nil {
				return nil, fmt.Errorf("datasets: config override for %s: %w", id, err)
			}
			d.Class = c
		}
		r.byID[id] = d
	}
	return r, nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id DatasetID) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Resolve turns requested names into descriptors, dropping duplicates and
// keeping request order.
func (r *Registry) Resolve(names []string) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(names))
	seen := make(map[DatasetID]bool, len(names))
	for _, name := range names {
		id, err := ParseDatasetID(name)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r.byID[id])
	}
	return out, nil
}

// Descriptors returns every descriptor in table order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.order))
	for i, id := range r.order {
		out[i] = r.byID[id]
	}
	return out
}

// ByClass returns the descriptors of one class in table order.
func (r *Registry) ByClass(c Class) []Descriptor {
	var out []Descriptor
	for _, id := range r.order {
		if d := r.byID[id]; d.Class == c {
			out = append(out, d)
		}
	}
	return out
}
