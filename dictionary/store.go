package dictionary

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/datadictionary/visibility"
)

// Scope narrows a repository scan.
type Scope struct {
	Kind          EntryKind
	DataTypes     []string // empty means every data type
	FieldName     string   // empty means every field
	DescribedOnly bool     // only rows carrying a description
}

func (s Scope) matches(e MetadataEntry) bool {
	if e.Kind() != s.Kind {
		return false
	}
	if len(s.DataTypes) > 0 && !slices.Contains(s.DataTypes, e.DataType) {
		return false
	}
	if s.FieldName != "" && e.FieldName != s.FieldName {
		return false
	}
	if s.DescribedOnly && !e.IsDescription() {
		return false
	}
	return true
}

// DescriptionKey identifies one description row: the field it describes and
// the markings it was written under.
type DescriptionKey struct {
	DataType  string
	FieldName string
	Markings  visibility.Markings
}

// Validate checks that k names a field and carries well-formed markings.
func (k DescriptionKey) Validate() error {
	if strings.TrimSpace(k.DataType) == "" {
		return fmt.Errorf("%w: data type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(k.FieldName) == "" {
		return fmt.Errorf("%w: field name is required", ErrInvalidInput)
	}
	for _, category := range k.Markings.Categories() {
		if err := visibility.Validate(k.Markings[category]); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, &visibility.MalformedMarkingError{
				Category:   category,
				Expression: k.Markings[category],
				Err:        err,
			})
		}
	}
	return nil
}

// normalized returns k with its markings trimmed and blank categories
// dropped, so a key reads the same whichever boundary built it.
func (k DescriptionKey) normalized() DescriptionKey {
	k.Markings = k.Markings.Normalize()
	return k
}

func (k DescriptionKey) matches(e MetadataEntry) bool {
	return e.Edge == nil && e.IsDescription() &&
		e.DataType == k.DataType && e.FieldName == k.FieldName &&
		e.Markings.Key() == k.Markings.Key()
}

// DescriptionMutation sets the description of a field under some markings.
type DescriptionMutation struct {
	DescriptionKey
	Description string
}

// Validate checks the key and requires a non-blank description.
func (m DescriptionMutation) Validate() error {
	if err := m.DescriptionKey.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	return nil
}

// Repository reads and writes the raw entries of one metadata table.
type Repository interface {
	// Scan returns the raw entries in scope, in storage order.
	Scan(ctx context.Context, scope Scope) ([]MetadataEntry, error)

	// UpsertDescription creates the description row for the mutation's key,
	// or replaces its text when one already exists.
	UpsertDescription(ctx context.Context, m DescriptionMutation) error

	// DeleteDescription removes a description row. It returns ErrNotFound
	// when no row matches.
	DeleteDescription(ctx context.Context, key DescriptionKey) error
}

// InMemoryRepository implements Repository using an in-memory slice.
// Entries keep their insertion order. Safe for concurrent use.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []MetadataEntry
	now     func() time.Time
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// Load appends raw entries. Entries without a LastUpdated time are stamped
// with the current time.
func (r *InMemoryRepository) Load(entries ...MetadataEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		e = e.Clone()
		if e.LastUpdated.IsZero() {
			e.LastUpdated = r.now()
		}
		r.entries = append(r.entries, e)
	}
}

// Len returns the number of raw entries held.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Scan implements Repository.
func (r *InMemoryRepository) Scan(ctx context.Context, scope Scope) ([]MetadataEntry, error) {
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []MetadataEntry
	for _, e := range r.entries {
		if scope.matches(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// UpsertDescription implements Repository.
func (r *InMemoryRepository) UpsertDescription(ctx context.Context, m DescriptionMutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := contextError(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i := range r.entries {
		if m.DescriptionKey.matches(r.entries[i]) {
			r.entries[i].Description = m.Description
			r.entries[i].LastUpdated = now
			return nil
		}
	}

	r.entries = append(r.entries, MetadataEntry{
		DataType:    m.DataType,
		FieldName:   m.FieldName,
		Description: m.Description,
		Markings:    m.Markings.Clone(),
		LastUpdated: now,
	})
	return nil
}

// DeleteDescription implements Repository.
func (r *InMemoryRepository) DeleteDescription(ctx context.Context, key DescriptionKey) error {
	if err := contextError(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if key.matches(r.entries[i]) {
			r.entries = slices.Delete(r.entries, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("description for %s/%s: %w", key.DataType, key.FieldName, ErrNotFound)
}
