package dictionary

import (
	"context"
	"slices"

	"github.com/liamcoop/datadictionary/visibility"
)

// VisibilityFilter decides whether a marked entry is visible to a set of
// credentials. *visibility.Engine satisfies it.
type VisibilityFilter interface {
	IsVisible(m visibility.Markings, auths visibility.Auths) (bool, error)
}

// Page selects a window of the sorted visible entries. A zero Limit means
// no limit.
type Page struct {
	Offset int
	Limit  int
}

func (p Page) apply(entries []DictionaryEntry) []DictionaryEntry {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Offset >= len(entries) {
		return []DictionaryEntry{}
	}
	entries = entries[p.Offset:]
	if p.Limit > 0 && p.Limit < len(entries) {
		entries = entries[:p.Limit]
	}
	return entries
}

// Aggregation is the result of one Aggregate call.
type Aggregation struct {
	Result DictionaryResult

	// Hidden counts the raw entries removed by visibility filtering.
	Hidden int

	// MarkingErrors holds one error per raw entry hidden because its
	// markings could not be parsed.
	MarkingErrors []error
}

// Aggregator turns raw repository rows into a visibility-filtered, merged and
// sorted dictionary result. It holds no per-request state.
type Aggregator struct {
	filter VisibilityFilter
}

// NewAggregator creates an aggregator evaluating markings with filter.
func NewAggregator(filter VisibilityFilter) *Aggregator {
	return &Aggregator{filter: filter}
}

// checkEvery is how many raw entries are processed between context checks.
const checkEvery = 256

type group struct {
	key     EntryKey
	entries []MetadataEntry
}

// Aggregate groups raw by entry key, drops the sub-entries auths cannot see,
// merges the rest and returns the requested page. TotalResults counts every
// group found, visible or not. The input slice is not modified.
func (a *Aggregator) Aggregate(ctx context.Context, raw []MetadataEntry, auths visibility.Auths, page Page) (*Aggregation, error) {
	groups, err := groupEntries(ctx, raw)
	if err != nil {
		return nil, err
	}

	agg := &Aggregation{}
	visible := make([]DictionaryEntry, 0, len(groups))
	processed := 0
	for _, g := range groups {
		var kept []MetadataEntry
		for _, e := range g.entries {
			if processed++; processed%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			ok, err := a.filter.IsVisible(e.Markings, auths)
			if err != nil {
				agg.MarkingErrors = append(agg.MarkingErrors, err)
			}
			if !ok {
				agg.Hidden++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) > 0 {
			visible = append(visible, merge(g.key, kept))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(visible, func(x, y DictionaryEntry) int {
		return x.Key().Compare(y.Key())
	})

	agg.Result = DictionaryResult{
		Entries:      page.apply(visible),
		TotalResults: len(groups),
	}
	return agg, nil
}

func groupEntries(ctx context.Context, raw []MetadataEntry) ([]*group, error) {
	index := make(map[EntryKey]*group)
	var groups []*group
	for i, e := range raw {
		if i > 0 && i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		k := e.Key()
		g, ok := index[k]
		if !ok {
			g = &group{key: k}
			index[k] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	return groups, ctx.Err()
}

// merge folds the visible sub-entries of one key into a single entry.
// Descriptions are unioned in first-seen order, markings AND-combined,
// extra info keeps the first value seen per key.
func merge(key EntryKey, entries []MetadataEntry) DictionaryEntry {
	out := DictionaryEntry{
		DataType:  key.DataType,
		FieldName: key.FieldName,
	}
	if entries[0].Edge != nil {
		edge := *entries[0].Edge
		out.Edge = &edge
	}

	seen := make(map[[2]string]bool)
	markings := make([]visibility.Markings, 0, len(entries))
	for _, e := range entries {
		markings = append(markings, e.Markings)

		if e.IsDescription() {
			id := [2]string{e.Description, e.Markings.Key()}
			if !seen[id] {
				seen[id] = true
				out.Descriptions = append(out.Descriptions, Description{
					Text:     e.Description,
					Markings: e.Markings.Clone(),
				})
			}
		}

		for k, v := range e.ExtraInfo {
			if out.ExtraInfo == nil {
				out.ExtraInfo = make(map[string]string)
			}
			if _, exists := out.ExtraInfo[k]; !exists {
				out.ExtraInfo[k] = v
			}
		}

		if e.LastUpdated.After(out.LastUpdated) {
			out.LastUpdated = e.LastUpdated
		}
	}
	out.Markings = visibility.Combine(markings...)
	return out
}
