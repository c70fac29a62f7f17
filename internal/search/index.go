// Package search maintains the full-text index over clipboard items. Text
// items are indexed by content; image and file items participate through
// their name and tag labels only.
package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"clipvault/internal/database"
)

// Index wraps a Bleve search index
type Index struct {
	index bleve.Index
}

type indexedItem struct {
	Content  string   `json:"content"`
	Name     string   `json:"name"`
	Tags     []string `json:"tags"`
	Kind     string   `json:"kind"`
	Secret   bool     `json:"secret"`
	Favorite bool     `json:"favorite"`
}

// Open opens or creates a Bleve index at path.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx}, nil
}

// OpenInMemory creates a throwaway index, used in tests.
func OpenInMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	boolFieldMapping := bleve.NewBooleanFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("name", textFieldMapping)
	docMapping.AddFieldMappingsAt("tags", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("kind", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("secret", boolFieldMapping)
	docMapping.AddFieldMappingsAt("favorite", boolFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)

	return indexMapping
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// IndexEntry adds or replaces an item in the index.
func (i *Index) IndexEntry(entry database.TextEntry) error {
	doc := indexedItem{
		Content:  entry.Content,
		Name:     entry.Name,
		Tags:     entry.TagNames,
		Kind:     entry.Kind,
		Secret:   entry.IsSecret,
		Favorite: entry.Favorite,
	}
	return i.index.Index(docID(entry.ID), doc)
}

// Delete removes an item from the index.
func (i *Index) Delete(id int64) error {
	return i.index.Delete(docID(id))
}

// Rebuild reindexes every entry in one batch, used at startup to reconcile
// the index with the store.
func (i *Index) Rebuild(entries []database.TextEntry) error {
	batch := i.index.NewBatch()
	for _, entry := range entries {
		doc := indexedItem{
			Content:  entry.Content,
			Name:     entry.Name,
			Tags:     entry.TagNames,
			Kind:     entry.Kind,
			Secret:   entry.IsSecret,
			Favorite: entry.Favorite,
		}
		if err := batch.Index(docID(entry.ID), doc); err != nil {
			return fmt.Errorf("batch index %d: %w", entry.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Filters narrows a search beyond the text query. Dimensions compose with
// logical AND.
type Filters struct {
	Kind          string
	Tags          []string
	TagMatchAll   bool
	FavoriteOnly  bool
	IncludeSecret bool
}

// Search returns the ids of items matching the query, best first. Every
// whitespace-separated token must match (AND semantics); a query wrapped in
// double quotes matches as a phrase of whole tokens in order, so a fragment
// that starts or ends mid-word does not match. An empty or whitespace-only
// query matches nothing.
func (i *Index) Search(queryStr string, limit int, filters Filters) ([]int64, error) {
	queryStr = strings.TrimSpace(queryStr)
	if queryStr == "" {
		return nil, nil
	}
	if limit <= 0 || limit > database.MaxPageLimit {
		limit = database.MaxPageLimit
	}

	var conjuncts []query.Query

	if phrase, ok := phraseQuery(queryStr); ok {
		conjuncts = append(conjuncts, matchAnyField(func(field string) query.Query {
			q := bleve.NewMatchPhraseQuery(phrase)
			q.SetField(field)
			return q
		}))
	} else {
		for _, token := range strings.Fields(queryStr) {
			token := token
			conjuncts = append(conjuncts, matchAnyField(func(field string) query.Query {
				q := bleve.NewMatchQuery(token)
				q.SetField(field)
				return q
			}))
		}
	}
	if len(conjuncts) == 0 {
		return nil, nil
	}

	conjuncts = append(conjuncts, filterQueries(filters)...)

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(conjuncts...), limit, 0, false)
	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	ids := make([]int64, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// matchAnyField builds a disjunction of the same query over every searchable
// text field, so one token can match content, name or a tag label.
func matchAnyField(build func(field string) query.Query) query.Query {
	return bleve.NewDisjunctionQuery(
		build("content"),
		build("name"),
		build("tags"),
	)
}

func filterQueries(filters Filters) []query.Query {
	var qs []query.Query

	if !filters.IncludeSecret {
		q := bleve.NewBoolFieldQuery(false)
		q.SetField("secret")
		qs = append(qs, q)
	}
	if filters.Kind != "" {
		q := bleve.NewTermQuery(filters.Kind)
		q.SetField("kind")
		qs = append(qs, q)
	}
	if filters.FavoriteOnly {
		q := bleve.NewBoolFieldQuery(true)
		q.SetField("favorite")
		qs = append(qs, q)
	}
	if len(filters.Tags) > 0 {
		var tagQueries []query.Query
		for _, tag := range filters.Tags {
			q := bleve.NewTermQuery(tag)
			q.SetField("tags")
			tagQueries = append(tagQueries, q)
		}
		if filters.TagMatchAll {
			qs = append(qs, bleve.NewConjunctionQuery(tagQueries...))
		} else {
			qs = append(qs, bleve.NewDisjunctionQuery(tagQueries...))
		}
	}

	return qs
}

func phraseQuery(queryStr string) (string, bool) {
	if len(queryStr) >= 2 && strings.HasPrefix(queryStr, `"`) && strings.HasSuffix(queryStr, `"`) {
		return strings.Trim(queryStr, `"`), true
	}
	return "", false
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Count returns the number of indexed items.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
