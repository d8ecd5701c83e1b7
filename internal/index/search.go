package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/unicodenorm"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/nhle/mailsync/internal/model"
)

const (
	messageAnalyzer = "message"
	messageDocType  = "message"
	maxBatchSize    = 64
)

const unicodeNormalizeName = "unicodeNormalize"

// document is what the search index stores for an entry.
type document struct {
	Subject string     `json:"subject"`
	From    string     `json:"from"`
	Labels  []string   `json:"labels"`
	StoreID float64    `json:"store_id"`
	Date    *time.Time `json:"date,omitempty"`
}

// Type returns the document type, for bleve's mapping.Classifier interface.
func (d *document) Type() string {
	return messageDocType
}

func newDocument(e model.Entry) *document {
	doc := &document{
		Subject: e.Subject,
		From:    e.From,
		Labels:  e.Labels,
		StoreID: float64(e.StoreID),
	}
	if !e.Date.IsZero() {
		date := e.Date
		doc.Date = &date
	}
	return doc
}

// generateMapping builds the index mapping for message documents.
func generateMapping() (mapping.IndexMapping, error) {
	m := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("subject", textFieldMapping)
	docMapping.AddFieldMappingsAt("from", textFieldMapping)

	labelFieldMapping := bleve.NewKeywordFieldMapping()
	labelFieldMapping.Store = false
	labelFieldMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt("labels", labelFieldMapping)

	numericFieldMapping := bleve.NewNumericFieldMapping()
	numericFieldMapping.Store = false
	numericFieldMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt("store_id", numericFieldMapping)

	dateFieldMapping := bleve.NewDateTimeFieldMapping()
	dateFieldMapping.Store = false
	dateFieldMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt("date", dateFieldMapping)

	if err := m.AddCustomTokenFilter(unicodeNormalizeName, map[string]any{
		"type": unicodenorm.Name,
		"form": unicodenorm.NFC,
	}); err != nil {
		return nil, err
	} else if err = m.AddCustomAnalyzer(messageAnalyzer, map[string]any{
		"type":          custom.Name,
		"char_filters":  []string{},
		"tokenizer":     unicode.Name,
		"token_filters": []string{unicodeNormalizeName, lowercase.Name},
	}); err != nil {
		return nil, err
	}

	m.DefaultAnalyzer = messageAnalyzer
	m.AddDocumentMapping(messageDocType, docMapping)
	m.DefaultMapping = bleve.NewDocumentDisabledMapping()

	return m, nil
}

// flushingBatch indexes in batches of at most maxSize operations.
type flushingBatch struct {
	index   bleve.Index
	batch   *bleve.Batch
	maxSize int
}

func newFlushingBatch(index bleve.Index, maxSize int) *flushingBatch {
	return &flushingBatch{index: index, batch: index.NewBatch(), maxSize: maxSize}
}

func (b *flushingBatch) Index(id string, data any) error {
	if err := b.batch.Index(id, data); err != nil {
		return err
	}
	return b.flushIfFull()
}

func (b *flushingBatch) Delete(id string) {
	b.batch.Delete(id)
	_ = b.flushIfFull()
}

func (b *flushingBatch) flushIfFull() error {
	if b.batch.Size() < b.maxSize {
		return nil
	}
	return b.Flush()
}

func (b *flushingBatch) Flush() error {
	if b.batch.Size() == 0 {
		return nil
	}
	if err := b.index.Batch(b.batch); err != nil {
		return fmt.Errorf("flushing search batch: %w", err)
	}
	b.batch.Reset()
	return nil
}

// Search returns up to limit entries matching q, best matches first.
// q uses the bleve query string syntax: bare words match subject and
// sender, "labels:unread" matches a label. An empty q lists the newest
// entries.
func (ix *Index) Search(ctx context.Context, q string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var bq query.Query
	sortBy := []string{"-date"}
	if strings.TrimSpace(q) == "" {
		bq = bleve.NewMatchAllQuery()
	} else {
		bq = bleve.NewQueryStringQuery(q)
		sortBy = []string{"-_score", "-date"}
	}
	req := bleve.NewSearchRequestOptions(bq, limit, 0, false)
	req.SortBy(sortBy)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	res, err := ix.search.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", q, err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ix.store.GetEntriesByIDs(ctx, ids)
}
