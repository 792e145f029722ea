package tools

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
)

// ErrDocumentNotFound is returned by get_document for unknown ids.
var ErrDocumentNotFound = errors.New("tools: document not found")

// Document is one entry in the in-memory corpus.
type Document struct {
	ID      string   `json:"document_id"`
	Title   string   `json:"title"`
	Type    string   `json:"document_type"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// DocumentTools serves search and retrieval over an in-memory corpus.
// Corpus contents are fixed after construction.
type DocumentTools struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewDocumentTools seeds the corpus.
func NewDocumentTools(docs []Document) *DocumentTools {
	m := make(map[string]Document, len(docs))
	for _, d := range docs {
		m[d.ID] = d
	}
	return &DocumentTools{docs: m}
}

// Register adds the document tools to the catalog.
func (t *DocumentTools) Register(c *catalog.Catalog) error {
	if err := c.Register(catalog.Descriptor{
		Name:        "search_documents",
		Description: "Search the document corpus by keyword",
		Category:    "document",
		Params: map[string]catalog.ParamSpec{
			"query":         {Type: "string", Description: "Search terms", Required: true},
			"document_type": {Type: "string", Description: "Restrict to one document type", Default: "all"},
			"limit":         {Type: "integer", Description: "Maximum hits to return", Default: 50},
		},
		ReturnType: "object",
	}, t.searchDocuments); err != nil {
		return err
	}
	return c.Register(catalog.Descriptor{
		Name:        "get_document",
		Description: "Fetch one document by id",
		Category:    "document",
		Params: map[string]catalog.ParamSpec{
			"document_id": {Type: "string", Description: "Document id", Required: true},
		},
		ReturnType: "object",
	}, t.getDocument)
}

func (t *DocumentTools) searchDocuments(_ context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	query, _ := args["query"].(string)
	docType, _ := args["document_type"].(string)
	limit := intArg(args, "limit", 50)

	terms := strings.Fields(strings.ToLower(query))

	t.mu.RLock()
	defer t.mu.RUnlock()

	type hit struct {
		doc   Document
		score int
	}
	var hits []hit
	for _, d := range t.docs {
		if docType != "" && docType != "all" && d.Type != docType {
			continue
		}
		haystack := strings.ToLower(d.Title + " " + d.Content + " " + strings.Join(d.Tags, " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{doc: d, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc.ID < hits[j].doc.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]interface{}{
			"document_id":   h.doc.ID,
			"title":         h.doc.Title,
			"document_type": h.doc.Type,
			"score":         h.score,
		})
	}
	return map[string]interface{}{
		"results": results,
		"count":   len(results),
	}, nil
}

func (t *DocumentTools) getDocument(_ context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	id, _ := args["document_id"].(string)

	t.mu.RLock()
	defer t.mu.RUnlock()
	doc, ok := t.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}
