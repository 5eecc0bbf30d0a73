// Package storage is the in-memory document engine behind the bundled
// server: collections keyed by full name, insertion-ordered documents,
// operator-aware filtering, and modifier/replacement update semantics.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// ErrDuplicateKey is returned by Insert when a document with the same
// identifier already exists.
var ErrDuplicateKey = errors.New("storage: duplicate key")

// Collection holds documents in insertion order.
type Collection struct {
	Name  string
	order []string
	docs  map[string]*domain.Document
}

func newCollection(name string) *Collection {
	return &Collection{Name: name, docs: make(map[string]*domain.Document)}
}

// collectionLock provides per-collection concurrency control.
type collectionLock struct {
	mu sync.RWMutex
}

// Engine is the storage engine.
type Engine struct {
	mu          sync.RWMutex
	collections map[string]*Collection

	collectionLocks map[string]*collectionLock
	locksMu         sync.RWMutex

	dataFile string
}

// NewEngine creates an engine with the given options.
func NewEngine(options ...Option) *Engine {
	e := &Engine{
		collections:     make(map[string]*Collection),
		collectionLocks: make(map[string]*collectionLock),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// getOrCreateCollectionLock gets or creates a lock for a collection.
func (e *Engine) getOrCreateCollectionLock(name string) *collectionLock {
	e.locksMu.RLock()
	if lock, exists := e.collectionLocks[name]; exists {
		e.locksMu.RUnlock()
		return lock
	}
	e.locksMu.RUnlock()

	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	// Double-check in case another goroutine created it
	if lock, exists := e.collectionLocks[name]; exists {
		return lock
	}
	lock := &collectionLock{}
	e.collectionLocks[name] = lock
	return lock
}

func (e *Engine) getOrCreateCollection(name string) *Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	coll, exists := e.collections[name]
	if !exists {
		coll = newCollection(name)
		e.collections[name] = coll
	}
	return coll
}

func (e *Engine) getCollection(name string) (*Collection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	coll, exists := e.collections[name]
	return coll, exists
}

// idKey builds the canonical map key for an identifier value. The type
// prefix keeps string "5" distinct from integer 5.
func idKey(v interface{}) string {
	switch id := v.(type) {
	case domain.ObjectId:
		return "o:" + id.Hex()
	case string:
		return "s:" + id
	case nil:
		return "n:"
	}
	if n, ok := domain.ToFloat64(v); ok {
		return fmt.Sprintf("i:%v", n)
	}
	return fmt.Sprintf("x:%v", v)
}

// Insert stores a document, assigning a fresh ObjectId when the
// identifier field is missing. Duplicate identifiers fail with
// ErrDuplicateKey.
func (e *Engine) Insert(collName string, doc *domain.Document) error {
	coll := e.getOrCreateCollection(collName)
	lock := e.getOrCreateCollectionLock(collName)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	id, ok := doc.Get(codec.IDFieldName)
	if !ok {
		id = domain.NewObjectId()
		// The identifier leads the stored document.
		withID := domain.NewDocument().Set(codec.IDFieldName, id)
		for _, k := range doc.Keys() {
			v, _ := doc.Get(k)
			withID.Set(k, v)
		}
		doc = withID
	}
	key := idKey(id)
	if _, exists := coll.docs[key]; exists {
		return fmt.Errorf("%w: %v in collection %s", ErrDuplicateKey, id, collName)
	}
	coll.docs[key] = doc
	coll.order = append(coll.order, key)
	return nil
}

// UpdateResult describes the effect of an update.
type UpdateResult struct {
	Matched         int
	UpdatedExisting bool
	UpsertedID      interface{}
}

// Update applies a modifier or replacement document to matching documents.
// Modifier documents (all top-level keys are operators) mutate fields in
// place; replacement documents replace everything except the identifier.
// With upsert, a zero-match update inserts a new document instead. With
// multi, every match is updated rather than the first.
func (e *Engine) Update(collName string, selector, update *domain.Document, upsert, multi bool) (UpdateResult, error) {
	var result UpdateResult
	coll := e.getOrCreateCollection(collName)
	lock := e.getOrCreateCollectionLock(collName)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	modifier := isModifierDoc(update)
	for _, key := range coll.order {
		doc := coll.docs[key]
		if !Matches(doc, selector) {
			continue
		}
		var updated *domain.Document
		var err error
		if modifier {
			updated, err = applyModifiers(doc, update)
		} else {
			updated, err = replaceDocument(doc, update)
		}
		if err != nil {
			return result, err
		}
		coll.docs[key] = updated
		result.Matched++
		result.UpdatedExisting = true
		if !multi {
			break
		}
	}
	if result.Matched > 0 || !upsert {
		return result, nil
	}

	// Upsert: build the new document from the update, seeded with the
	// selector's plain equality fields when the update is a modifier.
	var doc *domain.Document
	var err error
	if modifier {
		seed := domain.NewDocument()
		for _, k := range selector.Keys() {
			v, _ := selector.Get(k)
			if sub, ok := v.(*domain.Document); ok && isOperatorDoc(sub) {
				continue
			}
			seed.Set(k, v)
		}
		doc, err = applyModifiers(seed, update)
		if err != nil {
			return result, err
		}
	} else {
		doc = update.Clone()
	}
	id, ok := doc.Get(codec.IDFieldName)
	if !ok {
		if sid, selOK := selector.Get(codec.IDFieldName); selOK {
			id = sid
		} else {
			id = domain.NewObjectId()
		}
		withID := domain.NewDocument().Set(codec.IDFieldName, id)
		for _, k := range doc.Keys() {
			v, _ := doc.Get(k)
			withID.Set(k, v)
		}
		doc = withID
	}
	key := idKey(id)
	if _, exists := coll.docs[key]; exists {
		return result, fmt.Errorf("%w: %v in collection %s", ErrDuplicateKey, id, collName)
	}
	coll.docs[key] = doc
	coll.order = append(coll.order, key)
	result.UpsertedID = id
	return result, nil
}

// Delete removes every document matching the selector and returns the
// removed count.
func (e *Engine) Delete(collName string, selector *domain.Document) (int, error) {
	coll, exists := e.getCollection(collName)
	if !exists {
		return 0, nil
	}
	lock := e.getOrCreateCollectionLock(collName)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	removed := 0
	kept := coll.order[:0]
	for _, key := range coll.order {
		if Matches(coll.docs[key], selector) {
			delete(coll.docs, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	coll.order = kept
	return removed, nil
}

// Find returns matching documents in insertion order, after skip and
// limit. A zero or negative limit returns every match. The returned
// documents are immutable snapshots: updates replace stored documents
// rather than mutating them.
func (e *Engine) Find(collName string, selector, projection *domain.Document, skip, limit int32) ([]*domain.Document, error) {
	coll, exists := e.getCollection(collName)
	if !exists {
		return nil, nil
	}
	lock := e.getOrCreateCollectionLock(collName)
	lock.mu.RLock()
	defer lock.mu.RUnlock()

	var results []*domain.Document
	skipped := int32(0)
	for _, key := range coll.order {
		doc := coll.docs[key]
		if selector.Len() > 0 && !Matches(doc, selector) {
			continue
		}
		if skipped < skip {
			skipped++
			continue
		}
		if projection != nil && projection.Len() > 0 {
			doc = project(doc, projection)
		}
		results = append(results, doc)
		if limit > 0 && int32(len(results)) >= limit {
			break
		}
	}
	return results, nil
}

// Count returns the number of documents matching the selector.
func (e *Engine) Count(collName string, selector *domain.Document) (int, error) {
	docs, err := e.Find(collName, selector, nil, 0, 0)
	return len(docs), err
}

// Drop removes a collection, reporting whether it existed.
func (e *Engine) Drop(collName string) bool {
	e.mu.Lock()
	_, existed := e.collections[collName]
	delete(e.collections, collName)
	e.mu.Unlock()
	return existed
}

// DropDatabase removes every collection with the given database prefix.
func (e *Engine) DropDatabase(db string) int {
	prefix := db + "."
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for name := range e.collections {
		if strings.HasPrefix(name, prefix) {
			delete(e.collections, name)
			dropped++
		}
	}
	return dropped
}

// Collections returns the full names of every collection.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// DocumentCount returns the number of documents in a collection.
func (e *Engine) DocumentCount(collName string) int {
	coll, exists := e.getCollection(collName)
	if !exists {
		return 0
	}
	lock := e.getOrCreateCollectionLock(collName)
	lock.mu.RLock()
	defer lock.mu.RUnlock()
	return len(coll.order)
}

// project applies an include-style field selector. The identifier is
// always included.
func project(doc, projection *domain.Document) *domain.Document {
	out := domain.NewDocument()
	if id, ok := doc.Get(codec.IDFieldName); ok {
		out.Set(codec.IDFieldName, id)
	}
	for _, k := range projection.Keys() {
		if k == codec.IDFieldName {
			continue
		}
		if v, ok := doc.Get(k); ok {
			out.Set(k, v)
		}
	}
	return out
}
