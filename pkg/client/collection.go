package client

import (
	"fmt"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/ident"
	"github.com/adfharrison1/go-docstore/pkg/query"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// Collection is a handle on one server-side collection.
type Collection struct {
	client *Client
	name   string
}

// Name returns the collection name without the database prefix.
func (col *Collection) Name() string { return col.name }

func (col *Collection) fullName() string {
	return col.client.db + "." + col.name
}

// selectorDoc converts the accepted selector forms: nil (match all),
// *domain.Document, and *query.Predicate.
func selectorDoc(selector interface{}) (*domain.Document, error) {
	switch s := selector.(type) {
	case nil:
		return domain.NewDocument(), nil
	case *domain.Document:
		return s, nil
	case *query.Predicate:
		return s.Document(), nil
	default:
		return nil, fmt.Errorf("client: unsupported selector type %T", selector)
	}
}

// Insert stores one or more entities, assigning identifiers through the
// bound strategy where absent. Identifier-less entity types may be
// inserted; the server assigns their identifiers.
func (col *Collection) Insert(entities ...interface{}) error {
	return col.InsertBatch(entities, false)
}

// InsertBatch stores an ordered sequence of entities. Sequences whose
// combined encoding exceeds the message ceiling are split across
// messages on whole-document boundaries, preserving input order. With
// continueOnError the server keeps inserting past an individual failure;
// in strict mode the first failure of each message is still surfaced.
func (col *Collection) InsertBatch(entities []interface{}, continueOnError bool) error {
	if len(entities) == 0 {
		return nil
	}
	docs := make([][]byte, 0, len(entities))
	for _, entity := range entities {
		if err := col.ensureIdentifier(entity); err != nil {
			return err
		}
		raw, err := col.client.registry.Marshal(entity)
		if err != nil {
			return err
		}
		if len(raw) > wire.MaxDocumentBytes {
			return &domain.ProtocolError{Op: "insert", Detail: "document exceeds size ceiling"}
		}
		docs = append(docs, raw)
	}

	conn, release, err := col.client.acquireConn()
	if err != nil {
		return err
	}
	broken := false
	defer func() { release(broken) }()

	for start := 0; start < len(docs); {
		end := start
		total := 0
		for end < len(docs) {
			if end > start && total+len(docs[end]) > wire.MaxDocumentBytes {
				break
			}
			total += len(docs[end])
			end++
		}
		frame, err := wire.InsertFrame(wire.NextRequestID(), col.fullName(), docs[start:end], continueOnError)
		if err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			broken = true
			return err
		}
		if col.client.strict {
			if _, err := col.client.lastError(conn); err != nil {
				broken = isConnBroken(err)
				return err
			}
		}
		start = end
	}
	return nil
}

// ensureIdentifier fills an absent identifier via the entity's strategy.
// Identifier-less types pass through untouched.
func (col *Collection) ensureIdentifier(entity interface{}) error {
	if _, ok := entity.(*domain.Document); !ok {
		if !col.client.registry.HasIdentifier(entity) {
			return nil
		}
	}
	strategy := col.client.strategyFor(entity)
	_, _, err := strategy.EnsureIdentifier(col.name, entity)
	return err
}

// Update applies an update to the first document matching the selector.
// A *query.Update or a modifier document mutates fields in place; a plain
// entity or non-modifier document replaces the whole stored document
// except its identifier: fields absent from it are discarded.
func (col *Collection) Update(selector, update interface{}) error {
	return col.update(selector, update, false, false)
}

// UpdateAll applies a modifier update to every matching document.
func (col *Collection) UpdateAll(selector, update interface{}) error {
	return col.update(selector, update, false, true)
}

// Upsert applies the update to the first match, inserting a new document
// when nothing matches.
func (col *Collection) Upsert(selector, update interface{}) error {
	return col.update(selector, update, true, false)
}

func (col *Collection) update(selector, update interface{}, upsert, multi bool) error {
	sel, err := selectorDoc(selector)
	if err != nil {
		return err
	}
	updoc, err := col.updateDoc(update)
	if err != nil {
		return err
	}
	if err := query.ValidateUpdate(updoc); err != nil {
		return err
	}
	if multi && !query.IsModifier(updoc) {
		return &domain.ProtocolError{Op: "update", Detail: "multi-document update requires a modifier document"}
	}

	rawSel, err := codec.Encode(sel)
	if err != nil {
		return err
	}
	rawUpd, err := codec.Encode(updoc)
	if err != nil {
		return err
	}
	frame, err := wire.UpdateFrame(wire.NextRequestID(), col.fullName(), rawSel, rawUpd, upsert, multi)
	if err != nil {
		return err
	}
	return col.sendWrite(frame)
}

// updateDoc converts the accepted update forms. A typed entity compiles
// to a replacement document and therefore requires a declared identifier
// field.
func (col *Collection) updateDoc(update interface{}) (*domain.Document, error) {
	switch u := update.(type) {
	case *query.Update:
		return u.Document(), nil
	case *domain.Document:
		return u, nil
	case nil:
		return nil, fmt.Errorf("client: nil update")
	default:
		if !col.client.registry.HasIdentifier(update) {
			return nil, &domain.IdentifierError{
				Op:     "update",
				Type:   fmt.Sprintf("%T", update),
				Detail: "replacement updates require a declared identifier field",
			}
		}
		return col.client.registry.DocumentOf(update)
	}
}

// Delete removes every document matching the selector.
func (col *Collection) Delete(selector interface{}) error {
	sel, err := selectorDoc(selector)
	if err != nil {
		return err
	}
	raw, err := codec.Encode(sel)
	if err != nil {
		return err
	}
	frame, err := wire.DeleteFrame(wire.NextRequestID(), col.fullName(), raw)
	if err != nil {
		return err
	}
	return col.sendWrite(frame)
}

// Remove deletes an entity by its identifier.
func (col *Collection) Remove(entity interface{}) error {
	if _, ok := entity.(*domain.Document); !ok {
		if !col.client.registry.HasIdentifier(entity) {
			return &domain.IdentifierError{
				Op:     "delete",
				Type:   fmt.Sprintf("%T", entity),
				Detail: "type declares no identifier field",
			}
		}
	}
	id, present, err := col.client.registry.IdentifierOf(entity)
	if err != nil {
		return err
	}
	if !present {
		return &domain.IdentifierError{
			Op:     "delete",
			Type:   fmt.Sprintf("%T", entity),
			Detail: "entity has no identifier value",
		}
	}
	return col.Delete(domain.Doc(codec.IDFieldName, id))
}

// Save inserts the entity when its identifier is absent and otherwise
// replaces the stored document with it, keyed by identifier. Absence is
// judged by the bound strategy for custom strategies, and by the
// identifier value (nil, zero, empty) otherwise. Save requires a
// declared identifier field.
func (col *Collection) Save(entity interface{}) error {
	if _, ok := entity.(*domain.Document); !ok {
		if !col.client.registry.HasIdentifier(entity) {
			return &domain.IdentifierError{
				Op:     "save",
				Type:   fmt.Sprintf("%T", entity),
				Detail: "type declares no identifier field",
			}
		}
	}

	present, err := col.identifierPresent(entity)
	if err != nil {
		return err
	}
	if !present {
		return col.Insert(entity)
	}
	id, _, err := col.client.registry.IdentifierOf(entity)
	if err != nil {
		return err
	}
	replacement, err := col.client.registry.DocumentOf(entity)
	if err != nil {
		return err
	}
	return col.Upsert(domain.Doc(codec.IDFieldName, id), replacement)
}

// identifierPresent lets a bound custom strategy decide its own notion
// of "absent".
func (col *Collection) identifierPresent(entity interface{}) (bool, error) {
	if custom, ok := col.client.strategyFor(entity).(*ident.CustomStrategy); ok && custom.Current != nil {
		_, present := custom.Current(entity)
		return present, nil
	}
	_, present, err := col.client.registry.IdentifierOf(entity)
	return present, err
}

// sendWrite ships one write frame and, in strict mode, fetches and
// inspects the acknowledgement on the same connection.
func (col *Collection) sendWrite(frame []byte) error {
	conn, release, err := col.client.acquireConn()
	if err != nil {
		return err
	}
	broken := false
	defer func() { release(broken) }()

	if err := conn.Send(frame); err != nil {
		broken = true
		return err
	}
	if !col.client.strict {
		return nil
	}
	if _, err := col.client.lastError(conn); err != nil {
		broken = isConnBroken(err)
		return err
	}
	return nil
}

// Count returns the number of documents matching the selector.
func (col *Collection) Count(selector interface{}) (int64, error) {
	sel, err := selectorDoc(selector)
	if err != nil {
		return 0, err
	}
	cmd := domain.Doc("count", col.name, "query", sel)
	doc, err := col.client.RunCommand(cmd)
	if err != nil {
		return 0, err
	}
	if ok, _ := doc.Get("ok"); !commandOK(ok) {
		return 0, commandError(doc)
	}
	n, _ := doc.Get("n")
	f, ok := domain.ToFloat64(n)
	if !ok {
		return 0, &domain.ProtocolError{Op: "count", Detail: "count reply has no numeric n"}
	}
	return int64(f), nil
}

// Drop removes the collection. Dropping a collection that does not exist
// is not an error.
func (col *Collection) Drop() error {
	doc, err := col.client.RunCommand(domain.Doc("drop", col.name))
	if err != nil {
		return err
	}
	if ok, _ := doc.Get("ok"); !commandOK(ok) {
		if msg, _ := doc.Get("errmsg"); msg == "ns not found" {
			return nil
		}
		return commandError(doc)
	}
	return nil
}

func commandOK(v interface{}) bool {
	n, ok := domain.ToFloat64(v)
	return ok && n == 1
}

func commandError(doc *domain.Document) error {
	if msg, ok := doc.Get("errmsg"); ok {
		if s, ok := msg.(string); ok {
			return &domain.ServerError{Message: s}
		}
	}
	return &domain.ServerError{Message: "command failed"}
}
