package client

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/ident"
	"github.com/adfharrison1/go-docstore/pkg/query"
	"github.com/adfharrison1/go-docstore/pkg/server"
	"github.com/adfharrison1/go-docstore/pkg/storage"
	"github.com/adfharrison1/go-docstore/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	ID   domain.ObjectId `docstore:"_id"`
	Name string          `docstore:"name"`
	Age  int32           `docstore:"age"`
}

type ticket struct {
	ID    int64  `docstore:"_id"`
	Title string `docstore:"title"`
}

// startServer brings up an in-process server on a loopback port.
func startServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.New(storage.NewEngine())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(srv.Close)
	return srv
}

func dialClient(t *testing.T, srv *server.Server, options ...Option) *Client {
	t.Helper()
	c, err := Dial(srv.Addr(), options...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClient_InsertAndFindOne(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	people := c.Collection("people")

	in := &person{Name: "Alice", Age: 30}
	require.NoError(t, people.Insert(in))
	assert.False(t, in.ID.IsZero(), "the driver assigns the identifier before sending")

	var out person
	require.NoError(t, people.FindOne(query.Q().Eq("name", "Alice"), &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, "Alice", out.Name)
	assert.Equal(t, int32(30), out.Age)
}

func TestClient_FindOne_NotFound(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)

	var out person
	err := c.Collection("people").FindOne(query.Q().Eq("name", "nobody"), &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_UntypedDocuments(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("raw")

	doc := domain.Doc("kind", "event", "level", int32(3))
	require.NoError(t, coll.Insert(doc))

	id, ok := doc.Get("_id")
	require.True(t, ok, "untyped documents get a generated identifier")
	_, isOID := id.(domain.ObjectId)
	assert.True(t, isOID)

	var out *domain.Document
	require.NoError(t, coll.FindOne(domain.Doc("kind", "event"), &out))
	level, _ := out.Get("level")
	assert.Equal(t, int32(3), level)
}

func TestClient_StrictModeSurfacesDuplicateKey(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("dup")

	require.NoError(t, coll.Insert(domain.Doc("_id", "k1", "n", int32(1))))

	err := coll.Insert(domain.Doc("_id", "k1", "n", int32(2)))
	require.Error(t, err)
	var serr *domain.ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 11000, serr.Code)
	assert.Contains(t, serr.Message, "E11000")
}

func TestClient_NonStrictSwallowsWriteErrors(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv, WithStrictMode(false))
	coll := c.Collection("dup")

	require.NoError(t, coll.Insert(domain.Doc("_id", "k1")))
	assert.NoError(t, coll.Insert(domain.Doc("_id", "k1")), "fire and forget reports nothing")

	// only one document made it
	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_UpdateModifier(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("accounts")

	require.NoError(t, coll.Insert(domain.Doc("_id", "acct-1", "balance", int32(100), "owner", "Ann")))

	require.NoError(t, coll.Update(query.Q().Eq("_id", "acct-1"), query.Inc("balance", int32(-30))))

	var out *domain.Document
	require.NoError(t, coll.FindOne(domain.Doc("_id", "acct-1"), &out))
	balance, _ := out.Get("balance")
	assert.EqualValues(t, 70, balance)
	owner, _ := out.Get("owner")
	assert.Equal(t, "Ann", owner, "modifier updates leave other fields alone")
}

func TestClient_UpdateReplacementDiscards(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("accounts")

	require.NoError(t, coll.Insert(domain.Doc("_id", "joe", "name", "Joe", "favorite_cheese", "brie")))
	require.NoError(t, coll.Update(domain.Doc("_id", "joe"), domain.Doc("name", "Joe", "age", int32(40))))

	var out *domain.Document
	require.NoError(t, coll.FindOne(domain.Doc("_id", "joe"), &out))
	_, hasCheese := out.Get("favorite_cheese")
	assert.False(t, hasCheese, "replacement discards absent fields")
	age, _ := out.Get("age")
	assert.Equal(t, int32(40), age)
}

func TestClient_UpdateAllRequiresModifier(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("accounts")

	err := coll.UpdateAll(nil, domain.Doc("name", "x"))
	require.Error(t, err)
	var perr *domain.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestClient_UpdateAll(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("jobs")

	for i := 0; i < 3; i++ {
		require.NoError(t, coll.Insert(domain.Doc("_id", fmt.Sprintf("j%d", i), "state", "queued")))
	}
	require.NoError(t, coll.UpdateAll(query.Q().Eq("state", "queued"), query.Set("state", "running")))

	n, err := coll.Count(query.Q().Eq("state", "running"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestClient_Upsert(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("counters")

	// no match: inserts exactly one document
	require.NoError(t, coll.Upsert(query.Q().Eq("_id", "hits"), query.Inc("n", int32(1))))
	// match: updates it rather than inserting another
	require.NoError(t, coll.Upsert(query.Q().Eq("_id", "hits"), query.Inc("n", int32(1))))

	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var out *domain.Document
	require.NoError(t, coll.FindOne(domain.Doc("_id", "hits"), &out))
	count, _ := out.Get("n")
	assert.EqualValues(t, 2, count)
}

func TestClient_DeleteAndRemove(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("people")

	alice := &person{Name: "Alice"}
	bob := &person{Name: "Bob"}
	require.NoError(t, coll.Insert(alice, bob))

	require.NoError(t, coll.Remove(alice))
	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, coll.Delete(nil))
	n, err = coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestClient_Remove_RequiresIdentifier(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)

	err := c.Collection("people").Remove(&person{Name: "no-id"})
	require.Error(t, err)
	var ierr *domain.IdentifierError
	assert.ErrorAs(t, err, &ierr)
}

// note declares no identifier field at all: inserts are allowed, every
// by-reference operation is rejected before any bytes hit the wire.
type note struct {
	Text string `docstore:"text"`
}

func TestClient_IdentifierlessType(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("notes")

	require.NoError(t, coll.Insert(&note{Text: "remember the milk"}))
	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var ierr *domain.IdentifierError

	err = coll.Save(&note{Text: "saved"})
	require.Error(t, err)
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "save", ierr.Op)

	err = coll.Remove(&note{Text: "remember the milk"})
	require.Error(t, err)
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "delete", ierr.Op)

	err = coll.Update(domain.Doc("text", "remember the milk"), &note{Text: "replaced"})
	require.Error(t, err)
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "update", ierr.Op)

	n, err = coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "rejected operations must not reach the server")
}

func TestClient_Save(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("people")

	p := &person{Name: "Ada", Age: 36}
	require.NoError(t, coll.Save(p))
	require.False(t, p.ID.IsZero())
	firstID := p.ID

	p.Age = 37
	require.NoError(t, coll.Save(p))
	assert.Equal(t, firstID, p.ID)

	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "saving twice keeps one document")

	var out person
	require.NoError(t, coll.FindOne(query.Q().Eq("name", "Ada"), &out))
	assert.Equal(t, int32(37), out.Age)
}

func TestClient_QueryOperators(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("nums")

	for i := 1; i <= 9; i++ {
		require.NoError(t, coll.Insert(domain.Doc("_id", int64(i), "n", int32(i))))
	}

	var hits []*domain.Document
	require.NoError(t, coll.Find(query.Q().In("n", int32(4), int32(5))).All(&hits))
	require.Len(t, hits, 2)
	n0, _ := hits[0].Get("n")
	n1, _ := hits[1].Get("n")
	assert.Equal(t, int32(4), n0)
	assert.Equal(t, int32(5), n1)

	var ranged []*domain.Document
	require.NoError(t, coll.Find(query.Q().Gte("n", int32(3)).Lt("n", int32(6))).All(&ranged))
	assert.Len(t, ranged, 3)
}

func TestClient_SelectSkipLimit(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("rows")

	for i := 0; i < 10; i++ {
		require.NoError(t, coll.Insert(domain.Doc("_id", int64(i+1), "n", int32(i), "noise", "zzzz")))
	}

	var rows []*domain.Document
	require.NoError(t, coll.Find(nil).Select("n").Skip(2).Limit(3).All(&rows))
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, []string{"_id", "n"}, row.Keys())
		n, _ := row.Get("n")
		assert.Equal(t, int32(i+2), n)
	}
}

func TestClient_CursorContinuation(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("bulk")

	// enough payload that the result set spans several reply messages
	const docCount = 12000
	padding := strings.Repeat("x", 500)
	docs := make([]interface{}, 0, docCount)
	for i := 0; i < docCount; i++ {
		docs = append(docs, domain.Doc("_id", int64(i+1), "seq", int64(i), "padding", padding))
	}
	require.NoError(t, coll.InsertBatch(docs, false))

	cur, err := coll.Find(nil).Iter()
	require.NoError(t, err)
	defer cur.Close()

	seen := 0
	var row struct {
		ID  int64 `docstore:"_id"`
		Seq int64 `docstore:"seq"`
	}
	for {
		ok, err := cur.Next(&row)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, int64(seen), row.Seq, "results arrive in insertion order with no gaps")
		seen++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, docCount, seen)
	assert.Equal(t, 0, srv.CursorCount(), "an exhausted cursor is reclaimed")
}

func TestClient_CursorEarlyCloseReleasesServerCursor(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("bulk")

	padding := strings.Repeat("y", 1000)
	docs := make([]interface{}, 0, 6000)
	for i := 0; i < 6000; i++ {
		docs = append(docs, domain.Doc("_id", int64(i+1), "padding", padding))
	}
	require.NoError(t, coll.InsertBatch(docs, false))

	cur, err := coll.Find(nil).Iter()
	require.NoError(t, err)

	var first *domain.Document
	ok, err := cur.Next(&first)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, srv.CursorCount(), "a partial result set leaves a live cursor")

	require.NoError(t, cur.Close())

	assert.Eventually(t, func() bool {
		return srv.CursorCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "closing mid-iteration reclaims the server cursor")
}

func TestClient_InsertBatchSplitsOnDocumentBoundaries(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("large")

	// six ~1MiB documents exceed the single-message budget together
	payload := strings.Repeat("z", 1<<20)
	docs := make([]interface{}, 0, 6)
	for i := 0; i < 6; i++ {
		docs = append(docs, domain.Doc("_id", int64(i+1), "payload", payload))
	}
	require.NoError(t, coll.InsertBatch(docs, false))

	n, err := coll.Count(nil)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	// order survives the split
	var rows []*domain.Document
	require.NoError(t, coll.Find(nil).Select("_id").All(&rows))
	for i, row := range rows {
		id, _ := row.Get("_id")
		assert.Equal(t, int64(i+1), id)
	}
}

func TestClient_InsertRejectsOversizeDocument(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)

	huge := strings.Repeat("w", wire.MaxDocumentBytes+1)
	err := c.Collection("large").Insert(domain.Doc("payload", huge))
	require.Error(t, err)
	var perr *domain.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestClient_SequenceStrategy(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	seq := ident.NewSequenceStrategy(c)
	c2 := dialClient(t, srv, WithStrategy(ticket{}, seq))
	coll := c2.Collection("tickets")

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- coll.Insert(&ticket{Title: fmt.Sprintf("t%d", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// every reserved identifier landed, with no duplicates or gaps
	count, err := coll.Count(nil)
	require.NoError(t, err)
	require.Equal(t, int64(n), count)

	var rows []ticket
	require.NoError(t, coll.Find(nil).All(&rows))
	seen := make(map[int64]bool, n)
	for _, row := range rows {
		seen[row.ID] = true
	}
	for want := int64(1); want <= n; want++ {
		assert.True(t, seen[want], "missing sequence value %d", want)
	}
}

func TestClient_ReserveSequence(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)

	first, err := c.ReserveSequence("things")
	require.NoError(t, err)
	second, err := c.ReserveSequence("things")
	require.NoError(t, err)
	other, err := c.ReserveSequence("elsewhere")
	require.NoError(t, err)

	assert.Equal(t, first+1, second)
	assert.Equal(t, first, other, "sequences are independent per collection")
}

func TestClient_CustomStrategy(t *testing.T) {
	srv := startServer(t)

	var counter int64
	strategy := &ident.CustomStrategy{
		Current: func(entity interface{}) (interface{}, bool) {
			tk := entity.(*ticket)
			return tk.ID, tk.ID != 0
		},
		Assign: func(entity interface{}) (interface{}, error) {
			tk := entity.(*ticket)
			counter++
			tk.ID = counter * 100
			return tk.ID, nil
		},
	}
	c := dialClient(t, srv, WithStrategy(ticket{}, strategy))
	coll := c.Collection("tickets")

	tk := &ticket{Title: "custom"}
	require.NoError(t, coll.Insert(tk))
	assert.Equal(t, int64(100), tk.ID)

	// a present identifier is never regenerated
	tk2 := &ticket{ID: 555, Title: "manual"}
	require.NoError(t, coll.Insert(tk2))
	assert.Equal(t, int64(555), tk2.ID)
}

func TestClient_RunCommand(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)

	doc, err := c.RunCommand(domain.Doc("ping", int32(1)))
	require.NoError(t, err)
	ok, _ := doc.Get("ok")
	assert.EqualValues(t, 1, ok)

	doc, err = c.RunCommand(domain.Doc("nosuchcommand", int32(1)))
	require.NoError(t, err)
	ok, _ = doc.Get("ok")
	assert.EqualValues(t, 0, ok)
}

func TestClient_CountAndDrop(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv)
	coll := c.Collection("temp")

	require.NoError(t, coll.Insert(domain.Doc("n", int32(1)), domain.Doc("n", int32(2))))

	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = coll.Count(query.Q().Eq("n", int32(2)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, coll.Drop())
	n, err = coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// dropping a collection that is already gone is fine
	assert.NoError(t, coll.Drop())
}

func TestClient_UnpooledOperations(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv, WithPooling(false))
	coll := c.Collection("plain")

	require.NoError(t, coll.Insert(domain.Doc("_id", "a", "n", int32(1))))
	var out *domain.Document
	require.NoError(t, coll.FindOne(domain.Doc("_id", "a"), &out))
	n, _ := out.Get("n")
	assert.Equal(t, int32(1), n)
}

func TestClient_ConcurrentMixedOperations(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv, WithPoolLimit(4))
	coll := c.Collection("mixed")

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := fmt.Sprintf("w%d-i%d", w, i)
				if !assert.NoError(t, coll.Insert(domain.Doc("_id", id, "w", int32(w)))) {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	n, err := coll.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*20), n)
}
