package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobxlens/internal/correlator"
	"mobxlens/internal/protocol"
	"mobxlens/internal/spy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func action(id, name, store string, ts int64, changes ...correlator.Change) protocol.ActionMessage {
	return protocol.ActionMessage{
		ID:         id,
		Name:       name,
		Type:       "action",
		Object:     store,
		Timestamp:  ts,
		Changes:    changes,
		Arguments:  []any{"apple", 2.0},
		StackTrace: "at " + name + " (http://localhost/src/app.js:1:1)",
	}
}

func TestRecordAndGet(t *testing.T) {
	s := openTestStore(t)
	s.SetSession("sess-1")

	a := action("1700000000000-1", "addItem", "CartStore", 1700000000000, correlator.Change{
		Type: spy.KindUpdate, Name: "count", Store: "CartStore", ObservableKind: "object", OldValue: 0.0, NewValue: 1.0,
	})
	require.NoError(t, s.Send(protocol.Message{Type: protocol.TypeAction, Payload: a}))

	got, err := s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.Session)
	assert.Equal(t, "addItem", got.Name)
	assert.Equal(t, "CartStore", got.Store)
	assert.Equal(t, int64(1700000000000), got.Timestamp.UnixMilli())
	assert.Equal(t, 1, got.NumChanges)
	assert.Equal(t, a.StackTrace, got.StackTrace)

	changes, err := got.ChangeList()
	require.NoError(t, err)
	want := []Change{{Type: "update", Name: "count", Store: "CartStore", ObservableKind: "object", OldValue: 0.0, NewValue: 1.0}}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	args, err := got.ArgumentList()
	require.NoError(t, err)
	assert.Equal(t, []any{"apple", 2.0}, args)
}

func TestGetUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendIgnoresOtherMessages(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Send(protocol.Message{Type: protocol.TypeStateUpdate, Payload: protocol.StateUpdate{}}))
	require.NoError(t, s.Send(protocol.Message{Type: protocol.TypeDetected, Payload: protocol.Detected{Version: "6"}}))
	assert.Error(t, s.Send(protocol.Message{Type: protocol.TypeAction, Payload: "garbage"}))

	got, err := s.List(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordPointerAndNilSlices(t *testing.T) {
	s := openTestStore(t)
	a := protocol.ActionMessage{ID: "a", Name: "noop", Object: "Store", Timestamp: 1}
	require.NoError(t, s.Send(protocol.Message{Type: protocol.TypeAction, Payload: &a}))

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(got.Changes))
	assert.JSONEq(t, `[]`, string(got.Arguments))
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetSession("one")
	require.NoError(t, s.Record(action("a", "addItem", "CartStore", 1000)))
	require.NoError(t, s.Record(action("b", "removeItem", "CartStore", 2000)))
	s.SetSession("two")
	require.NoError(t, s.Record(action("c", "login", "UserStore", 3000)))
	require.NoError(t, s.Record(action("d", "add_100%", "CartStore", 4000)))

	ids := func(rs []Record) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(all))

	cart, err := s.List(ctx, Query{Store: "CartStore", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b"}, ids(cart))

	named, err := s.List(ctx, Query{Name: "Item"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(named))

	literal, err := s.List(ctx, Query{Name: "_100%"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(literal))

	session, err := s.List(ctx, Query{Session: "two"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(session))

	since, err := s.List(ctx, Query{Since: time.UnixMilli(2000)})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, ids(since))
}

func TestRecordReplacesSameID(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(action("a", "first", "CartStore", 1000)))
	require.NoError(t, s.Record(action("a", "second", "CartStore", 1000)))

	all, err := s.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Name)
}

func TestStoreCountsAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, st := range []string{"CartStore", "CartStore", "UserStore", "CartStore"} {
		require.NoError(t, s.Record(action(string(rune('a'+i)), "op", st, int64(1000*(i+1)))))
	}

	counts, err := s.StoreCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"CartStore": 3, "UserStore": 1}, counts)

	n, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "d", left[0].ID)
	assert.Equal(t, "c", left[1].ID)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(action("a", "op", "CartStore", 1)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	_, err = s.Get(context.Background(), "a")
	assert.NoError(t, err)
}
