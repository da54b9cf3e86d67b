package actorkv

import (
	"context"
	"strings"
	"testing"

	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(memkv.New(), nil)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	keys := []string{"key1", "key2", "key3", "key4", "other"}
	values := [][]byte{[]byte("value1"), []byte("value2"), []byte("value3"), []byte("value4"), []byte("other_value")}
	require.NoError(t, s.Put(ctx, "actor-a", keys, values))

	entries, _, err := s.Get(ctx, "actor-a", keys)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	got := map[string]string{}
	for _, e := range entries {
		got[e.Key] = string(e.Value)
		require.NotEmpty(t, e.Metadata.Version)
		require.Greater(t, e.Metadata.UpdateTS, int64(0))
	}
	require.Equal(t, "value1", got["key1"])
	require.Equal(t, "other_value", got["other"])
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	keys := []string{"users:alice", "users:bob", "posts:1", "posts:2", "comments:100"}
	values := [][]byte{[]byte("Alice"), []byte("Bob"), []byte("Post 1"), []byte("Post 2"), []byte("Comment 100")}
	require.NoError(t, s.Put(ctx, "actor-b", keys, values))

	entries, err := s.List(ctx, "actor-b", Query{Kind: QueryPrefix, Prefix: "users:"}, false, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.True(t, strings.HasPrefix(e.Key, "users:"))
	}
}

func TestListEmptyPrefixMatchesAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-c", []string{"a", "b"}, [][]byte{[]byte("1"), []byte("2")}))
	entries, err := s.List(ctx, "actor-c", Query{Kind: QueryPrefix, Prefix: ""}, false, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestListPrefixLongerThanAnyKeyMatchesNone(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-d", []string{"ab"}, [][]byte{[]byte("1")}))
	entries, err := s.List(ctx, "actor-d", Query{Kind: QueryPrefix, Prefix: "abcdef"}, false, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRangeBoundaries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-e", []string{"key1", "key2"}, [][]byte{[]byte("v1"), []byte("v2")}))

	inclusive, err := s.List(ctx, "actor-e", Query{Kind: QueryRange, Start: "key1", End: "key2", Exclusive: false}, false, 0)
	require.NoError(t, err)
	require.Len(t, inclusive, 2)

	exclusive, err := s.List(ctx, "actor-e", Query{Kind: QueryRange, Start: "key1", End: "key2", Exclusive: true}, false, 0)
	require.NoError(t, err)
	require.Len(t, exclusive, 1)
	require.Equal(t, "key1", exclusive[0].Key)
}

func TestRangeSameKeyInclusiveVsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-f", []string{"a"}, [][]byte{[]byte("v")}))

	incl, err := s.List(ctx, "actor-f", Query{Kind: QueryRange, Start: "a", End: "a", Exclusive: false}, false, 0)
	require.NoError(t, err)
	require.Len(t, incl, 1)

	excl, err := s.List(ctx, "actor-f", Query{Kind: QueryRange, Start: "a", End: "a", Exclusive: true}, false, 0)
	require.NoError(t, err)
	require.Empty(t, excl)
}

func TestRangeInverted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-g", []string{"a", "b"}, [][]byte{[]byte("1"), []byte("2")}))
	entries, err := s.List(ctx, "actor-g", Query{Kind: QueryRange, Start: "b", End: "a", Exclusive: false}, false, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOrderingSymmetricReverse(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	keys := []string{"a", "b", "c", "d"}
	values := [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4")}
	require.NoError(t, s.Put(ctx, "actor-h", keys, values))

	fwd, err := s.List(ctx, "actor-h", Query{Kind: QueryAll}, false, 0)
	require.NoError(t, err)
	rev, err := s.List(ctx, "actor-h", Query{Kind: QueryAll}, true, 0)
	require.NoError(t, err)
	require.Len(t, fwd, 4)
	require.Len(t, rev, 4)
	for i := range fwd {
		require.Equal(t, fwd[i].Key, rev[len(rev)-1-i].Key)
	}
}

func TestLimitZeroAndOverLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-i", []string{"a", "b", "c"}, [][]byte{[]byte("1"), []byte("2"), []byte("3")}))

	none, err := s.List(ctx, "actor-i", Query{Kind: QueryAll}, false, 0)
	require.NoError(t, err)
	require.Len(t, none, 3) // limit 0 means "no limit" per internal convention

	capped, err := s.List(ctx, "actor-i", Query{Kind: QueryAll}, false, 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)

	all, err := s.List(ctx, "actor-i", Query{Kind: QueryAll}, false, 100)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	keys := []string{"key1", "key2", "key3"}
	values := [][]byte{[]byte("v1"), []byte("v2"), []byte("v3")}
	require.NoError(t, s.Put(ctx, "actor-j", keys, values))

	require.NoError(t, s.Delete(ctx, "actor-j", []string{"key1", "key2"}))
	remaining, err := s.List(ctx, "actor-j", Query{Kind: QueryAll}, false, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	require.NoError(t, s.DeleteAll(ctx, "actor-j"))
	empty, err := s.List(ctx, "actor-j", Query{Kind: QueryAll}, false, 0)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestLargeValueChunking(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	value := make([]byte, 50_000)
	for i := range value {
		value[i] = byte(i % 251)
	}
	require.NoError(t, s.Put(ctx, "actor-k", []string{"big"}, [][]byte{value}))
	entries, _, err := s.Get(ctx, "actor-k", []string{"big"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, value, entries[0].Value)
}

func TestNullAndFFBytesInKeys(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-l", []string{"a\x00b"}, [][]byte{[]byte("null_value")}))
	entries, _, err := s.Get(ctx, "actor-l", []string{"a\x00b"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "null_value", string(entries[0].Value))

	prefixed, err := s.List(ctx, "actor-l", Query{Kind: QueryPrefix, Prefix: "a\x00"}, false, 0)
	require.NoError(t, err)
	require.Len(t, prefixed, 1)

	require.NoError(t, s.Put(ctx, "actor-l", []string{"a\xffb"}, [][]byte{[]byte("ff_value")}))
	ffEntries, _, err := s.Get(ctx, "actor-l", []string{"a\xffb"})
	require.NoError(t, err)
	require.Len(t, ffEntries, 1)
	require.Equal(t, "ff_value", string(ffEntries[0].Value))
}

func TestDeleteAllLeavesZeroSize(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Put(ctx, "actor-m", []string{"a"}, [][]byte{[]byte("v")}))
	require.NoError(t, s.DeleteAll(ctx, "actor-m"))
	size, err := s.GetSubspaceSize(ctx, "actor-m")
	require.NoError(t, err)
	require.LessOrEqual(t, size, int64(8))
}
