package namespace_test

import (
	"context"
	"testing"

	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/namespace"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsInvalidName(t *testing.T) {
	driver := memkv.New()
	_, err := namespace.Create(context.Background(), driver, "UpperCase", "")
	require.ErrorIs(t, err, namespace.ErrInvalidName)
}

func TestCreateAndLookupByName(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()
	ns, err := namespace.Create(ctx, driver, "valid-name-1", "Valid Name")
	require.NoError(t, err)

	found, err := namespace.GetByName(ctx, driver, "valid-name-1")
	require.NoError(t, err)
	require.Equal(t, ns.NamespaceID, found.NamespaceID)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()
	_, err := namespace.Create(ctx, driver, "dup-name", "")
	require.NoError(t, err)
	_, err = namespace.Create(ctx, driver, "dup-name", "")
	require.ErrorIs(t, err, namespace.ErrNameTaken)
}

func TestListReturnsAllNamespaces(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()
	_, err := namespace.Create(ctx, driver, "ns-a", "")
	require.NoError(t, err)
	_, err = namespace.Create(ctx, driver, "ns-b", "")
	require.NoError(t, err)

	all, err := namespace.List(ctx, driver)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
