package postgres

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainment(t *testing.T) {
	doc, err := containment(map[string]any{
		"source":            "loop",
		"writes.supervisor": "search",
		"writes.planner":    "supervisor",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"source": `"loop"`,
		"writes": map[string]any{
			"supervisor": `"search"`,
			"planner":    `"supervisor"`,
		},
	}, doc)
}

func TestListQuery(t *testing.T) {
	ns := ""
	q, args, err := listQuery(domain.ListOptions{ThreadID: "t1", Namespace: &ns, Before: "cp-3", Limit: 5})
	require.NoError(t, err)

	assert.Contains(t, q, "thread_id = $1")
	assert.Contains(t, q, "checkpoint_ns = $2")
	assert.Contains(t, q, "checkpoint_id < $3")
	assert.True(t, strings.HasSuffix(q, "LIMIT 5"))
	assert.Equal(t, []any{"t1", "", "cp-3"}, args)
}

func postgresURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("WAYPOINT_TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("set WAYPOINT_TEST_POSTGRES_URI to run against PostgreSQL")
	}
	return uri
}

// isolatedStore connects with its own schema on the search path.
func isolatedStore(t *testing.T, uri string) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Connect(ctx, uri, Options{MaxConns: 4, AcquireTimeout: 10 * time.Second})
	require.NoError(t, err)
	schemaName := "wp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = store.pool.Exec(ctx, "CREATE SCHEMA "+schemaName)
	require.NoError(t, err)
	store.pool.Close()

	store, err = Connect(ctx, uri+sep(uri)+"search_path="+schemaName, Options{MaxConns: 4, AcquireTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.pool.Exec(context.Background(), "DROP SCHEMA "+schemaName+" CASCADE")
		_ = store.Close(context.Background())
	})
	return store
}

// TestPostgresStore_Contract runs against a real server when
// WAYPOINT_TEST_POSTGRES_URI is set.
func TestPostgresStore_Contract(t *testing.T) {
	uri := postgresURI(t)
	ports.RunCheckpointStoreContract(t, func(t *testing.T) ports.Store {
		return isolatedStore(t, uri)
	})
}

func TestPostgresStore_ConcurrentSetupCreatesIndexesOnce(t *testing.T) {
	store := isolatedStore(t, postgresURI(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Setup(ctx))
		}()
	}
	wg.Wait()

	n, err := store.IndexCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(schema)-2, n)
}

func sep(uri string) string {
	if strings.Contains(uri, "?") {
		return "&"
	}
	return "?"
}
