package backup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/backend"
	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/kv"
	"github.com/wolfeidau/playground-store/notebook"
	"github.com/wolfeidau/playground-store/prefs"
)

type fixture struct {
	notebooks *notebook.Store
	prefs     *prefs.Store
	cache     *cache.Store
	service   *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	tables := slices.Concat(cache.Tables(), notebook.Tables(), prefs.Tables())
	db, err := kv.Open(filepath.Join(t.TempDir(), "store.db"), kv.Schema{Version: 1, Tables: tables}, kv.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	nbs, err := notebook.New(db)
	require.NoError(t, err)
	t.Cleanup(nbs.Close)

	f := &fixture{
		notebooks: nbs,
		prefs:     prefs.New(db),
		cache:     cache.New(db, nil, cache.DefaultConfig()),
	}
	opts = append([]Option{WithCache(f.cache), WithNow(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})}, opts...)
	f.service = New(f.notebooks, f.prefs, opts...)
	return f
}

func seed(t *testing.T, f *fixture) *notebook.Notebook {
	t.Helper()
	ctx := context.Background()

	nb, err := f.notebooks.Save(ctx, &notebook.Notebook{
		ID:    uuid.New(),
		Title: "Quarterly numbers",
		Cells: []notebook.Cell{
			{Kind: notebook.CellSQL, Content: "SELECT sum(x) FROM t", LastOutput: &notebook.CellOutput{
				Query: &notebook.QueryOutput{Columns: []string{"sum"}, Rows: json.RawMessage(`[[42]]`), TotalRows: 1},
			}},
		},
		Metadata: notebook.Metadata{Tags: []string{"finance"}},
	})
	require.NoError(t, err)

	require.NoError(t, f.prefs.Set(ctx, "theme", "dark"))
	require.NoError(t, f.prefs.Set(ctx, "publishing.relays", []string{"wss://relay.example"}))

	_, err = f.cache.Put(ctx, "https://example.com/data.parquet", []byte("parquet bytes"), nil)
	require.NoError(t, err)
	return nb
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t)
	nb := seed(t, src)

	data, err := src.service.Export(ctx)
	require.NoError(t, err)
	require.True(t, backend.IsFramed(data))

	bundle, err := Decode(data)
	require.NoError(t, err)
	assert.Len(t, bundle.Notebooks, 1)
	assert.Len(t, bundle.Preferences, 2)
	assert.Len(t, bundle.CacheEntries, 1)

	dst := newFixture(t)
	result, err := dst.service.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Result{Notebooks: 1, Preferences: 2}, result)

	restored, err := dst.notebooks.Load(ctx, nb.ID)
	require.NoError(t, err)
	assert.Equal(t, nb.Title, restored.Title)
	assert.True(t, nb.UpdatedAt.Equal(restored.UpdatedAt))
	assert.JSONEq(t, `[[42]]`, string(restored.Cells[0].LastOutput.Query.Rows))

	p, err := dst.prefs.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs.ThemeDark, p.Theme)
	assert.Equal(t, []string{"wss://relay.example"}, p.Publishing.Relays)

	// Cache metadata is informational only.
	stats, err := dst.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.FileCount)
}

func TestImport_PlainJSON(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := uuid.New()
	raw := `{"format":"playground-backup","version":1,"notebooks":[{"id":"` + id.String() + `","title":"Hand written","cells":[]}],` +
		`"preferences":[{"key":"editor.font_size","value":18},{"key":"retired.option","value":true}]}`

	result, err := f.service.Import(ctx, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, Result{Notebooks: 1, Preferences: 1, SkippedPreferences: 1}, result)

	nb, err := f.notebooks.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Hand written", nb.Title)
}

func TestDecode_Rejects(t *testing.T) {
	f := newFixture(t)
	seed(t, f)
	data, err := f.service.Export(context.Background())
	require.NoError(t, err)

	t.Run("corrupted body", func(t *testing.T) {
		bad := slices.Clone(data)
		bad[len(bad)-1] ^= 0xff
		_, err := Decode(bad)
		require.Error(t, err)
	})

	t.Run("foreign format", func(t *testing.T) {
		_, err := Decode([]byte(`{"format":"playground-notebook","version":1}`))
		var serr *playgroundstore.SerializationError
		require.ErrorAs(t, err, &serr)
	})

	t.Run("newer version", func(t *testing.T) {
		_, err := Decode([]byte(`{"format":"playground-backup","version":99}`))
		var serr *playgroundstore.SerializationError
		require.ErrorAs(t, err, &serr)
	})
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	archive, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	b := backend.NewInstrumented(archive, "filesystem")

	src := newFixture(t, WithArchive(b))
	nb := seed(t, src)

	info, err := src.service.Save(ctx, "2026/03/01.psa")
	require.NoError(t, err)
	assert.Positive(t, info.Size)

	list, err := src.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2026/03/01.psa", list[0].Key)

	dst := newFixture(t, WithArchive(b))
	result, err := dst.service.Load(ctx, "2026/03/01.psa")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Notebooks)

	_, err = dst.notebooks.Load(ctx, nb.ID)
	require.NoError(t, err)

	_, err = dst.service.Load(ctx, "missing.psa")
	assert.True(t, playgroundstore.IsNotFound(err))
}

func TestSave_WithoutArchive(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Save(context.Background(), "x.psa")
	require.Error(t, err)

	list, err := f.service.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
