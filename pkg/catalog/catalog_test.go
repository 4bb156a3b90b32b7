package catalog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/draftsync/pkg/engine"
)

func TestCatalog_DefaultWhenNoSources(t *testing.T) {
	c := New(newTestLoader(), nil, zerolog.Nop())
	assert.Nil(t, c.Reference())

	require.NoError(t, c.Reload(context.Background()))
	require.NotNil(t, c.Reference())
	assert.False(t, c.LoadedAt().IsZero())
	assert.NoError(t, c.Watch(context.Background()))

	var _ engine.ReferenceSource = c
}

func TestCatalog_FailedReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalog.json", rolesJSON)
	c := New(newTestLoader(), []string{path}, zerolog.Nop())

	var reloads int32
	c.OnReload(func(*engine.ReferenceData) { atomic.AddInt32(&reloads, 1) })

	require.NoError(t, c.Reload(context.Background()))
	before := c.Reference()

	writeFile(t, dir, "catalog.json", `{"terms": {"defaultId": ""}}`)
	require.Error(t, c.Reload(context.Background()))
	assert.Same(t, before, c.Reference())
	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))
}

func TestCatalog_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalog.json", rolesJSON)
	c := New(newTestLoader(), []string{path}, zerolog.Nop())
	c.reloadDelay = 20 * time.Millisecond
	require.NoError(t, c.Reload(context.Background()))
	require.Len(t, c.Reference().Tracks, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	updated := `{
  "resourceRoles": [{"id": "r-co", "name": "Copilot"}, {"id": "r-rev", "name": "Reviewer"}],
  "challengeTracks": [{"id": "dev", "name": "Development"}, {"id": "des", "name": "Design"}],
  "terms": {"defaultId": "t-std", "ndaId": "t-nda"}
}`
	writeFile(t, dir, "catalog.json", updated)

	assert.Eventually(t, func() bool {
		return len(c.Reference().Tracks) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCatalog_WatchReportsFailedReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalog.json", rolesJSON)
	c := New(newTestLoader(), []string{path}, zerolog.Nop())
	c.reloadDelay = 20 * time.Millisecond
	require.NoError(t, c.Reload(context.Background()))
	before := c.Reference()

	var failures int32
	c.OnReloadFailure(func(error) { atomic.AddInt32(&failures, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	writeFile(t, dir, "catalog.json", `{"terms": {"defaultId": ""}}`)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&failures) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Same(t, before, c.Reference())
}

func TestCatalog_Watched(t *testing.T) {
	c := New(newTestLoader(), []string{"/etc/draftsync/catalog", "/srv/extra.yaml"}, zerolog.Nop())
	assert.True(t, c.watched("/etc/draftsync/catalog/phases.yaml"))
	assert.True(t, c.watched("/etc/draftsync/catalog/sub/types.cue"))
	assert.True(t, c.watched("/srv/extra.yaml"))
	assert.False(t, c.watched("/srv/other.yaml"))
	assert.False(t, c.watched("/etc/draftsync/catalogue.yaml"))
}
