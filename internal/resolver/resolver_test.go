package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/ipamctl/internal/api"
	"github.com/vk/ipamctl/internal/cache"
	"github.com/vk/ipamctl/internal/ctxlog"
)

type fakeClient struct {
	configs  map[string]int64
	blocks   map[string]int64 // "configID/cidr"
	networks map[string]int64 // "blockID/cidr"
	views    map[string]int64 // "configID/name"
	zones    map[string]int64 // "viewID/fqdn"
	calls    int
}

func (f *fakeClient) GetConfigurationByName(_ context.Context, name string) (*api.Entity, error) {
	f.calls++
	if id, ok := f.configs[name]; ok {
		return &api.Entity{ID: id, Name: name, Type: "Configuration"}, nil
	}
	return nil, &api.NotFoundError{ResourceType: "Configuration", Identifier: name}
}

func (f *fakeClient) GetViewsInConfiguration(_ context.Context, configID int64) ([]api.Entity, error) {
	f.calls++
	var out []api.Entity
	for key, id := range f.views {
		if key == keyOf(configID, "default") || key == keyOf(configID, "internal") {
			out = append(out, api.Entity{ID: id, Type: "View"})
		}
	}
	return out, nil
}

func (f *fakeClient) GetViewByNameInConfig(_ context.Context, configID int64, name string) (*api.Entity, error) {
	f.calls++
	if id, ok := f.views[keyOf(configID, name)]; ok {
		return &api.Entity{ID: id, Name: name, Type: "View"}, nil
	}
	return nil, &api.NotFoundError{ResourceType: "View", Identifier: name}
}

func (f *fakeClient) GetZonesInView(_ context.Context, viewID int64) ([]api.Entity, error) {
	f.calls++
	var out []api.Entity
	prefix := keyOf(viewID, "")
	for key, id := range f.zones {
		if strings.HasPrefix(key, prefix) {
			out = append(out, api.Entity{ID: id, Type: "Zone", AbsoluteName: strings.TrimPrefix(key, prefix)})
		}
	}
	return out, nil
}

func (f *fakeClient) GetZoneByFQDN(_ context.Context, viewID int64, fqdn string) (*api.Entity, error) {
	f.calls++
	if id, ok := f.zones[keyOf(viewID, fqdn)]; ok {
		return &api.Entity{ID: id, AbsoluteName: fqdn, Type: "Zone"}, nil
	}
	return nil, &api.NotFoundError{ResourceType: "Zone", Identifier: fqdn}
}

func (f *fakeClient) GetChildZones(context.Context, int64) ([]api.Entity, error) {
	return nil, nil
}

func (f *fakeClient) GetBlockByCIDRInConfig(_ context.Context, configID int64, cidr string) (*api.Entity, error) {
	f.calls++
	if id, ok := f.blocks[keyOf(configID, cidr)]; ok {
		return &api.Entity{ID: id, Range: cidr, Type: "IPv4Block"}, nil
	}
	return nil, &api.NotFoundError{ResourceType: "IPv4Block", Identifier: cidr}
}

func (f *fakeClient) GetIP6BlockByCIDRInConfig(ctx context.Context, configID int64, cidr string) (*api.Entity, error) {
	return f.GetBlockByCIDRInConfig(ctx, configID, cidr)
}

func (f *fakeClient) GetNetworkByCIDRInBlock(_ context.Context, blockID int64, cidr string) (*api.Entity, error) {
	f.calls++
	if id, ok := f.networks[keyOf(blockID, cidr)]; ok {
		return &api.Entity{ID: id, Range: cidr, Type: "IPv4Network"}, nil
	}
	return nil, &api.NotFoundError{ResourceType: "IPv4Network", Identifier: cidr}
}

func (f *fakeClient) GetIP6NetworkByCIDRInBlock(ctx context.Context, blockID int64, cidr string) (*api.Entity, error) {
	return f.GetNetworkByCIDRInBlock(ctx, blockID, cidr)
}

func (f *fakeClient) GetNetworkByCIDR(context.Context, int64, string) (*api.Entity, error) {
	return nil, &api.NotFoundError{ResourceType: "IPv4Network"}
}

func (f *fakeClient) GetLocationByCode(_ context.Context, code string) (*api.Entity, error) {
	f.calls++
	return nil, &api.NotFoundError{ResourceType: "Location", Identifier: code}
}

func (f *fakeClient) GetIP4Address(context.Context, int64, string) (*api.Entity, error) {
	return nil, &api.NotFoundError{ResourceType: "IPv4Address"}
}

func (f *fakeClient) GetIP6Address(context.Context, int64, string) (*api.Entity, error) {
	return nil, &api.NotFoundError{ResourceType: "IPv6Address"}
}

func (f *fakeClient) GetRecordInZone(context.Context, int64, string) (*api.Entity, error) {
	return nil, &api.NotFoundError{ResourceType: "ResourceRecord"}
}

func (f *fakeClient) FindBlockContainingNetwork(context.Context, int64, string) (*api.Entity, error) {
	return nil, &api.NotFoundError{ResourceType: "IPv4Block"}
}

func (f *fakeClient) FindNetworkContainingAddress(context.Context, int64, string) (*api.Entity, error) {
	return nil, &api.NotFoundError{ResourceType: "IPv4Network"}
}

func (f *fakeClient) CreateEntity(context.Context, int64, string, map[string]any) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeClient) UpdateEntity(context.Context, int64, map[string]any) error {
	return errors.New("not implemented")
}

func (f *fakeClient) DeleteEntity(context.Context, int64) error {
	return errors.New("not implemented")
}

func keyOf(id int64, name string) string {
	return fmt.Sprintf("%d/%s", id, name)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func newTestResolver(t *testing.T, client api.Client) *Resolver {
	t.Helper()
	store, err := cache.OpenBadger("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(client, store, nil, Config{CacheTTL: time.Hour, ViewCacheTTL: time.Minute})
}

func TestResolve(t *testing.T) {
	t.Run("configuration by bare name", func(t *testing.T) {
		fc := &fakeClient{configs: map[string]int64{"Prod": 101}}
		r := newTestResolver(t, fc)

		id, err := r.Resolve(testContext(t), "Prod", "configuration", false)
		require.NoError(t, err)
		assert.Equal(t, int64(101), id)
	})

	t.Run("block path walks configuration then CIDR", func(t *testing.T) {
		fc := &fakeClient{
			configs: map[string]int64{"Prod": 101},
			blocks:  map[string]int64{keyOf(101, "10.0.0.0/8"): 202},
		}
		r := newTestResolver(t, fc)

		id, err := r.Resolve(testContext(t), "Prod/10.0.0.0/8", "block", false)
		require.NoError(t, err)
		assert.Equal(t, int64(202), id)
	})

	t.Run("network path walks block then network CIDR", func(t *testing.T) {
		fc := &fakeClient{
			configs:  map[string]int64{"Prod": 101},
			blocks:   map[string]int64{keyOf(101, "10.0.0.0/8"): 202},
			networks: map[string]int64{keyOf(202, "10.1.0.0/24"): 303},
		}
		r := newTestResolver(t, fc)

		id, err := r.Resolve(testContext(t), "Prod/10.0.0.0/8/10.1.0.0/24", "network", false)
		require.NoError(t, err)
		assert.Equal(t, int64(303), id)
	})

	t.Run("malformed block path is not found", func(t *testing.T) {
		fc := &fakeClient{configs: map[string]int64{"Prod": 101}}
		r := newTestResolver(t, fc)

		_, err := r.Resolve(testContext(t), "10.0.0.0", "block", false)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "Block", nf.ResourceType)
	})

	t.Run("pending path short-circuits without a remote call", func(t *testing.T) {
		fc := &fakeClient{}
		r := newTestResolver(t, fc)
		r.RegisterPendingCreate("Prod/10.0.0.0/8", "row-1", "block")

		_, err := r.Resolve(testContext(t), "Prod/10.0.0.0/8", "block", false)
		var pending *PendingCreateError
		require.ErrorAs(t, err, &pending)
		assert.Equal(t, "row-1", pending.RowID)
		assert.Equal(t, 0, fc.calls)
	})

	t.Run("confirm create clears pending and serves from cache", func(t *testing.T) {
		fc := &fakeClient{}
		r := newTestResolver(t, fc)
		ctx := testContext(t)

		r.RegisterPendingCreate("Prod/10.0.0.0/8", "row-1", "block")
		r.ConfirmCreate(ctx, "Prod/10.0.0.0/8", "block", 404)

		id, err := r.Resolve(ctx, "Prod/10.0.0.0/8", "block", false)
		require.NoError(t, err)
		assert.Equal(t, int64(404), id)
		assert.Equal(t, 0, fc.calls)
	})

	t.Run("cancel create falls through to a remote lookup", func(t *testing.T) {
		fc := &fakeClient{configs: map[string]int64{"Prod": 101}}
		r := newTestResolver(t, fc)
		ctx := testContext(t)

		r.RegisterPendingCreate("Prod", "row-1", "configuration")
		r.CancelCreate("Prod")

		id, err := r.Resolve(ctx, "Prod", "configuration", false)
		require.NoError(t, err)
		assert.Equal(t, int64(101), id)
		assert.Equal(t, 1, fc.calls)
	})

	t.Run("second lookup is a cache hit", func(t *testing.T) {
		fc := &fakeClient{configs: map[string]int64{"Prod": 101}}
		r := newTestResolver(t, fc)
		ctx := testContext(t)

		_, err := r.Resolve(ctx, "Prod", "configuration", false)
		require.NoError(t, err)
		callsAfterFirst := fc.calls

		_, err = r.Resolve(ctx, "Prod", "configuration", false)
		require.NoError(t, err)
		assert.Equal(t, callsAfterFirst, fc.calls)
		assert.Equal(t, uint64(1), r.Stats().Hits)
	})

	t.Run("bypass skips the cache but keeps pending checks", func(t *testing.T) {
		fc := &fakeClient{configs: map[string]int64{"Prod": 101}}
		r := newTestResolver(t, fc)
		ctx := testContext(t)

		_, err := r.Resolve(ctx, "Prod", "configuration", false)
		require.NoError(t, err)

		fc.configs["Prod"] = 999
		id, err := r.Resolve(ctx, "Prod", "configuration", true)
		require.NoError(t, err)
		assert.Equal(t, int64(999), id)

		r.RegisterPendingCreate("Prod/10.0.0.0/8", "row-1", "block")
		_, err = r.Resolve(ctx, "Prod/10.0.0.0/8", "block", true)
		var pending *PendingCreateError
		require.ErrorAs(t, err, &pending)
		assert.Equal(t, "row-1", pending.RowID)
	})

	t.Run("invalidate forces a fresh lookup", func(t *testing.T) {
		fc := &fakeClient{configs: map[string]int64{"Prod": 101}}
		r := newTestResolver(t, fc)
		ctx := testContext(t)

		_, err := r.Resolve(ctx, "Prod", "configuration", false)
		require.NoError(t, err)
		r.Invalidate(ctx, "Prod", "configuration")

		fc.configs["Prod"] = 999
		id, err := r.Resolve(ctx, "Prod", "configuration", false)
		require.NoError(t, err)
		assert.Equal(t, int64(999), id)
	})
}

func TestZonesInView(t *testing.T) {
	t.Run("listing is cached after the first call", func(t *testing.T) {
		fc := &fakeClient{zones: map[string]int64{keyOf(7, "corp.example.com"): 501}}
		r := newTestResolver(t, fc)
		ctx := testContext(t)

		first, err := r.ZonesInView(ctx, 7)
		require.NoError(t, err)
		require.Len(t, first, 1)
		callsAfterFirst := fc.calls

		second, err := r.ZonesInView(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, callsAfterFirst, fc.calls)
	})
}
