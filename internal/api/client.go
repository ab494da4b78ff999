// Package api is the boundary to the remote address-manager service: entity
// CRUD, hierarchical lookups and typed error signaling.
package api

import "context"

// Entity is one remote resource as returned by the service.
type Entity struct {
	ID           int64          `json:"id"`
	Type         string         `json:"type,omitempty"`
	Name         string         `json:"name,omitempty"`
	AbsoluteName string         `json:"absoluteName,omitempty"`
	Range        string         `json:"range,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Client is the remote service surface the importer consumes. The REST
// implementation lives in this package; tests substitute fakes.
type Client interface {
	// Hierarchical lookups.
	GetConfigurationByName(ctx context.Context, name string) (*Entity, error)
	GetViewsInConfiguration(ctx context.Context, configID int64) ([]Entity, error)
	GetViewByNameInConfig(ctx context.Context, configID int64, name string) (*Entity, error)
	GetZonesInView(ctx context.Context, viewID int64) ([]Entity, error)
	GetZoneByFQDN(ctx context.Context, viewID int64, fqdn string) (*Entity, error)
	GetChildZones(ctx context.Context, zoneID int64) ([]Entity, error)
	GetBlockByCIDRInConfig(ctx context.Context, configID int64, cidr string) (*Entity, error)
	GetIP6BlockByCIDRInConfig(ctx context.Context, configID int64, cidr string) (*Entity, error)
	GetNetworkByCIDRInBlock(ctx context.Context, blockID int64, cidr string) (*Entity, error)
	GetIP6NetworkByCIDRInBlock(ctx context.Context, blockID int64, cidr string) (*Entity, error)
	GetNetworkByCIDR(ctx context.Context, configID int64, cidr string) (*Entity, error)
	GetLocationByCode(ctx context.Context, code string) (*Entity, error)
	GetIP4Address(ctx context.Context, configID int64, address string) (*Entity, error)
	GetIP6Address(ctx context.Context, configID int64, address string) (*Entity, error)
	GetRecordInZone(ctx context.Context, zoneID int64, name string) (*Entity, error)

	// Containment auto-discovery.
	FindBlockContainingNetwork(ctx context.Context, configID int64, networkCIDR string) (*Entity, error)
	FindNetworkContainingAddress(ctx context.Context, configID int64, address string) (*Entity, error)

	// Entity CRUD. Create returns the numeric ID the service assigned.
	CreateEntity(ctx context.Context, parentID int64, apiType string, payload map[string]any) (int64, error)
	UpdateEntity(ctx context.Context, id int64, payload map[string]any) error
	DeleteEntity(ctx context.Context, id int64) error
}
