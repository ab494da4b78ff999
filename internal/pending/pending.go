// Package pending indexes the resources a batch is about to create, so
// later rows in the same batch can reference them by natural key before
// any remote ID exists.
package pending

import (
	"context"
	"net/netip"
	"sync"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/model"
)

// Resources maps natural keys of create rows to their row IDs.
type Resources struct {
	Blocks         map[string]string // cidr -> row id
	Networks       map[string]string // cidr -> row id
	Zones          map[string]string // zone name -> row id
	Locations      map[string]string // code -> row id
	DeviceTypes    map[string]string // name -> row id
	DeviceSubtypes map[string]string // name -> row id
	Devices        map[string]string // "config/name" -> row id
}

// FromRows builds the pending index from create rows only.
func FromRows(rows []*model.Row) *Resources {
	p := &Resources{
		Blocks:         make(map[string]string),
		Networks:       make(map[string]string),
		Zones:          make(map[string]string),
		Locations:      make(map[string]string),
		DeviceTypes:    make(map[string]string),
		DeviceSubtypes: make(map[string]string),
		Devices:        make(map[string]string),
	}
	for _, row := range rows {
		if row.Action != model.ActionCreate {
			continue
		}
		switch row.ObjectType {
		case model.TypeIP4Block, model.TypeIP6Block:
			if row.CIDR != "" {
				p.Blocks[row.CIDR] = row.ID
			}
		case model.TypeIP4Network, model.TypeIP6Network:
			if row.CIDR != "" {
				p.Networks[row.CIDR] = row.ID
			}
		case model.TypeDNSZone:
			if row.ZoneName != "" {
				p.Zones[row.ZoneName] = row.ID
			}
		case model.TypeLocation:
			if row.Code != "" {
				p.Locations[row.Code] = row.ID
			}
		case model.TypeDeviceType:
			if row.Name != "" {
				p.DeviceTypes[row.Name] = row.ID
			}
		case model.TypeDeviceSubtype:
			if row.Name != "" {
				p.DeviceSubtypes[row.Name] = row.ID
			}
		case model.TypeDevice:
			if row.Name != "" {
				p.Devices[row.Config+"/"+row.Name] = row.ID
			}
		}
	}
	return p
}

// DeferredResolver tracks remote IDs assigned during execution and answers
// "is this key pending in this batch" questions for the payload factory.
// The pending index is read-only after construction; the created map is
// written by concurrent operation goroutines, so it carries its own lock.
type DeferredResolver struct {
	pending *Resources

	mu      sync.RWMutex
	created map[string]int64 // "type:key" -> remote id
}

func NewDeferredResolver(pending *Resources) *DeferredResolver {
	return &DeferredResolver{
		pending: pending,
		created: make(map[string]int64),
	}
}

// RegisterCreatedResource records the remote ID a create was assigned.
func (d *DeferredResolver) RegisterCreatedResource(resourceType, key string, id int64) {
	d.mu.Lock()
	d.created[resourceType+":"+key] = id
	d.mu.Unlock()
}

// GetCreatedID returns the remote ID recorded for a natural key.
func (d *DeferredResolver) GetCreatedID(resourceType, key string) (int64, bool) {
	d.mu.RLock()
	id, ok := d.created[resourceType+":"+key]
	d.mu.RUnlock()
	return id, ok
}

func (d *DeferredResolver) CheckPendingBlock(cidr string) (string, bool) {
	rowID, ok := d.pending.Blocks[cidr]
	return rowID, ok
}

func (d *DeferredResolver) CheckPendingNetwork(cidr string) (string, bool) {
	rowID, ok := d.pending.Networks[cidr]
	return rowID, ok
}

func (d *DeferredResolver) CheckPendingZone(name string) (string, bool) {
	rowID, ok := d.pending.Zones[name]
	return rowID, ok
}

func (d *DeferredResolver) CheckPendingLocation(code string) (string, bool) {
	rowID, ok := d.pending.Locations[code]
	return rowID, ok
}

func (d *DeferredResolver) CheckPendingDeviceType(name string) (string, bool) {
	rowID, ok := d.pending.DeviceTypes[name]
	return rowID, ok
}

func (d *DeferredResolver) CheckPendingDeviceSubtype(name string) (string, bool) {
	rowID, ok := d.pending.DeviceSubtypes[name]
	return rowID, ok
}

func (d *DeferredResolver) CheckPendingDevice(config, name string) (string, bool) {
	rowID, ok := d.pending.Devices[config+"/"+name]
	return rowID, ok
}

// FindContainingPendingBlock returns the pending block whose prefix contains
// the given network CIDR. Unparseable inputs log a warning and report no
// match rather than failing the row.
func (d *DeferredResolver) FindContainingPendingBlock(ctx context.Context, networkCIDR string) (string, string, bool) {
	network, err := netip.ParsePrefix(networkCIDR)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Cannot parse network CIDR for containment check.",
			"cidr", networkCIDR, "error", err)
		return "", "", false
	}
	for blockCIDR, rowID := range d.pending.Blocks {
		block, err := netip.ParsePrefix(blockCIDR)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Cannot parse pending block CIDR.",
				"cidr", blockCIDR, "error", err)
			continue
		}
		if block.Bits() <= network.Bits() && block.Contains(network.Addr()) {
			return blockCIDR, rowID, true
		}
	}
	return "", "", false
}

// FindContainingPendingNetwork returns the pending network whose prefix
// contains the given address.
func (d *DeferredResolver) FindContainingPendingNetwork(ctx context.Context, address string) (string, string, bool) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Cannot parse address for containment check.",
			"address", address, "error", err)
		return "", "", false
	}
	for networkCIDR, rowID := range d.pending.Networks {
		network, err := netip.ParsePrefix(networkCIDR)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Cannot parse pending network CIDR.",
				"cidr", networkCIDR, "error", err)
			continue
		}
		if network.Contains(addr) {
			return networkCIDR, rowID, true
		}
	}
	return "", "", false
}
