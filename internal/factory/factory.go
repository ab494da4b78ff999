// Package factory builds executable operations from validated rows. It
// resolves parent references up front where possible, defers references to
// resources created earlier in the same batch, and auto-discovers missing
// parents by containment.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vk/ipamctl/internal/api"
	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/model"
	"github.com/vk/ipamctl/internal/pending"
	"github.com/vk/ipamctl/internal/resolver"
)

type Factory struct {
	client   api.Client
	resolver *resolver.Resolver
	deferred *pending.DeferredResolver
}

func New(client api.Client, res *resolver.Resolver, deferred *pending.DeferredResolver) *Factory {
	return &Factory{client: client, resolver: res, deferred: deferred}
}

// BuildOperations converts rows to operations. A row whose payload cannot be
// built still yields an operation, carrying the build error in its payload so
// graph construction and reporting see every row.
func (f *Factory) BuildOperations(ctx context.Context, rows []*model.Row) []*model.Operation {
	log := ctxlog.FromContext(ctx)
	ops := make([]*model.Operation, 0, len(rows))
	for _, row := range rows {
		op, err := f.BuildOperation(ctx, row)
		if err != nil {
			log.Error("Failed to build operation payload.",
				"rowID", row.ID, "objectType", row.ObjectType, "error", err)
			op = &model.Operation{
				RowID:      row.ID,
				Type:       model.OperationTypeFor(row.Action),
				ObjectType: row.ObjectType,
				Payload:    map[string]any{"error": err.Error()},
				Row:        row,
				Status:     model.StatusPending,
			}
		}
		ops = append(ops, op)
	}
	return ops
}

// BuildOperation builds a single operation for a row.
func (f *Factory) BuildOperation(ctx context.Context, row *model.Row) (*model.Operation, error) {
	op := &model.Operation{
		RowID:      row.ID,
		Type:       model.OperationTypeFor(row.Action),
		ObjectType: row.ObjectType,
		ResourceID: row.RemoteID,
		Payload:    make(map[string]any),
		Row:        row,
		Status:     model.StatusPending,
	}

	if row.Config != "" && row.ObjectType != model.TypeConfiguration {
		configID, err := f.resolver.Resolve(ctx, row.Config, "configuration", false)
		if err != nil {
			var pendingErr *resolver.PendingCreateError
			if !errors.As(err, &pendingErr) {
				return nil, fmt.Errorf("resolving configuration %q: %w", row.Config, err)
			}
		} else {
			op.Payload["config_id"] = configID
		}
	}

	if err := f.buildPayload(ctx, row, op); err != nil {
		return nil, err
	}

	if op.Type != model.OpCreate && op.ResourceID == 0 {
		if err := f.resolveRowID(ctx, row, op); err != nil {
			return nil, err
		}
	}

	f.applyRemainingFields(row, op)
	return op, nil
}

// resolveRowID fills ResourceID for update and delete rows that address
// their target by path instead of remote_id.
func (f *Factory) resolveRowID(ctx context.Context, row *model.Row, op *model.Operation) error {
	traits, ok := model.TraitsOf(row.ObjectType)
	if !ok || traits.ResolverName == "" {
		return fmt.Errorf("%s of %s needs remote_id", row.Action, row.ObjectType)
	}
	path, _ := op.Payload[model.KeyResourcePath].(string)
	if path == "" {
		return fmt.Errorf("%s of %s needs remote_id or an addressable path", row.Action, row.ObjectType)
	}
	id, err := f.resolver.Resolve(ctx, path, traits.ResolverName, false)
	if err != nil {
		return fmt.Errorf("resolving %s %q: %w", row.ObjectType, path, err)
	}
	op.ResourceID = id
	return nil
}

func (f *Factory) buildPayload(ctx context.Context, row *model.Row, op *model.Operation) error {
	switch row.ObjectType {
	case model.TypeConfiguration:
		op.Payload["name"] = row.Name
		op.Payload[model.KeyResourcePath] = row.Name
	case model.TypeView:
		op.Payload["name"] = row.Name
		if row.Config != "" {
			op.Payload[model.KeyResourcePath] = row.Config + "/" + row.Name
		}
	case model.TypeIP4Block, model.TypeIP6Block:
		return f.buildBlock(ctx, row, op)
	case model.TypeIP4Network, model.TypeIP6Network:
		return f.buildNetwork(ctx, row, op)
	case model.TypeIP4Address, model.TypeIP6Address:
		return f.buildAddress(ctx, row, op)
	case model.TypeDHCP4Range, model.TypeDHCP6Range:
		return f.buildDHCPRange(ctx, row, op)
	case model.TypeDNSZone:
		return f.buildZone(ctx, row, op)
	case model.TypeHostRecord, model.TypeAliasRecord, model.TypeMXRecord,
		model.TypeSRVRecord, model.TypeTXTRecord, model.TypeGenericRecord:
		return f.buildRecord(ctx, row, op)
	case model.TypeExternalHostRecord:
		return f.buildExternalHostRecord(ctx, row, op)
	case model.TypeLocation:
		return f.buildLocation(ctx, row, op)
	case model.TypeDeviceType:
		op.Payload["name"] = row.Name
	case model.TypeDeviceSubtype:
		return f.buildDeviceSubtype(row, op)
	case model.TypeDevice:
		return f.buildDevice(row, op)
	case model.TypeDeviceAddress:
		return f.buildDeviceAddress(row, op)
	default:
		if row.Name != "" {
			op.Payload["name"] = row.Name
		}
	}
	return nil
}

func (f *Factory) buildBlock(ctx context.Context, row *model.Row, op *model.Operation) error {
	op.Payload["name"] = row.Name
	op.Payload["range"] = row.CIDR
	if row.Parent != "" {
		parentID, err := f.resolver.Resolve(ctx, row.Parent, blockTypeFor(row.ObjectType), false)
		if err != nil {
			var pendingErr *resolver.PendingCreateError
			if errors.As(err, &pendingErr) {
				parentCIDR := trailingCIDR(row.Parent)
				op.Payload[model.KeyDeferredBlockCIDR] = parentCIDR
				op.Payload[model.KeyDeferredBlockRow] = pendingErr.RowID
			} else {
				return fmt.Errorf("resolving parent block %q: %w", row.Parent, err)
			}
		} else {
			op.Payload["parent_block_id"] = parentID
		}
	}
	if row.Config != "" && row.CIDR != "" {
		op.Payload[model.KeyResourcePath] = row.Config + "/" + row.CIDR
	}
	return nil
}

func blockTypeFor(t model.ObjectType) string {
	if t == model.TypeIP6Block || t == model.TypeIP6Network {
		return "ip6_block"
	}
	return "block"
}

// trailingCIDR returns the last two path segments joined, the CIDR at the
// end of a "Config/addr/prefix" style path. Paths too short come back as is.
func trailingCIDR(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return path
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

func (f *Factory) buildNetwork(ctx context.Context, row *model.Row, op *model.Operation) error {
	if row.Name != "" {
		op.Payload["name"] = row.Name
	}
	op.Payload["range"] = row.CIDR

	if row.Parent != "" {
		parentCIDR := trailingCIDR(row.Parent)
		if rowID, ok := f.deferred.CheckPendingBlock(parentCIDR); ok {
			op.Payload[model.KeyDeferredBlockCIDR] = parentCIDR
			op.Payload[model.KeyDeferredBlockRow] = rowID
			return nil
		}
		blockID, err := f.resolver.Resolve(ctx, row.Parent, blockTypeFor(row.ObjectType), false)
		if err != nil {
			var pendingErr *resolver.PendingCreateError
			if errors.As(err, &pendingErr) {
				op.Payload[model.KeyDeferredBlockCIDR] = parentCIDR
				op.Payload[model.KeyDeferredBlockRow] = pendingErr.RowID
				return nil
			}
			return fmt.Errorf("resolving parent block %q: %w", row.Parent, err)
		}
		op.Payload["block_id"] = blockID
		op.Payload[model.KeyResourcePath] = strings.ReplaceAll(row.Parent+"/"+row.CIDR, "//", "/")
		return nil
	}

	configID, haveConfig := op.Payload["config_id"].(int64)
	if row.CIDR != "" && haveConfig {
		if blockCIDR, rowID, ok := f.deferred.FindContainingPendingBlock(ctx, row.CIDR); ok {
			op.Payload[model.KeyDeferredBlockCIDR] = blockCIDR
			op.Payload[model.KeyDeferredBlockRow] = rowID
			return nil
		}
		block, err := f.client.FindBlockContainingNetwork(ctx, configID, row.CIDR)
		if err != nil {
			return fmt.Errorf("No containing block found for network %s. Either create the parent block first or provide an explicit 'parent' field. Original error: %v", row.CIDR, err)
		}
		op.Payload["block_id"] = block.ID
		return nil
	}
	return nil
}

func (f *Factory) buildAddress(ctx context.Context, row *model.Row, op *model.Operation) error {
	op.Payload["address"] = row.Address
	if row.Name != "" {
		op.Payload["name"] = row.Name
	}

	if row.Parent != "" {
		networkType := "network"
		if row.ObjectType == model.TypeIP6Address {
			networkType = "ip6_network"
		}
		networkID, err := f.resolver.Resolve(ctx, row.Parent, networkType, false)
		if err != nil {
			var pendingErr *resolver.PendingCreateError
			if errors.As(err, &pendingErr) {
				op.Payload[model.KeyDeferredNetworkCIDR] = trailingCIDR(row.Parent)
				op.Payload[model.KeyDeferredNetworkRow] = pendingErr.RowID
				return nil
			}
			return fmt.Errorf("resolving parent network %q: %w", row.Parent, err)
		}
		op.Payload["network_id"] = networkID
		return nil
	}

	if networkCIDR, rowID, ok := f.deferred.FindContainingPendingNetwork(ctx, row.Address); ok {
		op.Payload[model.KeyDeferredNetworkCIDR] = networkCIDR
		op.Payload[model.KeyDeferredNetworkRow] = rowID
		return nil
	}
	if configID, ok := op.Payload["config_id"].(int64); ok && row.Address != "" {
		network, err := f.client.FindNetworkContainingAddress(ctx, configID, row.Address)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("No containing network found for address, leaving unparented.",
				"address", row.Address, "error", err)
			return nil
		}
		op.Payload["network_id"] = network.ID
	}
	return nil
}

func (f *Factory) buildDHCPRange(ctx context.Context, row *model.Row, op *model.Operation) error {
	op.Payload["range"] = row.Range
	if row.Name != "" {
		op.Payload["name"] = row.Name
	}

	if row.NetworkPath != "" {
		networkCIDR := trailingCIDR(row.NetworkPath)
		if rowID, ok := f.deferred.CheckPendingNetwork(networkCIDR); ok {
			op.Payload[model.KeyDeferredNetworkCIDR] = networkCIDR
			op.Payload[model.KeyDeferredNetworkRow] = rowID
			return nil
		}
		networkType := "network"
		if row.ObjectType == model.TypeDHCP6Range {
			networkType = "ip6_network"
		}
		networkID, err := f.resolver.Resolve(ctx, row.NetworkPath, networkType, false)
		if err != nil {
			var pendingErr *resolver.PendingCreateError
			if errors.As(err, &pendingErr) {
				op.Payload[model.KeyDeferredNetworkCIDR] = networkCIDR
				op.Payload[model.KeyDeferredNetworkRow] = pendingErr.RowID
				return nil
			}
			return fmt.Errorf("resolving network %q: %w", row.NetworkPath, err)
		}
		op.Payload["network_id"] = networkID
		return nil
	}

	start := row.Range
	if i := strings.IndexAny(start, "-"); i > 0 {
		start = strings.TrimSpace(start[:i])
	}
	if networkCIDR, rowID, ok := f.deferred.FindContainingPendingNetwork(ctx, start); ok {
		op.Payload[model.KeyDeferredNetworkCIDR] = networkCIDR
		op.Payload[model.KeyDeferredNetworkRow] = rowID
		return nil
	}
	if configID, ok := op.Payload["config_id"].(int64); ok && start != "" {
		network, err := f.client.FindNetworkContainingAddress(ctx, configID, start)
		if err != nil {
			return fmt.Errorf("no network found containing range start %q: %w", start, err)
		}
		op.Payload["network_id"] = network.ID
	}
	return nil
}

func (f *Factory) buildZone(ctx context.Context, row *model.Row, op *model.Operation) error {
	op.Payload["name"] = row.ZoneName
	op.Payload[model.KeyResourcePath] = row.ZoneName

	viewID, err := f.resolver.ViewID(ctx, row.Config, row.ViewPath)
	if err != nil {
		var pendingErr *resolver.PendingCreateError
		if !errors.As(err, &pendingErr) {
			return fmt.Errorf("resolving view for zone %q: %w", row.ZoneName, err)
		}
		return nil
	}
	op.Payload["view_id"] = viewID

	// A dotted zone under an existing parent zone is created as a child of
	// that parent, not at the view root.
	if strings.Contains(row.ZoneName, ".") {
		f.linkParentZone(ctx, row, op, viewID)
	}
	return nil
}

// linkParentZone walks suffixes of a dotted zone name looking for the
// nearest enclosing zone, preferring one pending in this batch.
func (f *Factory) linkParentZone(ctx context.Context, row *model.Row, op *model.Operation, viewID int64) {
	parts := strings.Split(row.ZoneName, ".")
	for i := 1; i < len(parts); i++ {
		parentName := strings.Join(parts[i:], ".")
		if rowID, ok := f.deferred.CheckPendingZone(parentName); ok {
			op.Payload[model.KeyDeferredParentZone] = parentName
			op.Payload[model.KeyDeferredZoneRow] = rowID
			return
		}
		parent, err := f.client.GetZoneByFQDN(ctx, viewID, parentName)
		if err != nil {
			continue
		}
		op.Payload["parent_zone_id"] = parent.ID
		op.Payload["name"] = strings.Join(parts[:i], ".")
		return
	}
}

func (f *Factory) buildRecord(ctx context.Context, row *model.Row, op *model.Operation) error {
	name := row.Name
	if row.AbsoluteName != "" {
		name = row.AbsoluteName
	}
	op.Payload["name"] = name
	f.applyRecordFields(row, op)

	viewID, err := f.resolver.ViewID(ctx, row.Config, row.ViewPath)
	if err != nil {
		var pendingErr *resolver.PendingCreateError
		if !errors.As(err, &pendingErr) {
			return fmt.Errorf("resolving view for record %q: %w", name, err)
		}
		return nil
	}
	op.Payload["view_id"] = viewID

	zoneName := row.ZoneName
	if zoneName == "" {
		return f.resolveZoneFromFQDN(ctx, op, viewID, name)
	}
	return f.linkZone(ctx, op, viewID, zoneName, name)
}

// linkZone attaches a record to its zone, deferring when the zone is
// pending and walking nested parents when the direct lookup misses.
func (f *Factory) linkZone(ctx context.Context, op *model.Operation, viewID int64, zoneName, recordName string) error {
	if rowID, ok := f.deferred.CheckPendingZone(zoneName); ok {
		op.Payload[model.KeyDeferredZoneName] = zoneName
		op.Payload[model.KeyDeferredZoneRow] = rowID
		return nil
	}

	zone, err := f.client.GetZoneByFQDN(ctx, viewID, zoneName)
	if err == nil {
		op.Payload["zone_id"] = zone.ID
		op.Payload["name"] = relativeName(recordName, zone.AbsoluteName)
		return nil
	}
	if !strings.Contains(zoneName, ".") {
		return fmt.Errorf("resolving zone %q: %w", zoneName, err)
	}

	// Nested zone: the direct FQDN missed, so walk suffixes for the nearest
	// resolvable ancestor and descend one level of children.
	parts := strings.Split(zoneName, ".")
	for i := 1; i < len(parts); i++ {
		parentName := strings.Join(parts[i:], ".")
		if rowID, ok := f.deferred.CheckPendingZone(parentName); ok {
			op.Payload[model.KeyDeferredZoneName] = zoneName
			op.Payload[model.KeyDeferredParentZone] = parentName
			op.Payload[model.KeyDeferredZoneRow] = rowID
			return nil
		}
		parent, perr := f.client.GetZoneByFQDN(ctx, viewID, parentName)
		if perr != nil {
			continue
		}
		children, cerr := f.client.GetChildZones(ctx, parent.ID)
		if cerr != nil {
			continue
		}
		for _, child := range children {
			if child.Name == parts[i-1] || child.AbsoluteName == zoneName {
				op.Payload["zone_id"] = child.ID
				op.Payload["name"] = relativeName(recordName, zoneName)
				return nil
			}
		}
	}
	return fmt.Errorf("resolving zone %q: %w", zoneName, err)
}

// resolveZoneFromFQDN derives the zone from a record's own FQDN by trying
// ever-shorter suffixes, starting at the apex.
func (f *Factory) resolveZoneFromFQDN(ctx context.Context, op *model.Operation, viewID int64, fqdn string) error {
	if rowID, ok := f.deferred.CheckPendingZone(fqdn); ok {
		op.Payload[model.KeyDeferredZoneName] = fqdn
		op.Payload[model.KeyDeferredZoneRow] = rowID
		op.Payload["name"] = "@"
		return nil
	}
	if zone, err := f.client.GetZoneByFQDN(ctx, viewID, fqdn); err == nil {
		op.Payload["zone_id"] = zone.ID
		op.Payload["name"] = "@"
		return nil
	}

	parts := strings.Split(fqdn, ".")
	for i := 1; i < len(parts); i++ {
		suffix := strings.Join(parts[i:], ".")
		if rowID, ok := f.deferred.CheckPendingZone(suffix); ok {
			op.Payload[model.KeyDeferredZoneName] = suffix
			op.Payload[model.KeyDeferredZoneRow] = rowID
			op.Payload["name"] = strings.Join(parts[:i], ".")
			return nil
		}
		if zone, err := f.client.GetZoneByFQDN(ctx, viewID, suffix); err == nil {
			op.Payload["zone_id"] = zone.ID
			op.Payload["name"] = strings.Join(parts[:i], ".")
			return nil
		}
	}
	return fmt.Errorf("no zone found for record %q", fqdn)
}

// relativeName strips the zone suffix from a record FQDN. The apex becomes "@".
func relativeName(recordName, zoneAbs string) string {
	if zoneAbs == "" || recordName == "" {
		return recordName
	}
	if recordName == zoneAbs {
		return "@"
	}
	return strings.TrimSuffix(recordName, "."+zoneAbs)
}

func (f *Factory) applyRecordFields(row *model.Row, op *model.Operation) {
	if row.TTL > 0 {
		op.Payload["ttl"] = row.TTL
	}
	switch row.ObjectType {
	case model.TypeHostRecord:
		if row.Address != "" {
			op.Payload["addresses"] = []string{row.Address}
		}
	case model.TypeAliasRecord:
		op.Payload["linkedRecordName"] = row.LinkedRecordName
	case model.TypeMXRecord:
		op.Payload["exchange"] = row.Exchange
	case model.TypeSRVRecord:
		op.Payload["target"] = row.Target
	case model.TypeTXTRecord:
		op.Payload["text"] = row.Value
	case model.TypeGenericRecord:
		op.Payload["rdata"] = row.Value
	}
}

func (f *Factory) buildExternalHostRecord(ctx context.Context, row *model.Row, op *model.Operation) error {
	// External hosts keep their full FQDN and live in the dedicated
	// external hosts zone of the view.
	op.Payload["name"] = row.Name

	viewID, err := f.resolver.ViewID(ctx, row.Config, row.ViewPath)
	if err != nil {
		return fmt.Errorf("resolving view for external host %q: %w", row.Name, err)
	}
	op.Payload["view_id"] = viewID

	zones, err := f.resolver.ZonesInView(ctx, viewID)
	if err != nil {
		return fmt.Errorf("listing zones for external host %q: %w", row.Name, err)
	}
	for _, zone := range zones {
		if zone.Type == "ExternalHostsZone" {
			op.Payload["zone_id"] = zone.ID
			return nil
		}
	}
	return fmt.Errorf("view %d has no external hosts zone", viewID)
}

func (f *Factory) buildLocation(ctx context.Context, row *model.Row, op *model.Operation) error {
	op.Payload["name"] = row.Name
	op.Payload["code"] = row.Code
	op.Payload[model.KeyResourcePath] = row.Code

	if row.Parent == "" {
		return nil
	}
	if rowID, ok := f.deferred.CheckPendingLocation(row.Parent); ok {
		op.Payload[model.KeyDeferredLocationCode] = row.Parent
		op.Payload[model.KeyDeferredLocationRow] = rowID
		return nil
	}
	parentID, err := f.resolver.Resolve(ctx, row.Parent, "location", false)
	if err != nil {
		var pendingErr *resolver.PendingCreateError
		if errors.As(err, &pendingErr) {
			op.Payload[model.KeyDeferredLocationCode] = row.Parent
			op.Payload[model.KeyDeferredLocationRow] = pendingErr.RowID
			return nil
		}
		return fmt.Errorf("resolving parent location %q: %w", row.Parent, err)
	}
	op.Payload["parent_location_id"] = parentID
	return nil
}

func (f *Factory) buildDeviceSubtype(row *model.Row, op *model.Operation) error {
	op.Payload["name"] = row.Name
	if row.DeviceType == "" {
		return nil
	}
	if rowID, ok := f.deferred.CheckPendingDeviceType(row.DeviceType); ok {
		op.Payload[model.KeyDeferredDevTypeName] = row.DeviceType
		op.Payload[model.KeyDeferredDevTypeRow] = rowID
		return nil
	}
	if id, ok := f.deferred.GetCreatedID("device_type", row.DeviceType); ok {
		op.Payload["device_type_id"] = id
		return nil
	}
	op.Payload["deviceTypeName"] = row.DeviceType
	return nil
}

func (f *Factory) buildDevice(row *model.Row, op *model.Operation) error {
	op.Payload["name"] = row.Name
	if row.DeviceType != "" {
		if rowID, ok := f.deferred.CheckPendingDeviceType(row.DeviceType); ok {
			op.Payload[model.KeyDeferredDevTypeName] = row.DeviceType
			op.Payload[model.KeyDeferredDevTypeRow] = rowID
		} else if id, ok := f.deferred.GetCreatedID("device_type", row.DeviceType); ok {
			op.Payload["device_type_id"] = id
		} else {
			op.Payload["deviceTypeName"] = row.DeviceType
		}
	}
	if row.DeviceSubtype != "" {
		if rowID, ok := f.deferred.CheckPendingDeviceSubtype(row.DeviceSubtype); ok {
			op.Payload[model.KeyDeferredSubtypeName] = row.DeviceSubtype
			op.Payload[model.KeyDeferredSubtypeRow] = rowID
		} else if id, ok := f.deferred.GetCreatedID("device_subtype", row.DeviceSubtype); ok {
			op.Payload["device_subtype_id"] = id
		} else {
			op.Payload["deviceSubtypeName"] = row.DeviceSubtype
		}
	}
	return nil
}

func (f *Factory) buildDeviceAddress(row *model.Row, op *model.Operation) error {
	op.Payload["address"] = row.Address
	if row.DeviceName == "" {
		return nil
	}
	if rowID, ok := f.deferred.CheckPendingDevice(row.Config, row.DeviceName); ok {
		op.Payload[model.KeyDeferredDeviceName] = row.DeviceName
		op.Payload[model.KeyDeferredDeviceConfig] = row.Config
		op.Payload[model.KeyDeferredDeviceRow] = rowID
		return nil
	}
	if id, ok := f.deferred.GetCreatedID("device", row.Config+"/"+row.DeviceName); ok {
		op.Payload["device_id"] = id
		return nil
	}
	op.Payload["deviceName"] = row.DeviceName
	return nil
}

// applyRemainingFields copies leftover columns the type builder did not
// claim, and regroups udf_ prefixed columns under userDefinedFields.
func (f *Factory) applyRemainingFields(row *model.Row, op *model.Operation) {
	for key, value := range row.Extra {
		if strings.HasPrefix(key, "udf_") {
			continue
		}
		if _, taken := op.Payload[key]; !taken {
			op.Payload[key] = value
		}
	}

	udfs := make(map[string]string)
	for key, value := range row.UDFs {
		udfs[key] = value
	}
	for key, value := range row.Extra {
		if name, ok := strings.CutPrefix(key, "udf_"); ok {
			if _, taken := udfs[name]; !taken {
				udfs[name] = value
			}
		}
	}
	if len(udfs) > 0 {
		op.Payload[model.KeyUserDefinedFields] = udfs
	}
}
