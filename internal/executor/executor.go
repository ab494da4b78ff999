// Package executor runs an operation graph against the remote inventory
// service: batches execute concurrently under an adaptive throttle, deferred
// references are resolved just before dispatch, and failures cascade as
// skips to every dependent operation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/vk/ipamctl/internal/api"
	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/graph"
	"github.com/vk/ipamctl/internal/metrics"
	"github.com/vk/ipamctl/internal/model"
	"github.com/vk/ipamctl/internal/pending"
	"github.com/vk/ipamctl/internal/resolver"
)

// DeferredResolutionError reports a deferred reference whose provider never
// produced an ID, usually because the providing row failed.
type DeferredResolutionError struct {
	RowID         string
	ResourceType  string
	DeferredKey   string
	DeferredValue string
}

func (e *DeferredResolutionError) Error() string {
	return fmt.Sprintf("row %q: no created %s found for %s=%q",
		e.RowID, e.ResourceType, e.DeferredKey, e.DeferredValue)
}

// Config tunes a run.
type Config struct {
	DryRun            bool
	AllowDangerous    bool
	MaxRateLimitWaits int
	Throttle          ThrottleConfig
}

type Executor struct {
	client   api.Client
	resolver *resolver.Resolver
	deferred *pending.DeferredResolver
	throttle *AdaptiveThrottle
	met      *metrics.Metrics
	cfg      Config

	mu      sync.Mutex
	results []*model.Result
}

func New(client api.Client, res *resolver.Resolver, deferred *pending.DeferredResolver, met *metrics.Metrics, cfg Config) *Executor {
	if cfg.MaxRateLimitWaits <= 0 {
		cfg.MaxRateLimitWaits = 5
	}
	return &Executor{
		client:   client,
		resolver: res,
		deferred: deferred,
		throttle: NewAdaptiveThrottle(cfg.Throttle, met),
		met:      met,
		cfg:      cfg,
	}
}

// Run executes the graph batch by batch. It returns every operation's
// result; the error aggregates genuine failures, not cascaded skips.
func (e *Executor) Run(ctx context.Context, g *graph.Graph) ([]*model.Result, error) {
	log := ctxlog.FromContext(ctx)

	batches := g.ExecutionBatches()
	log.Info("Starting execution.", "batches", len(batches), "operations", g.Len())

	for i, batch := range batches {
		if ctx.Err() != nil {
			return e.snapshotResults(), ctx.Err()
		}
		log.Debug("Executing batch.", "batch", i, "size", len(batch))

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, op := range batch {
			go func(op *model.Operation) {
				defer wg.Done()
				e.executeOperation(ctx, g, op)
			}(op)
		}
		wg.Wait()
	}

	results := e.snapshotResults()

	var failedNodes []string
	for _, r := range results {
		if !r.Success && !r.Skipped {
			failedNodes = append(failedNodes, string(r.ObjectType)+":"+r.RowID)
		}
	}
	if len(failedNodes) > 0 {
		return results, fmt.Errorf("execution failed for %s", strings.Join(failedNodes, ", "))
	}
	log.Info("All operations completed.", "results", len(results))
	return results, nil
}

// RegisterPendingCreates primes the resolver so lookups of about-to-exist
// paths defer instead of querying the remote service.
func (e *Executor) RegisterPendingCreates(ops []*model.Operation) {
	for _, op := range ops {
		if op.Type != model.OpCreate {
			continue
		}
		path, _ := op.Payload[model.KeyResourcePath].(string)
		if path == "" {
			continue
		}
		traits, ok := model.TraitsOf(op.ObjectType)
		if !ok || traits.ResolverName == "" {
			continue
		}
		e.resolver.RegisterPendingCreate(path, op.RowID, traits.ResolverName)
	}
}

func (e *Executor) snapshotResults() []*model.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Result, len(e.results))
	copy(out, e.results)
	return out
}

func (e *Executor) record(r *model.Result) {
	if e.met != nil {
		outcome := "failed"
		switch {
		case r.Skipped:
			outcome = "skipped"
		case r.Success:
			outcome = "succeeded"
		}
		e.met.Operations.WithLabelValues(string(r.Operation), outcome).Inc()
	}
	e.mu.Lock()
	e.results = append(e.results, r)
	e.mu.Unlock()
}

func (e *Executor) executeOperation(ctx context.Context, g *graph.Graph, op *model.Operation) {
	log := ctxlog.FromContext(ctx).With("rowID", op.RowID, "objectType", op.ObjectType)

	if op.ObjectType == model.TypeSystemBarrier {
		op.Status = model.StatusSucceeded
		return
	}

	if op.Status == model.StatusSkipped {
		e.record(&model.Result{
			RowID: op.RowID, Operation: op.Type, ObjectType: op.ObjectType,
			Skipped: true, ErrorMessage: op.ErrorMessage,
		})
		return
	}

	if msg, ok := op.Payload["error"].(string); ok && msg != "" {
		log.Error("Operation failed during payload building.", "error", msg)
		e.failOperation(ctx, g, op, errors.New(msg))
		return
	}

	working := op.ClonePayload()
	if err := e.resolveDeferred(ctx, op, working); err != nil {
		log.Error("Deferred reference resolution failed.", "error", err)
		e.failOperation(ctx, g, op, err)
		return
	}

	if op.Type == model.OpDelete {
		if err := checkDelete(ctx, op, e.cfg.AllowDangerous); err != nil {
			e.failOperation(ctx, g, op, err)
			return
		}
	}

	rateLimitWaits := 0
	for {
		if err := e.throttle.Acquire(ctx); err != nil {
			e.failOperation(ctx, g, op, err)
			return
		}

		start := time.Now()
		result, err := e.dispatch(ctx, op, working)
		elapsed := time.Since(start)
		e.throttle.Release()

		if e.met != nil {
			e.met.OperationTime.WithLabelValues(string(op.Type)).Observe(elapsed.Seconds())
		}

		if rle, ok := api.IsRateLimit(err); ok {
			e.throttle.RecordFailure(ctx, true)
			if e.met != nil {
				e.met.RateLimitWaits.Inc()
			}
			rateLimitWaits++
			if rateLimitWaits > e.cfg.MaxRateLimitWaits {
				e.failOperation(ctx, g, op, fmt.Errorf("rate limited %d times, giving up: %w", rateLimitWaits, err))
				return
			}
			log.Warn("Rate limited, backing off.", "retryAfter", rle.RetryAfter, "attempt", rateLimitWaits)
			select {
			case <-ctx.Done():
				e.failOperation(ctx, g, op, ctx.Err())
				return
			case <-time.After(rle.RetryAfter):
			}
			continue
		}
		if err != nil {
			e.throttle.RecordFailure(ctx, false)
			log.Error("Operation failed.", "error", err)
			e.failOperation(ctx, g, op, err)
			return
		}

		e.throttle.RecordSuccess(ctx, elapsed)
		op.Status = model.StatusSucceeded
		result.Duration = elapsed
		e.record(result)
		return
	}
}

// dispatch runs one operation against the remote service, or simulates it
// in dry-run mode.
func (e *Executor) dispatch(ctx context.Context, op *model.Operation, working map[string]any) (*model.Result, error) {
	result := &model.Result{
		RowID:      op.RowID,
		Operation:  op.Type,
		ObjectType: op.ObjectType,
		Success:    true,
		DryRun:     e.cfg.DryRun,
	}

	switch op.Type {
	case model.OpNoop:
		return result, nil

	case model.OpCreate:
		id, existing, err := e.runCreate(ctx, op, working)
		if err != nil {
			return nil, err
		}
		op.ResourceID = id
		result.ResourceID = id
		result.Existing = existing
		e.confirmCreate(ctx, op, id)
		e.storeCreatedResource(op, id)
		return result, nil

	case model.OpUpdate:
		if op.ResourceID == 0 {
			return nil, fmt.Errorf("update of %s requires a remote id", op.NodeID())
		}
		if !e.cfg.DryRun {
			if err := e.client.UpdateEntity(ctx, op.ResourceID, sendablePayload(working)); err != nil {
				return nil, err
			}
		}
		result.ResourceID = op.ResourceID
		return result, nil

	case model.OpDelete:
		if op.ResourceID == 0 {
			return nil, fmt.Errorf("delete of %s requires a remote id", op.NodeID())
		}
		if !e.cfg.DryRun {
			if err := e.client.DeleteEntity(ctx, op.ResourceID); err != nil {
				return nil, err
			}
		}
		if path, ok := working[model.KeyResourcePath].(string); ok && path != "" && !e.cfg.DryRun {
			if traits, ok := model.TraitsOf(op.ObjectType); ok && traits.ResolverName != "" {
				e.resolver.Invalidate(ctx, path, traits.ResolverName)
			}
		}
		result.ResourceID = op.ResourceID
		return result, nil
	}
	return nil, fmt.Errorf("unknown operation type %q", op.Type)
}

// runCreate performs the create, resolving conflicts against an already
// existing resource when possible. The bool reports whether the resource
// already existed.
func (e *Executor) runCreate(ctx context.Context, op *model.Operation, working map[string]any) (int64, bool, error) {
	if e.cfg.DryRun {
		return dummyID(op.RowID), false, nil
	}

	traits, _ := model.TraitsOf(op.ObjectType)
	id, err := e.client.CreateEntity(ctx, parentID(working), traits.APIName, sendablePayload(working))
	if err == nil {
		return id, false, nil
	}
	if !api.IsConflict(err) {
		return 0, false, err
	}

	existing, lookupErr := e.lookupExisting(ctx, op, working)
	if lookupErr != nil {
		ctxlog.FromContext(ctx).Warn("Conflict on create but existing resource not found.",
			"rowID", op.RowID, "error", lookupErr)
		return 0, false, err
	}
	ctxlog.FromContext(ctx).Info("Resource already exists, adopting it.",
		"rowID", op.RowID, "resourceID", existing.ID)
	return existing.ID, true, nil
}

// lookupExisting finds the resource that caused a create conflict using the
// row's natural key.
func (e *Executor) lookupExisting(ctx context.Context, op *model.Operation, working map[string]any) (*api.Entity, error) {
	row := op.Row
	configID, _ := working["config_id"].(int64)

	switch op.ObjectType {
	case model.TypeIP4Block:
		return e.client.GetBlockByCIDRInConfig(ctx, configID, row.CIDR)
	case model.TypeIP6Block:
		return e.client.GetIP6BlockByCIDRInConfig(ctx, configID, row.CIDR)
	case model.TypeIP4Network, model.TypeIP6Network:
		return e.client.GetNetworkByCIDR(ctx, configID, row.CIDR)
	case model.TypeLocation:
		return e.client.GetLocationByCode(ctx, row.Code)
	case model.TypeDNSZone:
		viewID, _ := working["view_id"].(int64)
		zoneName := row.ZoneName
		if zoneName == "" {
			zoneName, _ = working["name"].(string)
		}
		return e.client.GetZoneByFQDN(ctx, viewID, zoneName)
	case model.TypeIP4Address:
		return e.client.GetIP4Address(ctx, configID, row.Address)
	case model.TypeIP6Address:
		return e.client.GetIP6Address(ctx, configID, row.Address)
	case model.TypeHostRecord, model.TypeAliasRecord, model.TypeMXRecord,
		model.TypeSRVRecord, model.TypeTXTRecord, model.TypeGenericRecord,
		model.TypeExternalHostRecord:
		zoneID, _ := working["zone_id"].(int64)
		name, _ := working["name"].(string)
		return e.client.GetRecordInZone(ctx, zoneID, name)
	}
	return nil, &api.NotFoundError{ResourceType: string(op.ObjectType)}
}

// confirmCreate completes the pending-create protocol for path-addressable
// resources. Dry-run IDs are fabricated and must not outlive the run, so the
// promise is dropped without touching the persistent cache.
func (e *Executor) confirmCreate(ctx context.Context, op *model.Operation, id int64) {
	path, _ := op.Payload[model.KeyResourcePath].(string)
	if path == "" {
		return
	}
	traits, ok := model.TraitsOf(op.ObjectType)
	if !ok || traits.ResolverName == "" {
		return
	}
	if e.cfg.DryRun {
		e.resolver.CancelCreate(path)
		return
	}
	e.resolver.ConfirmCreate(ctx, path, traits.ResolverName, id)
}

// cancelCreate withdraws the pending-create promise after a failed create, so
// dependents resolving the path get a clean not-found instead of waiting on a
// promise nobody will fulfill.
func (e *Executor) cancelCreate(op *model.Operation) {
	if op.Type != model.OpCreate {
		return
	}
	path, _ := op.Payload[model.KeyResourcePath].(string)
	if path == "" {
		return
	}
	if traits, ok := model.TraitsOf(op.ObjectType); !ok || traits.ResolverName == "" {
		return
	}
	e.resolver.CancelCreate(path)
}

// storeCreatedResource records the created ID under the row's natural key
// so later operations in the batch can resolve their deferred references.
func (e *Executor) storeCreatedResource(op *model.Operation, id int64) {
	row := op.Row
	if row == nil {
		return
	}
	switch op.ObjectType {
	case model.TypeIP4Block, model.TypeIP6Block:
		e.deferred.RegisterCreatedResource("block", row.CIDR, id)
	case model.TypeIP4Network, model.TypeIP6Network:
		e.deferred.RegisterCreatedResource("network", row.CIDR, id)
	case model.TypeDNSZone:
		e.deferred.RegisterCreatedResource("zone", row.ZoneName, id)
	case model.TypeLocation:
		e.deferred.RegisterCreatedResource("location", row.Code, id)
	case model.TypeDeviceType:
		e.deferred.RegisterCreatedResource("device_type", row.Name, id)
	case model.TypeDeviceSubtype:
		e.deferred.RegisterCreatedResource("device_subtype", row.Name, id)
	case model.TypeDevice:
		e.deferred.RegisterCreatedResource("device", row.Config+"/"+row.Name, id)
	}
}

// resolveDeferred swaps deferred references in the working payload for the
// IDs their provider rows produced.
func (e *Executor) resolveDeferred(ctx context.Context, op *model.Operation, working map[string]any) error {
	if cidr, ok := working[model.KeyDeferredBlockCIDR].(string); ok {
		id, found := e.deferred.GetCreatedID("block", cidr)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "block",
				DeferredKey: model.KeyDeferredBlockCIDR, DeferredValue: cidr}
		}
		working["block_id"] = id
		delete(working, model.KeyDeferredBlockCIDR)
		delete(working, model.KeyDeferredBlockRow)
	}

	if cidr, ok := working[model.KeyDeferredNetworkCIDR].(string); ok {
		id, found := e.deferred.GetCreatedID("network", cidr)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "network",
				DeferredKey: model.KeyDeferredNetworkCIDR, DeferredValue: cidr}
		}
		working["network_id"] = id
		delete(working, model.KeyDeferredNetworkCIDR)
		delete(working, model.KeyDeferredNetworkRow)
	}

	if err := e.resolveDeferredZone(ctx, op, working); err != nil {
		return err
	}

	if code, ok := working[model.KeyDeferredLocationCode].(string); ok {
		id, found := e.deferred.GetCreatedID("location", code)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "location",
				DeferredKey: model.KeyDeferredLocationCode, DeferredValue: code}
		}
		if op.ObjectType == model.TypeLocation {
			working["parent_location_id"] = id
		} else {
			working["location"] = map[string]any{"id": id}
		}
		delete(working, model.KeyDeferredLocationCode)
		delete(working, model.KeyDeferredLocationRow)
	}

	if name, ok := working[model.KeyDeferredDevTypeName].(string); ok {
		id, found := e.deferred.GetCreatedID("device_type", name)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "device_type",
				DeferredKey: model.KeyDeferredDevTypeName, DeferredValue: name}
		}
		working["device_type_id"] = id
		delete(working, model.KeyDeferredDevTypeName)
		delete(working, model.KeyDeferredDevTypeRow)
	}

	if name, ok := working[model.KeyDeferredSubtypeName].(string); ok {
		id, found := e.deferred.GetCreatedID("device_subtype", name)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "device_subtype",
				DeferredKey: model.KeyDeferredSubtypeName, DeferredValue: name}
		}
		working["device_subtype_id"] = id
		delete(working, model.KeyDeferredSubtypeName)
		delete(working, model.KeyDeferredSubtypeRow)
	}

	if name, ok := working[model.KeyDeferredDeviceName].(string); ok {
		config, _ := working[model.KeyDeferredDeviceConfig].(string)
		key := config + "/" + name
		id, found := e.deferred.GetCreatedID("device", key)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "device",
				DeferredKey: model.KeyDeferredDeviceName, DeferredValue: key}
		}
		working["device_id"] = id
		delete(working, model.KeyDeferredDeviceName)
		delete(working, model.KeyDeferredDeviceConfig)
		delete(working, model.KeyDeferredDeviceRow)
	}
	return nil
}

// resolveDeferredZone handles both direct pending zones and the nested case
// where only an ancestor zone was created in this batch.
func (e *Executor) resolveDeferredZone(ctx context.Context, op *model.Operation, working map[string]any) error {
	parentName, hasParent := working[model.KeyDeferredParentZone].(string)
	zoneName, hasZone := working[model.KeyDeferredZoneName].(string)
	if !hasParent && !hasZone {
		return nil
	}

	clear := func() {
		delete(working, model.KeyDeferredZoneName)
		delete(working, model.KeyDeferredParentZone)
		delete(working, model.KeyDeferredZoneRow)
	}

	if op.ObjectType == model.TypeDNSZone && hasParent {
		id, found := e.deferred.GetCreatedID("zone", parentName)
		if !found {
			return &DeferredResolutionError{RowID: op.RowID, ResourceType: "zone",
				DeferredKey: model.KeyDeferredParentZone, DeferredValue: parentName}
		}
		working["parent_zone_id"] = id
		clear()
		return nil
	}

	if hasZone {
		if id, found := e.deferred.GetCreatedID("zone", zoneName); found {
			working["zone_id"] = id
			clear()
			return nil
		}
	}

	// The exact zone was not created in this batch. With a created ancestor
	// the zone may exist remotely now, so ask the service.
	if hasParent && hasZone {
		if _, found := e.deferred.GetCreatedID("zone", parentName); found {
			viewID, _ := working["view_id"].(int64)
			zone, err := e.client.GetZoneByFQDN(ctx, viewID, zoneName)
			if err == nil {
				working["zone_id"] = zone.ID
				clear()
				return nil
			}
		}
	}
	return &DeferredResolutionError{RowID: op.RowID, ResourceType: "zone",
		DeferredKey: model.KeyDeferredZoneName, DeferredValue: zoneName}
}

// failOperation marks the operation failed, records the result and skips
// every dependent, transitively.
func (e *Executor) failOperation(ctx context.Context, g *graph.Graph, op *model.Operation, err error) {
	op.MarkFailed(err.Error())
	e.cancelCreate(op)
	e.record(&model.Result{
		RowID: op.RowID, Operation: op.Type, ObjectType: op.ObjectType,
		ErrorMessage: err.Error(), DryRun: e.cfg.DryRun,
	})
	if node, ok := g.Node(op.NodeID()); ok {
		e.skipDependents(ctx, g, node)
	}
}

// skipDependents marks all downstream nodes skipped. Barrier nodes pass the
// skip through without producing a result of their own.
func (e *Executor) skipDependents(ctx context.Context, g *graph.Graph, node *graph.Node) {
	log := ctxlog.FromContext(ctx)
	for _, depID := range node.Dependents() {
		dependent, ok := g.Node(depID)
		if !ok || dependent.Op.Terminal() {
			continue
		}
		if dependent.Op.ObjectType == model.TypeSystemBarrier {
			// The barrier itself still succeeds; only real dependents of the
			// failed subtree are skipped, not the whole next phase.
			continue
		}
		dependent.SkipOnce(func() {
			reason := fmt.Sprintf("Skipped because parent %s failed: %s",
				node.ID, node.Op.ErrorMessage)
			log.Warn("Skipping dependent operation due to upstream failure.",
				"nodeID", dependent.ID, "dependency", node.ID)
			dependent.Op.MarkSkipped(reason)
			e.cancelCreate(dependent.Op)
			e.skipDependents(ctx, g, dependent)
		})
	}
}

// parentID picks the container the create is addressed to.
func parentID(payload map[string]any) int64 {
	for _, key := range []string{
		"zone_id", "parent_zone_id", "network_id", "block_id",
		"parent_block_id", "view_id", "parent_location_id",
		"device_id", "config_id",
	} {
		if id, ok := payload[key].(int64); ok && id != 0 {
			return id
		}
	}
	return 0
}

// sendablePayload strips bookkeeping keys before the payload goes on the
// wire.
func sendablePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") || k == model.KeyResourcePath {
			continue
		}
		out[k] = v
	}
	return out
}

// dummyID derives a stable fake ID for dry runs.
func dummyID(rowID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(rowID))
	id := int64(h.Sum32() % 1000000)
	if id == 0 {
		id = 1
	}
	return id
}
