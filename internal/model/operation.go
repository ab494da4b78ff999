// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

import "time"

// OperationType is the remote action an operation performs.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpNoop   OperationType = "noop"
)

// OperationTypeFor maps a row action to its operation type.
func OperationTypeFor(a Action) OperationType {
	switch a {
	case ActionCreate:
		return OpCreate
	case ActionUpdate:
		return OpUpdate
	case ActionDelete:
		return OpDelete
	}
	return OpNoop
}

// Status is the lifecycle state of an operation. Transitions are
// Pending -> one of {Succeeded, Failed, Skipped}, terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Deferred placeholder payload keys. The factory stamps these on operations
// whose parent is created earlier in the same batch; the executor swaps them
// for concrete IDs once the parent exists. Every value key has a companion
// row key naming the producing row for diagnostics.
const (
	KeyDeferredBlockCIDR     = "_deferred_block_cidr"
	KeyDeferredBlockRow      = "_deferred_block_row"
	KeyDeferredNetworkCIDR   = "_deferred_network_cidr"
	KeyDeferredNetworkRow    = "_deferred_network_row"
	KeyDeferredZoneName      = "_deferred_zone_name"
	KeyDeferredZoneRow       = "_deferred_zone_row"
	KeyDeferredParentZone    = "_deferred_parent_zone"
	KeyDeferredLocationCode  = "_deferred_location_code"
	KeyDeferredLocationRow   = "_deferred_location_row"
	KeyDeferredDevTypeName   = "_deferred_device_type_name"
	KeyDeferredDevTypeRow    = "_deferred_device_type_row"
	KeyDeferredSubtypeName   = "_deferred_device_subtype_name"
	KeyDeferredSubtypeRow    = "_deferred_device_subtype_row"
	KeyDeferredDeviceName    = "_deferred_device_name"
	KeyDeferredDeviceConfig  = "_deferred_device_config"
	KeyDeferredDeviceRow     = "_deferred_device_row"
	KeyUserDefinedFields     = "userDefinedFields"
	KeyResourcePath          = "resource_path"
)

// Operation is one remote change derived from one row. The factory creates
// it, the executor is the only mutator of Status/ErrorMessage/ResourceID, and
// it is discarded after reporting.
type Operation struct {
	RowID      string
	Type       OperationType
	ObjectType ObjectType

	// ResourceID is the remote entity ID. Set from the row for update and
	// delete, filled in by the executor on successful create.
	ResourceID int64

	// Payload holds resolved fields and deferred placeholder keys.
	Payload map[string]any

	// Row is the originating input row, nil for synthetic barrier nodes.
	Row *Row

	Status       Status
	ErrorMessage string
}

// NodeID is the operation's graph identity.
func (op *Operation) NodeID() string {
	return string(op.ObjectType) + ":" + op.RowID
}

// MarkFailed records a terminal failure.
func (op *Operation) MarkFailed(msg string) {
	op.Status = StatusFailed
	op.ErrorMessage = msg
}

// MarkSkipped records a terminal skip with the triggering reason.
func (op *Operation) MarkSkipped(reason string) {
	op.Status = StatusSkipped
	op.ErrorMessage = reason
}

// Terminal reports whether the operation already reached a final state.
func (op *Operation) Terminal() bool {
	return op.Status == StatusSucceeded || op.Status == StatusFailed || op.Status == StatusSkipped
}

// HasDeferred reports whether any deferred placeholder is still unresolved.
func (op *Operation) HasDeferred() bool {
	for _, k := range []string{
		KeyDeferredBlockCIDR, KeyDeferredNetworkCIDR, KeyDeferredZoneName,
		KeyDeferredLocationCode, KeyDeferredDevTypeName, KeyDeferredSubtypeName,
		KeyDeferredDeviceName,
	} {
		if _, ok := op.Payload[k]; ok {
			return true
		}
	}
	return false
}

// ClonePayload copies the payload one level deep, so deferred resolution can
// work on a scratch copy and leave the original intact for retries.
func (op *Operation) ClonePayload() map[string]any {
	out := make(map[string]any, len(op.Payload))
	for k, v := range op.Payload {
		out[k] = v
	}
	return out
}

// Result is the reported outcome of one operation.
type Result struct {
	RowID        string        `json:"row_id"`
	Operation    OperationType `json:"operation"`
	ObjectType   ObjectType    `json:"object_type"`
	Success      bool          `json:"success"`
	ResourceID   int64         `json:"resource_id,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Skipped      bool          `json:"skipped,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Existing     bool          `json:"existing,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}
