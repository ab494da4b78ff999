// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

import "fmt"

// Action is the requested change for one row.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates a raw row action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Row is one validated input line. It is immutable once built; the factory
// reads it and the executor only ever consults it through the Operation.
//
// Field presence is type-specific: a block row carries CIDR and Config, a
// record row carries Name/ZoneName/ViewPath, and so on. Absent fields are
// zero values.
type Row struct {
	ID         string
	ObjectType ObjectType
	Action     Action

	// RemoteID is the already-known remote entity ID, set on update and
	// delete rows.
	RemoteID int64

	Name         string
	CIDR         string
	Address      string
	Config       string
	Parent       string
	ViewPath     string
	ZoneName     string
	AbsoluteName string

	// Location code, hierarchical and space separated ("US NYC HQ").
	Code         string
	LocationCode string

	NetworkPath string
	BlockPath   string
	ZonePath    string
	Range       string

	DeviceType    string
	DeviceSubtype string
	DeviceName    string

	// DNS record linkage targets.
	LinkedRecordName string
	Exchange         string
	Target           string

	TTL   int
	Value string

	// Extra carries row columns with no dedicated field; they pass through
	// into the operation payload unchanged.
	Extra map[string]string

	// UDFs holds udf_*-prefixed columns with the prefix stripped. They are
	// regrouped under a single userDefinedFields payload map.
	UDFs map[string]string
}

// NodeID is the graph identity for the operation derived from this row.
func (r *Row) NodeID() string {
	return string(r.ObjectType) + ":" + r.ID
}
