// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

// Package model defines the row, operation and object-type vocabulary shared
// by the factory, graph and executor.
package model

import "fmt"

// ObjectType identifies one importable resource kind. The set is closed: rows
// carrying a type without a Traits entry are rejected at load time, so every
// later stage can index the traits table without a second validity check.
type ObjectType string

const (
	TypeConfiguration ObjectType = "configuration"
	TypeView          ObjectType = "view"

	TypeIP4Block   ObjectType = "ip4_block"
	TypeIP6Block   ObjectType = "ip6_block"
	TypeIP4Network ObjectType = "ip4_network"
	TypeIP6Network ObjectType = "ip6_network"
	TypeIP4Address ObjectType = "ip4_address"
	TypeIP6Address ObjectType = "ip6_address"
	TypeIP4Group   ObjectType = "ip4_group"

	TypeDHCP4Range            ObjectType = "ipv4_dhcp_range"
	TypeDHCP6Range            ObjectType = "ipv6_dhcp_range"
	TypeDHCP4ClientClass      ObjectType = "dhcpv4_client_class"
	TypeDHCPDeploymentRole    ObjectType = "dhcp_deployment_role"
	TypeDNSDeploymentRole     ObjectType = "dns_deployment_role"
	TypeDHCP4ClientOption     ObjectType = "dhcpv4_client_deployment_option"
	TypeDHCP4ServiceOption    ObjectType = "dhcpv4_service_deployment_option"

	TypeDNSZone            ObjectType = "dns_zone"
	TypeHostRecord         ObjectType = "host_record"
	TypeAliasRecord        ObjectType = "alias_record"
	TypeMXRecord           ObjectType = "mx_record"
	TypeTXTRecord          ObjectType = "txt_record"
	TypeSRVRecord          ObjectType = "srv_record"
	TypeExternalHostRecord ObjectType = "external_host_record"
	TypeGenericRecord      ObjectType = "generic_record"

	TypeLocation      ObjectType = "location"
	TypeDeviceType    ObjectType = "device_type"
	TypeDeviceSubtype ObjectType = "device_subtype"
	TypeDevice        ObjectType = "device"
	TypeDeviceAddress ObjectType = "device_address"

	TypeTagGroup        ObjectType = "tag_group"
	TypeTag             ObjectType = "tag"
	TypeResourceTag     ObjectType = "resource_tag"
	TypeUserDefinedLink ObjectType = "user_defined_link"
	TypeUDFDefinition   ObjectType = "udf_definition"
	TypeUDLDefinition   ObjectType = "udl_definition"
	TypeMACPool         ObjectType = "mac_pool"
	TypeMACAddress      ObjectType = "mac_address"
	TypeACL             ObjectType = "acl"
	TypeAccessRight     ObjectType = "access_right"

	// TypeSystemBarrier is reserved for the synthetic no-op nodes the graph
	// inserts between execution phases. It never appears in input rows.
	TypeSystemBarrier ObjectType = "system_barrier"
)

// DeleteTier classifies how dangerous deleting a resource of a given type is.
type DeleteTier int

const (
	// TierUnrestricted deletes are leaf resources, always allowed.
	TierUnrestricted DeleteTier = iota
	// TierHighRisk deletes cascade widely and need the explicit override flag.
	TierHighRisk
	// TierAbsolute deletes are never allowed through an import, flag or not.
	TierAbsolute
)

// Traits carries the per-type metadata the pipeline dispatches on.
type Traits struct {
	// APIName is the remote service's PascalCase type name.
	APIName string
	// ResolverName is the normalized name used in resolver cache keys, empty
	// when the type is not path-resolvable.
	ResolverName string
	DeleteTier   DeleteTier
}

var traits = map[ObjectType]Traits{
	TypeConfiguration:      {APIName: "Configuration", ResolverName: "Configuration", DeleteTier: TierAbsolute},
	TypeView:               {APIName: "View", ResolverName: "View", DeleteTier: TierAbsolute},
	TypeIP4Block:           {APIName: "IPv4Block", ResolverName: "Block", DeleteTier: TierHighRisk},
	TypeIP6Block:           {APIName: "IPv6Block", ResolverName: "IPv6Block", DeleteTier: TierHighRisk},
	TypeIP4Network:         {APIName: "IPv4Network", ResolverName: "Network", DeleteTier: TierHighRisk},
	TypeIP6Network:         {APIName: "IPv6Network", ResolverName: "IPv6Network", DeleteTier: TierHighRisk},
	TypeIP4Address:         {APIName: "IPv4Address"},
	TypeIP6Address:         {APIName: "IPv6Address"},
	TypeIP4Group:           {APIName: "IPv4Group"},
	TypeDHCP4Range:         {APIName: "IPv4DHCPRange"},
	TypeDHCP6Range:         {APIName: "IPv6DHCPRange"},
	TypeDHCP4ClientClass:   {APIName: "DHCPv4ClientClass"},
	TypeDHCPDeploymentRole: {APIName: "DHCPDeploymentRole"},
	TypeDNSDeploymentRole:  {APIName: "DNSDeploymentRole", ResolverName: "DNSDeploymentRole"},
	TypeDHCP4ClientOption:  {APIName: "DHCPV4ClientDeploymentOption"},
	TypeDHCP4ServiceOption: {APIName: "DHCPV4ServiceDeploymentOption"},
	TypeDNSZone:            {APIName: "Zone", ResolverName: "Zone", DeleteTier: TierHighRisk},
	TypeHostRecord:         {APIName: "HostRecord"},
	TypeAliasRecord:        {APIName: "AliasRecord"},
	TypeMXRecord:           {APIName: "MXRecord"},
	TypeTXTRecord:          {APIName: "TXTRecord"},
	TypeSRVRecord:          {APIName: "SRVRecord"},
	TypeExternalHostRecord: {APIName: "ExternalHostRecord"},
	TypeGenericRecord:      {APIName: "GenericRecord"},
	TypeLocation:           {APIName: "Location", ResolverName: "Location"},
	TypeDeviceType:         {APIName: "DeviceType"},
	TypeDeviceSubtype:      {APIName: "DeviceSubtype"},
	TypeDevice:             {APIName: "Device"},
	TypeDeviceAddress:      {APIName: "DeviceAddress"},
	TypeTagGroup:           {APIName: "TagGroup"},
	TypeTag:                {APIName: "Tag"},
	TypeResourceTag:        {APIName: "ResourceTag"},
	TypeUserDefinedLink:    {APIName: "UserDefinedLink"},
	TypeUDFDefinition:      {APIName: "UserDefinedField"},
	TypeUDLDefinition:      {APIName: "UserDefinedLinkDefinition"},
	TypeMACPool:            {APIName: "MACPool"},
	TypeMACAddress:         {APIName: "MACAddress"},
	TypeACL:                {APIName: "ACL"},
	TypeAccessRight:        {APIName: "AccessRight"},
	TypeSystemBarrier:      {},
}

// TraitsOf returns the traits entry for t. The bool is false for types
// outside the closed set.
func TraitsOf(t ObjectType) (Traits, bool) {
	tr, ok := traits[t]
	return tr, ok
}

// ParseObjectType validates a raw row value against the closed type set.
func ParseObjectType(s string) (ObjectType, error) {
	t := ObjectType(s)
	if t == TypeSystemBarrier {
		return "", fmt.Errorf("object type %q is reserved", s)
	}
	if _, ok := traits[t]; !ok {
		return "", fmt.Errorf("unknown object type %q", s)
	}
	return t, nil
}

// PhaseOrder is the strict object-type phasing for create/update traffic.
// Containers come before the resources that live inside them; delete traffic
// walks the same list in reverse so children go before parents.
var PhaseOrder = [][]ObjectType{
	{TypeConfiguration, TypeView, TypeDeviceType, TypeTagGroup, TypeUDFDefinition, TypeUDLDefinition, TypeMACPool},
	{TypeDeviceSubtype, TypeTag},
	{TypeLocation, TypeIP4Block, TypeIP4Network, TypeIP6Block, TypeIP6Network},
	{TypeDNSZone, TypeACL},
	{TypeExternalHostRecord},
	{TypeHostRecord, TypeIP4Address, TypeIP6Address, TypeIP4Group, TypeMACAddress},
	{TypeAliasRecord, TypeMXRecord, TypeSRVRecord, TypeTXTRecord, TypeGenericRecord},
	{TypeDevice},
	{
		TypeDHCP4Range, TypeDHCP6Range, TypeDHCP4ClientClass,
		TypeDHCPDeploymentRole, TypeDNSDeploymentRole,
		TypeDHCP4ClientOption, TypeDHCP4ServiceOption,
		TypeDeviceAddress, TypeResourceTag, TypeUserDefinedLink, TypeAccessRight,
	},
}
