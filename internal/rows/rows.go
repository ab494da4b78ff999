// Package rows loads and validates the CSV input. Columns are matched by
// header name, unknown columns pass through into Row.Extra, and udf_
// prefixed columns are collected separately.
package rows

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/model"
)

// ValidationError rejects a row with its line number and reason.
type ValidationError struct {
	Line   int
	RowID  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("line %d (row %q): %s", e.Line, e.RowID, e.Reason)
}

// LoadFile reads the CSV at path.
func LoadFile(ctx context.Context, path string) ([]*model.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rows file: %w", err)
	}
	defer f.Close()
	return Load(ctx, f)
}

// Load parses rows from r. The first record is the header; required columns
// are row_id, object_type and action.
func Load(ctx context.Context, r io.Reader) ([]*model.Row, error) {
	log := ctxlog.FromContext(ctx)

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
	}
	for _, required := range []string{"row_id", "object_type", "action"} {
		if !contains(columns, required) {
			return nil, fmt.Errorf("header is missing required column %q", required)
		}
	}

	var out []*model.Row
	seen := make(map[string]int)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		fields := make(map[string]string, len(columns))
		for i, value := range record {
			if i >= len(columns) {
				break
			}
			fields[columns[i]] = strings.TrimSpace(value)
		}

		row, err := buildRow(line, fields)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[row.ID]; dup {
			return nil, &ValidationError{Line: line, RowID: row.ID,
				Reason: fmt.Sprintf("duplicate row_id, first used on line %d", prev)}
		}
		seen[row.ID] = line
		out = append(out, row)
	}

	log.Info("Loaded rows.", "count", len(out))
	return out, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func buildRow(line int, fields map[string]string) (*model.Row, error) {
	rowID := fields["row_id"]
	if rowID == "" {
		return nil, &ValidationError{Line: line, Reason: "row_id is empty"}
	}

	objectType, err := model.ParseObjectType(fields["object_type"])
	if err != nil {
		return nil, &ValidationError{Line: line, RowID: rowID, Reason: err.Error()}
	}
	action, err := model.ParseAction(fields["action"])
	if err != nil {
		return nil, &ValidationError{Line: line, RowID: rowID, Reason: err.Error()}
	}

	row := &model.Row{
		ID:         rowID,
		ObjectType: objectType,
		Action:     action,
		Extra:      make(map[string]string),
		UDFs:       make(map[string]string),
	}

	claimed := map[string]func(string) error{
		"row_id":      func(string) error { return nil },
		"object_type": func(string) error { return nil },
		"action":      func(string) error { return nil },
		"remote_id": func(v string) error {
			if v == "" {
				return nil
			}
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("remote_id %q is not an integer", v)
			}
			row.RemoteID = id
			return nil
		},
		"ttl": func(v string) error {
			if v == "" {
				return nil
			}
			ttl, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("ttl %q is not an integer", v)
			}
			row.TTL = ttl
			return nil
		},
		"name":               stringField(&row.Name),
		"cidr":               stringField(&row.CIDR),
		"address":            stringField(&row.Address),
		"config":             stringField(&row.Config),
		"parent":             stringField(&row.Parent),
		"view":               stringField(&row.ViewPath),
		"zone_name":          stringField(&row.ZoneName),
		"absolute_name":      stringField(&row.AbsoluteName),
		"code":               stringField(&row.Code),
		"location_code":      stringField(&row.LocationCode),
		"network_path":       stringField(&row.NetworkPath),
		"block_path":         stringField(&row.BlockPath),
		"zone_path":          stringField(&row.ZonePath),
		"range":              stringField(&row.Range),
		"device_type":        stringField(&row.DeviceType),
		"device_subtype":     stringField(&row.DeviceSubtype),
		"device_name":        stringField(&row.DeviceName),
		"linked_record_name": stringField(&row.LinkedRecordName),
		"exchange":           stringField(&row.Exchange),
		"target":             stringField(&row.Target),
		"value":              stringField(&row.Value),
	}

	for column, value := range fields {
		if set, ok := claimed[column]; ok {
			if err := set(value); err != nil {
				return nil, &ValidationError{Line: line, RowID: rowID, Reason: err.Error()}
			}
			continue
		}
		if value == "" {
			continue
		}
		if name, ok := strings.CutPrefix(column, "udf_"); ok {
			row.UDFs[name] = value
			continue
		}
		row.Extra[column] = value
	}

	if err := validateRow(row); err != nil {
		return nil, &ValidationError{Line: line, RowID: rowID, Reason: err.Error()}
	}
	return row, nil
}

func stringField(target *string) func(string) error {
	return func(v string) error {
		*target = v
		return nil
	}
}

// validateRow enforces per-type required fields.
func validateRow(row *model.Row) error {
	if row.Action != model.ActionCreate && row.RemoteID == 0 {
		switch row.ObjectType {
		case model.TypeIP4Block, model.TypeIP6Block, model.TypeIP4Network,
			model.TypeIP6Network, model.TypeDNSZone, model.TypeLocation:
			// Path-addressable types can be resolved without a remote id.
		default:
			return fmt.Errorf("%s rows need remote_id", row.Action)
		}
	}

	switch row.ObjectType {
	case model.TypeConfiguration, model.TypeView, model.TypeDeviceType,
		model.TypeDeviceSubtype, model.TypeDevice, model.TypeTagGroup, model.TypeTag:
		if row.Action == model.ActionCreate && row.Name == "" {
			return fmt.Errorf("%s rows need name", row.ObjectType)
		}
	case model.TypeIP4Block, model.TypeIP6Block, model.TypeIP4Network, model.TypeIP6Network:
		if row.Action == model.ActionCreate && row.CIDR == "" {
			return fmt.Errorf("%s rows need cidr", row.ObjectType)
		}
	case model.TypeIP4Address, model.TypeIP6Address:
		if row.Action == model.ActionCreate && row.Address == "" {
			return fmt.Errorf("%s rows need address", row.ObjectType)
		}
	case model.TypeDNSZone:
		if row.Action == model.ActionCreate && row.ZoneName == "" {
			return fmt.Errorf("%s rows need zone_name", row.ObjectType)
		}
	case model.TypeLocation:
		if row.Action == model.ActionCreate && row.Code == "" {
			return fmt.Errorf("%s rows need code", row.ObjectType)
		}
	case model.TypeDHCP4Range, model.TypeDHCP6Range:
		if row.Action == model.ActionCreate && row.Range == "" {
			return fmt.Errorf("%s rows need range", row.ObjectType)
		}
	case model.TypeHostRecord, model.TypeAliasRecord, model.TypeMXRecord,
		model.TypeSRVRecord, model.TypeTXTRecord, model.TypeGenericRecord,
		model.TypeExternalHostRecord:
		if row.Action == model.ActionCreate && row.Name == "" && row.AbsoluteName == "" {
			return fmt.Errorf("%s rows need name or absolute_name", row.ObjectType)
		}
	}
	return nil
}
