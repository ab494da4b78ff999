package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/ipamctl/internal/model"
)

func TestValidateDeletes(t *testing.T) {
	deleteOp := func(rowID string, objectType model.ObjectType) *model.Operation {
		return &model.Operation{
			RowID: rowID, Type: model.OpDelete, ObjectType: objectType,
			Payload: make(map[string]any),
		}
	}

	t.Run("configuration delete is blocked even with override", func(t *testing.T) {
		ops := []*model.Operation{deleteOp("c1", model.TypeConfiguration)}

		err := ValidateDeletes(throttleContext(t), ops, true)
		var violation *SafetyViolationError
		require.ErrorAs(t, err, &violation)
		assert.True(t, violation.Absolute)
		assert.Contains(t, err.Error(), "ABSOLUTE SAFETY VIOLATION")
		assert.Contains(t, err.Error(), "PERMANENTLY BLOCKED")
	})

	t.Run("view delete is blocked even with override", func(t *testing.T) {
		ops := []*model.Operation{deleteOp("v1", model.TypeView)}

		var violation *SafetyViolationError
		require.ErrorAs(t, ValidateDeletes(throttleContext(t), ops, true), &violation)
		assert.True(t, violation.Absolute)
	})

	t.Run("block delete requires the override", func(t *testing.T) {
		ops := []*model.Operation{deleteOp("b1", model.TypeIP4Block)}

		err := ValidateDeletes(throttleContext(t), ops, false)
		var violation *SafetyViolationError
		require.ErrorAs(t, err, &violation)
		assert.False(t, violation.Absolute)
		assert.Contains(t, err.Error(), "CRITICAL SAFETY VIOLATION")

		assert.NoError(t, ValidateDeletes(throttleContext(t), ops, true))
	})

	t.Run("zone delete requires the override", func(t *testing.T) {
		ops := []*model.Operation{deleteOp("z1", model.TypeDNSZone)}

		require.Error(t, ValidateDeletes(throttleContext(t), ops, false))
		assert.NoError(t, ValidateDeletes(throttleContext(t), ops, true))
	})

	t.Run("unrestricted deletes pass without the override", func(t *testing.T) {
		ops := []*model.Operation{
			deleteOp("h1", model.TypeHostRecord),
			deleteOp("a1", model.TypeIP4Address),
		}
		assert.NoError(t, ValidateDeletes(throttleContext(t), ops, false))
	})

	t.Run("creates are never screened", func(t *testing.T) {
		ops := []*model.Operation{{
			RowID: "c1", Type: model.OpCreate, ObjectType: model.TypeConfiguration,
			Payload: make(map[string]any),
		}}
		assert.NoError(t, ValidateDeletes(throttleContext(t), ops, false))
	})
}
