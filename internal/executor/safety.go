package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/model"
)

// SafetyViolationError rejects delete operations on protected object types.
// Absolute violations can never be overridden.
type SafetyViolationError struct {
	Absolute   bool
	Violations []string
}

func (e *SafetyViolationError) Error() string {
	if e.Absolute {
		return fmt.Sprintf(
			"ABSOLUTE SAFETY VIOLATION: Found %d forbidden operation(s):\n%s\nDeletion of configurations and views via CSV import is PERMANENTLY BLOCKED. Remove these rows and delete such resources through the management UI if truly intended.",
			len(e.Violations), strings.Join(e.Violations, "\n"))
	}
	return fmt.Sprintf(
		"CRITICAL SAFETY VIOLATION: Found %d dangerous operation(s):\n%s\nDeleting blocks, networks or zones cascades to everything beneath them. Re-run with dangerous operations explicitly allowed to proceed.",
		len(e.Violations), strings.Join(e.Violations, "\n"))
}

// ValidateDeletes screens a batch before execution. Absolute-tier deletes
// always fail; high-risk deletes fail unless allowDangerous is set.
func ValidateDeletes(ctx context.Context, ops []*model.Operation, allowDangerous bool) error {
	var absolute, dangerous []string
	for _, op := range ops {
		if op.Type != model.OpDelete {
			continue
		}
		traits, ok := model.TraitsOf(op.ObjectType)
		if !ok {
			continue
		}
		line := fmt.Sprintf("  - row %q: delete %s", op.RowID, op.ObjectType)
		switch traits.DeleteTier {
		case model.TierAbsolute:
			absolute = append(absolute, line)
		case model.TierHighRisk:
			dangerous = append(dangerous, line)
		}
	}

	if len(absolute) > 0 {
		return &SafetyViolationError{Absolute: true, Violations: absolute}
	}
	if len(dangerous) > 0 {
		if !allowDangerous {
			return &SafetyViolationError{Violations: dangerous}
		}
		ctxlog.FromContext(ctx).Warn("DANGEROUS OPERATIONS APPROVED, proceeding with high-risk deletes.",
			"count", len(dangerous))
	}
	return nil
}

// checkDelete re-validates a single delete at execution time.
func checkDelete(ctx context.Context, op *model.Operation, allowDangerous bool) error {
	return ValidateDeletes(ctx, []*model.Operation{op}, allowDangerous)
}
