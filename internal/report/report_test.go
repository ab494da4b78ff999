package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/ipamctl/internal/model"
	"github.com/vk/ipamctl/internal/resolver"
)

func TestBuild(t *testing.T) {
	results := []*model.Result{
		{RowID: "b1", Success: true},
		{RowID: "b2", Success: true, Existing: true},
		{RowID: "n1", Skipped: true, ErrorMessage: "Skipped because parent ip4_block:b3 failed: boom"},
		{RowID: "b3", ErrorMessage: "boom"},
	}

	s := Build(NewRunID(), time.Now(), false, results, resolver.Stats{Hits: 2, Misses: 1})

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Existing)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.NotEmpty(t, s.RunID)
}

func TestWrite(t *testing.T) {
	s := Build(NewRunID(), time.Now(), true, nil, resolver.Stats{})

	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, s.RunID, decoded["run_id"])
	assert.Equal(t, true, decoded["dry_run"])
}
