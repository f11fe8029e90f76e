package kiroadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoverToolCalls_SingleWellFormed(t *testing.T) {
	text := `before [Called search with args: {"query":"go"}] after`
	remaining, calls := RecoverToolCalls(text)
	require.Equal(t, "before  after", remaining)
	require.Len(t, calls, 1)
	require.Equal(t, "search", calls[0].Name)
	require.Equal(t, `{"query":"go"}`, calls[0].Arguments)
	require.NotEmpty(t, calls[0].ID)
}

func TestRecoverToolCalls_NoneFound(t *testing.T) {
	remaining, calls := RecoverToolCalls("just plain text")
	require.Equal(t, "just plain text", remaining)
	require.Empty(t, calls)
}

func TestRecoverToolCalls_DedupsIdenticalCalls(t *testing.T) {
	text := `[Called calc with args: {"x":1}] and again [Called calc with args: {"x":1}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 1)
}

func TestRecoverToolCalls_DistinctArgsNotDeduped(t *testing.T) {
	text := `[Called calc with args: {"x":1}] [Called calc with args: {"x":2}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 2)
}

func TestRecoverToolCalls_RepairsTrailingCommaAndUnquotedKey(t *testing.T) {
	text := `[Called calc with args: {x: 1,}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 1)
	require.Equal(t, `{"x": 1}`, calls[0].Arguments)
}

func TestRecoverToolCalls_RepairsBarewordValue(t *testing.T) {
	text := `[Called calc with args: {"mode": fast}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 1)
	require.Equal(t, `{"mode": "fast"}`, calls[0].Arguments)
}

func TestRecoverToolCalls_BracesInsideStringDoNotConfuseScanner(t *testing.T) {
	text := `[Called calc with args: {"note":"a } b"}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 1)
	require.Equal(t, `{"note":"a } b"}`, calls[0].Arguments)
}
