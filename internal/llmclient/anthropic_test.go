package llmclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnthropicAdaptTools_RequiresName(t *testing.T) {
	_, err := anthropicAdaptTools([]ToolSchema{{Name: ""}})
	require.Error(t, err)
}

func TestAnthropicAdaptMessages_SplitsSystem(t *testing.T) {
	sys, conv, err := anthropicAdaptMessages([]Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	})
	require.NoError(t, err)
	require.Len(t, sys, 1)
	require.Len(t, conv, 1)
}

func TestAnthropicAdaptMessages_RejectsUnknownRole(t *testing.T) {
	_, _, err := anthropicAdaptMessages([]Message{{Role: "narrator", Content: "x"}})
	require.Error(t, err)
}
