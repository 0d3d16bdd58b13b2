package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCommand(t *testing.T) {
	tmpl, err := ParseCommand(`agent --name {{ .Name | upper }} --host {{ .Host | quote }}`)
	require.NoError(t, err)

	cmd, err := RenderCommand(tmpl, CommandData{Name: "node-1", Host: "h1"})
	require.NoError(t, err)
	assert.Equal(t, `agent --name NODE-1 --host "h1"`, cmd)
}

func TestRenderCommandDefaults(t *testing.T) {
	tmpl, err := ParseCommand(`agent {{ .Host | default "localhost" }}`)
	require.NoError(t, err)

	cmd, err := RenderCommand(tmpl, CommandData{})
	require.NoError(t, err)
	assert.Equal(t, "agent localhost", cmd)
}

func TestParseCommandInvalid(t *testing.T) {
	_, err := ParseCommand(`agent {{ .Name `)
	assert.ErrorContains(t, err, "invalid node command")
}
