package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"hostname": "edge-01",
		"vlan":     30,
		"enabled":  true,
	}

	result, err := Render("{{ .hostname }}", data)
	require.NoError(t, err)
	assert.Equal(t, "edge-01", result)

	result, err = Render("{{ .enabled }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// numbers always come back as float64
	result, err = Render("{{ .vlan }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_ObjectConstruction(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"site": map[string]any{"name": "ams"},
		"interfaces": []any{
			map[string]any{"name": "ge-0/0/1"},
			map[string]any{"name": "ge-0/0/2"},
		},
	}

	result, err := Render(`{
		"site": "{{ .site.name }}",
		"count": {{ len .interfaces }}
	}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)

	require.True(t, ok)
	assert.Equal(t, "ams", resultMap["site"])
	assert.Equal(t, 2.0, resultMap["count"])
}

func TestRender_MultilineConfigStaysText(t *testing.T) {
	t.Parallel()

	result, err := Render("interface {{ .name }}\n shutdown\n", map[string]any{"name": "ge-0/0/1"})
	require.NoError(t, err)
	assert.Equal(t, "interface ge-0/0/1\n shutdown\n", result)
}

func TestRender_ErrorHandling(t *testing.T) {
	t.Parallel()

	_, err := Render("{ invalid..expression }}", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{ nonexistent.field }}", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "function \"nonexistent\" not defined")
}

func TestRender_Functions(t *testing.T) {
	t.Parallel()

	result, err := Render(`{{ upper .site }}-{{ default "core" .role }}`, map[string]any{"site": "fra"})
	require.NoError(t, err)
	assert.Equal(t, "FRA-core", result)
}

func TestLibrary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shutdown.tmpl"), []byte("interface {{ .port }}\n shutdown"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	library := NewLibrary()
	require.NoError(t, library.LoadDir(dir))
	require.NoError(t, library.Add("hostname", "hostname {{ .host }}"))

	assert.ElementsMatch(t, []string{"shutdown", "hostname"}, library.Names())

	ctx := context.Background()

	result, err := library.Render(ctx, "shutdown", map[string]any{"port": "ge-0/0/3"})
	require.NoError(t, err)
	assert.Equal(t, "interface ge-0/0/3\n shutdown", result)

	_, err = library.Render(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrTemplateNotFound)

	require.Error(t, library.Add("broken", "{{ .x "))
}
