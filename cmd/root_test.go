package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"serve", "worker", "extract", "learn", "jobs", "templates", "patterns", "feedback"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "formextract", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCommandModes(t *testing.T) {
	assert.Equal(t, "serve", serveCmd.Annotations[modeAnnotation])
	assert.Equal(t, "worker", workerCmd.Annotations[modeAnnotation])
	assert.Equal(t, "extract", extractCmd.Annotations[modeAnnotation])
	assert.Empty(t, learnCmd.Annotations[modeAnnotation], "defaults to cli")
}

func TestExtractCommand_Flags(t *testing.T) {
	flag := extractCmd.Flags().Lookup("template")
	require.NotNil(t, flag, "extract command should have --template flag")

	flag = extractCmd.Flags().Lookup("version")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, extractCmd.Flags().ShorthandLookup("o"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("no-workers")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestLearnCommand_Flags(t *testing.T) {
	require.NotNil(t, learnCmd.Flags().Lookup("field"))
	flag := learnCmd.Flags().Lookup("now")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestSubcommandGroups(t *testing.T) {
	groups := map[string][]string{
		"jobs":      {"list", "failed"},
		"templates": {"import", "list", "publish", "delete"},
		"patterns":  {"list", "add", "import", "deactivate"},
		"feedback":  {"import"},
	}
	for parent, children := range groups {
		cmd, _, err := rootCmd.Find([]string{parent})
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, c := range cmd.Commands() {
			names[c.Name()] = true
		}
		for _, child := range children {
			assert.True(t, names[child], "expected %s %s", parent, child)
		}
	}
}
