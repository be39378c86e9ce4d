// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCmd_VersionFlag tests if the --version flag works correctly.
func TestRootCmd_VersionFlag(t *testing.T) {
	testRootCmd := NewRootCommand()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetErr(&out)
	testRootCmd.SetArgs([]string{"--version"})

	err := testRootCmd.ExecuteContext(context.Background())

	require.NoError(t, err)
	assert.Contains(t, out.String(), "webpilot version "+Version)
}

// TestRootCmd_NoArgs tests the behavior when no arguments are provided.
func TestRootCmd_NoArgs(t *testing.T) {
	testRootCmd := NewRootCommand()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetErr(&out)
	testRootCmd.SetArgs([]string{})

	err := testRootCmd.ExecuteContext(context.Background())

	require.NoError(t, err)
	assert.Contains(t, out.String(), "WebPilot is an AI-driven workflow automator")
}
