package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubServer(t *testing.T) *bool {
	t.Helper()
	called := false
	original := startServer
	startServer = func(stdout, stderr io.Writer) int {
		called = true
		return 0
	}
	t.Cleanup(func() { startServer = original })
	return &called
}

func TestRun_NoArgs_StartsServer(t *testing.T) {
	called := stubServer(t)
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vulnmeshd"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, *called)
}

func TestRun_Server_StartsServer(t *testing.T) {
	called := stubServer(t)
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vulnmeshd", "server"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, *called)
}

func TestRun_FlagLikeArg_DefaultsToServer(t *testing.T) {
	called := stubServer(t)
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vulnmeshd", "-config=foo"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, *called)
}

func TestRun_Help(t *testing.T) {
	called := stubServer(t)
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vulnmeshd", "help"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.False(t, *called)
	assert.Contains(t, stdout.String(), "vulnmeshd")
}

func TestRun_UnknownCommand(t *testing.T) {
	called := stubServer(t)
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vulnmeshd", "bogus"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.False(t, *called)
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestRun_HealthCheck_Fails(t *testing.T) {
	t.Setenv("HEALTH_PORT", "1")
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vulnmeshd", "health"}, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "health check failed")
}
