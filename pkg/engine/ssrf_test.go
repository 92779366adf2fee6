package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRemoteURLRejectsLoopback(t *testing.T) {
	os.Unsetenv(suppressLocalhostWarningEnv)

	_, err := ValidateRemoteURL("http://127.0.0.1:9090")
	require.Error(t, err)
}

func TestValidateRemoteURLAllowsLoopbackWithEscapeHatch(t *testing.T) {
	os.Setenv(suppressLocalhostWarningEnv, "1")
	defer os.Unsetenv(suppressLocalhostWarningEnv)

	u, err := ValidateRemoteURL("http://127.0.0.1:9090")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", u.Host)
}

func TestValidateRemoteURLRejectsBadScheme(t *testing.T) {
	_, err := ValidateRemoteURL("ftp://example.com/metrics")
	require.Error(t, err)
}

func TestValidateRemoteURLRejectsPathTraversal(t *testing.T) {
	_, err := ValidateRemoteURL("http://example.com/../etc/passwd")
	require.Error(t, err)
}

func TestValidateRemoteURLAcceptsPublicHost(t *testing.T) {
	u, err := ValidateRemoteURL("https://example.com:9090")
	require.NoError(t, err)
	require.Equal(t, "https", u.Scheme)
}
