package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsToLocalMode(t *testing.T) {
	cfg, exitCode, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ExitOK, exitCode)
	require.Equal(t, ModeLocal, cfg.Mode)
	require.Equal(t, 2, cfg.IntervalSeconds)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	_, exitCode, err := Load([]string{"--mode=bogus"})
	require.Error(t, err)
	require.Equal(t, ExitConfigError, exitCode)
}

func TestLoadClampsInterval(t *testing.T) {
	cfg, _, err := Load([]string{"--interval=0"})
	require.NoError(t, err)
	require.Equal(t, minIntervalSeconds, cfg.IntervalSeconds)

	cfg, _, err = Load([]string{"--interval=999"})
	require.NoError(t, err)
	require.Equal(t, maxIntervalSeconds, cfg.IntervalSeconds)
}

func TestLoadHostsFlag(t *testing.T) {
	cfg, _, err := Load([]string{"--mode=api", "--hosts=http://a:9090", "--hosts=http://b:9090"})
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:9090", "http://b:9090"}, cfg.Hosts)
}

func TestLoadHostfileMergesIntoHosts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte("http://a:9090\n# comment\n\nhttp://b:9090\n"), 0o644))

	cfg, _, err := Load([]string{"--hostfile=" + path})
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:9090", "http://b:9090"}, cfg.Hosts)
}

func TestLoadHostfileRejectsPathTraversal(t *testing.T) {
	_, exitCode, err := Load([]string{"--hostfile=../etc/passwd"})
	require.Error(t, err)
	require.Equal(t, ExitConfigError, exitCode)
}

func TestLoadHostfileRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")

	big := make([]byte, hostfileMaxBytes+1)
	for i := range big {
		big[i] = 'a'
	}

	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, _, err := Load([]string{"--hostfile=" + path})
	require.Error(t, err)
}

func TestLoadHostfileRejectsNonASCII(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte("http://héte:9090\n"), 0o644))

	_, _, err := Load([]string{"--hostfile=" + path})
	require.Error(t, err)
}

func TestLoadHostfileRejectsTooManyEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")

	var content string

	for i := 0; i < hostfileMaxEntries+5; i++ {
		content += "http://h.example/metrics\n"
	}

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, _, err := Load([]string{"--hostfile=" + path})
	require.Error(t, err)
}

func TestLoadAuthTokenFromEnv(t *testing.T) {
	os.Setenv(AuthTokenEnv, "tok-123")
	defer os.Unsetenv(AuthTokenEnv)

	cfg, _, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "tok-123", cfg.AuthToken)
}

func TestLoadWebConfigFileFlag(t *testing.T) {
	cfg, _, err := Load([]string{"--web.config.file=/etc/all-smi/web.yml"})
	require.NoError(t, err)
	require.Equal(t, "/etc/all-smi/web.yml", cfg.WebConfigFile)
}

func TestLoadBackendAIClusterHostsFallback(t *testing.T) {
	os.Setenv(BackendAIClusterHostsEnv, "http://a:9090, http://b:9090")
	defer os.Unsetenv(BackendAIClusterHostsEnv)

	cfg, _, err := Load([]string{"--mode=api"})
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:9090", "http://b:9090"}, cfg.Hosts)
}
