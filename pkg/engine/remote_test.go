package engine

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/types"
)

const samplePrometheusBody = `# HELP all_smi_gpu_utilization GPU utilization percent
# TYPE all_smi_gpu_utilization gauge
all_smi_gpu_utilization{gpu_index="0",gpu_name="nvidia0",uuid="GPU-1"} 42
`

func TestRemoteStrategyCollectScrapesEachHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics", r.URL.Path)
		w.Write([]byte(samplePrometheusBody))
	}))
	defer srv.Close()

	os.Setenv(suppressLocalhostWarningEnv, "1")
	defer os.Unsetenv(suppressLocalhostWarningEnv)

	s, err := NewRemoteStrategy(nil, "")
	require.NoError(t, err)

	data, err := s.Collect(t.Context(), types.CollectionConfig{Hosts: []string{srv.URL}, MaxConcurrentScrapes: 4})
	require.NoError(t, err)
	require.Len(t, data.Snapshots, 1)

	for _, snap := range data.Snapshots {
		require.Equal(t, types.FetchOk, snap.FetchStatus)
		require.Len(t, snap.Devices, 1)
		require.Equal(t, "nvidia0", snap.Devices[0].Name)
	}
}

func TestRemoteStrategyCollectMarksUnreachableHostAsErr(t *testing.T) {
	os.Setenv(suppressLocalhostWarningEnv, "1")
	defer os.Unsetenv(suppressLocalhostWarningEnv)

	s, err := NewRemoteStrategy(nil, "")
	require.NoError(t, err)

	data, err := s.Collect(t.Context(), types.CollectionConfig{
		Hosts:                []string{"http://127.0.0.1:1"},
		MaxConcurrentScrapes: 1,
	})
	require.NoError(t, err)
	require.Len(t, data.Snapshots, 1)

	for _, snap := range data.Snapshots {
		require.Equal(t, types.FetchErrWithReason, snap.FetchStatus)
	}
}

func TestRemoteStrategyScrapeOneRejectsSSRF(t *testing.T) {
	os.Unsetenv(suppressLocalhostWarningEnv)

	s, err := NewRemoteStrategy(nil, "")
	require.NoError(t, err)

	snap := s.scrapeOne(t.Context(), "http://127.0.0.1:9090")
	require.Equal(t, types.FetchErrWithReason, snap.FetchStatus)
}

func TestRemoteStrategySendsBearerToken(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(samplePrometheusBody))
	}))
	defer srv.Close()

	os.Setenv(suppressLocalhostWarningEnv, "1")
	defer os.Unsetenv(suppressLocalhostWarningEnv)

	s, err := NewRemoteStrategy(nil, "secret-token")
	require.NoError(t, err)

	snap := s.scrapeOne(t.Context(), srv.URL)
	require.Equal(t, types.FetchOk, snap.FetchStatus)
	require.Equal(t, "Bearer secret-token", gotAuth)
}
