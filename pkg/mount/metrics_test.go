package mount

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpoint(t *testing.T) {
	m := newMetrics()
	m.setState(Ready)
	m.lockDecisions.WithLabelValues("LockAvailable").Inc()

	srv, err := startMetricsServer("127.0.0.1:0", m, func() types.Status {
		return types.Status{EnlistmentRoot: "/src/repo", MountStatus: types.MountStatusReady}
	})
	require.NoError(t, err)
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `gvfs_mount_state{state="ready"} 1`)
	assert.Contains(t, string(body), `gvfs_lock_decisions_total{result="LockAvailable"} 1`)

	resp, err = http.Get("http://" + srv.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st types.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "/src/repo", st.EnlistmentRoot)
}
