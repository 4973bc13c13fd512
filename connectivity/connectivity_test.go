package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(v bool) Probe {
	return func(context.Context) (bool, error) { return v, nil }
}

func TestSnapshotCombinesProbes(t *testing.T) {
	a := New(Options{Wifi: fixed(true), Bluetooth: fixed(false), Internet: fixed(true)})
	assert.Equal(t, Status{WifiDirect: true, Bluetooth: false, Internet: true}, a.Snapshot(context.Background()))
}

func TestSnapshotTreatsErrorsAsUnavailable(t *testing.T) {
	failing := func(context.Context) (bool, error) { return true, errors.New("boom") }
	a := New(Options{Wifi: failing, Bluetooth: fixed(true), Internet: failing})
	assert.Equal(t, Status{Bluetooth: true}, a.Snapshot(context.Background()))
}

func TestSnapshotRunsProbesEveryCall(t *testing.T) {
	var calls atomic.Int32
	counting := func(context.Context) (bool, error) {
		return calls.Add(1)%2 == 1, nil
	}
	a := New(Options{Wifi: counting, Bluetooth: fixed(false), Internet: fixed(false)})
	assert.True(t, a.Snapshot(context.Background()).WifiDirect)
	assert.False(t, a.Snapshot(context.Background()).WifiDirect)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatusJSONKeys(t *testing.T) {
	raw, err := json.Marshal(Status{WifiDirect: true, Internet: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"wifiDirect":true,"bluetooth":false,"internet":true}`, string(raw))
}

func TestHTTPProbe(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	probe := HTTPProbe(server.Client(), server.URL, time.Second)
	ok, err := probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "any response means the network is reachable")
	assert.Equal(t, http.MethodHead, method)

	server.Close()
	ok, err = probe(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPProbeTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	ok, err := HTTPProbe(server.Client(), server.URL, 100*time.Millisecond)(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}
