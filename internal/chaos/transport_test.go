package chaos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/clients"
)

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":7}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestTransportPassesThroughWithoutFault(t *testing.T) {
	srv, hits := countingServer(t)
	tr := NewTransport(nil)
	c := clients.NewCatalogClient(srv.URL, clients.WithTransport(tr))

	n, err := c.CountBooks(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int64(1), hits.Load())
	assert.Zero(t, tr.Injected())
}

func TestTransportRefusesAndClears(t *testing.T) {
	srv, hits := countingServer(t)
	tr := NewTransport(http.DefaultTransport)
	c := clients.NewCatalogClient(srv.URL, clients.WithTransport(tr))
	ctx := context.Background()

	tr.Inject(Fault{Kind: FaultRefuse})
	_, err := c.CountBooks(ctx)
	assert.ErrorIs(t, err, ErrInjectedFault)
	assert.Zero(t, hits.Load())
	assert.Equal(t, int64(1), tr.Injected())

	tr.Clear()
	_, err = c.CountBooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestTransportAnswersWithStatus(t *testing.T) {
	srv, hits := countingServer(t)
	tr := NewTransport(nil)
	c := clients.NewCatalogClient(srv.URL, clients.WithTransport(tr))

	tr.Inject(Fault{Kind: FaultStatus, Status: http.StatusServiceUnavailable})
	_, err := c.CountBooks(context.Background())

	var status *clients.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusServiceUnavailable, status.StatusCode)
	assert.Equal(t, "injected_fault", status.Code)
	assert.True(t, status.Retryable())
	assert.Zero(t, hits.Load())
}

func TestTransportLatencyHonoursDeadline(t *testing.T) {
	srv, hits := countingServer(t)
	tr := NewTransport(nil)
	c := clients.NewCatalogClient(srv.URL, clients.WithTransport(tr), clients.WithTimeout(20*time.Millisecond))

	tr.Inject(Fault{Kind: FaultLatency, Latency: time.Second})
	start := time.Now()
	_, err := c.CountBooks(context.Background())

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, hits.Load())

	tr.Inject(Fault{Kind: FaultLatency, Latency: 5 * time.Millisecond})
	_, err = c.CountBooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}
