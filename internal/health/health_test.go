package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/logger"
)

var up = PingFunc(func(context.Context) error { return nil })

func TestProbe(t *testing.T) {
	ctx := context.Background()

	status, err := Probe(ctx, up, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusUp, status)

	status, err = Probe(ctx, PingFunc(func(context.Context) error { return errors.New("connection refused") }), time.Second)
	assert.Error(t, err)
	assert.Equal(t, StatusDown, status)

	status, err = Probe(ctx, PingFunc(func(context.Context) error { panic("nil client") }), time.Second)
	assert.Error(t, err)
	assert.Equal(t, StatusDown, status)
}

func TestProbeTimesOutOnStuckService(t *testing.T) {
	stuck := PingFunc(func(context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	start := time.Now()
	status, err := Probe(context.Background(), stuck, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusDown, status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestProbeDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := PingFunc(func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first call fails")
		}
		return nil
	})
	status, _ := Probe(context.Background(), flaky, time.Second)
	assert.Equal(t, StatusDown, status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProbeAll(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("503") })
	p := NewProber(logger.Nop(), time.Second,
		Target{Name: "identity", Pinger: up},
		Target{Name: "catalog", Pinger: down},
		Target{Name: "lending", Pinger: up},
	)

	r := p.ProbeAll(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, 2, r.ServicesUp)
	assert.Equal(t, 3, r.TotalServices)
	assert.Equal(t, StatusDown, r.Services["catalog"])
	require.Len(t, r.Checks, 3)
	assert.Equal(t, "catalog", r.Checks[1].Service)
	assert.NotEmpty(t, r.Checks[1].Error)
}

func TestOverall(t *testing.T) {
	assert.Equal(t, StatusUp, Overall(nil))
	assert.Equal(t, StatusUp, Overall([]Status{StatusUp, StatusUp}))
	assert.Equal(t, StatusDegraded, Overall([]Status{StatusUp, StatusDown}))
}
