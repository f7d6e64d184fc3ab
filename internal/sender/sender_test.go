package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/josiasmc/facturador-electronico-cr/internal/facturador"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

type fakeDrainer struct {
	mu      sync.Mutex
	calls   int
	budgets []time.Duration
	result  []facturador.Outcome
	err     error
}

func (d *fakeDrainer) DrainQueue(_ context.Context, budget time.Duration) ([]facturador.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.budgets = append(d.budgets, budget)
	return d.result, d.err
}

func (d *fakeDrainer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestNew_Budget(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want time.Duration
	}{
		{"defaults", nil, 50 * time.Second},
		{"explicit", &Config{Interval: time.Minute, Budget: 30 * time.Second}, 30 * time.Second},
		{"budget above interval", &Config{Interval: 60 * time.Second, Budget: 2 * time.Minute}, 50 * time.Second},
		{"no interval", &Config{}, 50 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeDrainer{}, tt.cfg, nil)
			assert.Equal(t, tt.want, s.budget)
		})
	}
}

func TestRunOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := &fakeDrainer{result: []facturador.Outcome{
		{Key: "50631071800060396091600100001010000000001199999999", Direction: reliability.Outbound, State: reliability.StateSent},
	}}
	s := New(d, &Config{Interval: time.Minute, Budget: 40 * time.Second}, zap.New(core))

	out := s.RunOnce(context.Background())
	assert.Len(t, out, 1)
	assert.Equal(t, []time.Duration{40 * time.Second}, d.budgets)
	assert.Equal(t, 1, logs.FilterMessage("queue drained").Len())

	d.err = errors.New("database is down")
	d.result = nil
	s.RunOnce(context.Background())
	assert.Equal(t, 1, logs.FilterMessage("draining queue failed").Len())
}

func TestStartStop(t *testing.T) {
	d := &fakeDrainer{}
	s := New(d, &Config{Interval: 10 * time.Millisecond, Budget: 5 * time.Millisecond}, nil)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return d.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	calls := d.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, d.count())
}

func TestStop_NotStarted(t *testing.T) {
	s := New(&fakeDrainer{}, nil, nil)
	s.Stop()
}
