package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, healthy bool, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: healthy, Detail: detail}
	}
}

func TestRegistry_CheckAll(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		order    []string
		want     bool
	}{
		{"empty", nil, nil, true},
		{"all healthy", map[string]Checker{
			"database": fixed("database", true, ""),
			"factory":  fixed("factory", true, "ok"),
		}, []string{"database", "factory"}, true},
		{"one down", map[string]Checker{
			"database": fixed("database", true, ""),
			"factory":  fixed("factory", false, "connection refused"),
		}, []string{"database", "factory"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, n := range tt.order {
				r.Register(n, tt.checkers[n])
			}
			healthy, statuses := r.CheckAll(context.Background())
			assert.Equal(t, tt.want, healthy)
			require.Len(t, statuses, len(tt.order))
			for i, n := range tt.order {
				assert.Equal(t, n, statuses[i].Name)
			}
		})
	}
}

func TestRegistry_FillsNameAndLatency(t *testing.T) {
	r := NewRegistry()
	calls := 0
	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 40 * time.Millisecond)
	}
	r.Register("store", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "store", statuses[0].Name)
	assert.Equal(t, int64(40), statuses[0].LatencyMS)
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", fixed("checker", true, ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}

func TestPing(t *testing.T) {
	st := Ping("database", time.Second, func(context.Context) error { return nil })(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "database", st.Name)

	st = Ping("relay", time.Second, func(context.Context) error { return errors.New("dial tcp: refused") })(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "dial tcp: refused", st.Detail)
}

func TestPing_Timeout(t *testing.T) {
	slow := Ping("rpc", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	st := slow(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "deadline")
}
