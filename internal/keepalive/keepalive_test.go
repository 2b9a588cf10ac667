package keepalive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cronbot/internal/notifier"
	logx "cronbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordNotifier struct{ got []notifier.Notice }

func (r *recordNotifier) Notify(ctx context.Context, n notifier.Notice) error {
	r.got = append(r.got, n)
	return nil
}

func TestPingURL(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := New(Config{Enabled: true, URL: srv.URL}, nil, logx.Nop(), nil)
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, int32(1), hits.Load())

	status.Store(http.StatusBadGateway)
	assert.Error(t, p.Ping(context.Background()))
}

func TestPingOwnerAndDisabled(t *testing.T) {
	t.Parallel()
	rec := &recordNotifier{}
	p := New(Config{Enabled: true, PingOwner: true, OwnerID: 42, URL: "http://unused.invalid"}, rec, logx.Nop(), nil)
	require.NoError(t, p.Ping(context.Background()))
	require.Len(t, rec.got, 1)
	assert.Equal(t, int64(42), rec.got[0].To.ChatID)
	assert.Equal(t, "ping", rec.got[0].Text)

	p.Apply(Config{Enabled: false, PingOwner: true, OwnerID: 42})
	require.NoError(t, p.Ping(context.Background()))
	assert.Len(t, rec.got, 1)
	assert.Equal(t, DefaultInterval, p.Config().Interval)
}
