package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr})
	require.ErrorContains(t, err, "platform/cache: ping")
}

func TestAsynqOptions(t *testing.T) {
	opt := Options{Addr: "redis:6379", Password: "pw", DB: 2}.Asynq()
	require.Equal(t, "redis:6379", opt.Addr)
	require.Equal(t, "pw", opt.Password)
	require.Equal(t, 2, opt.DB)
}
