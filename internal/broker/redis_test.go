package broker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/svcbus/internal/svcerr"
)

func newTestBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)

	b, err := NewRedisBroker(RedisOptions{
		Host:                srv.Host(),
		Port:                mustPort(t, srv.Port()),
		HealthCheckInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, srv
}

func mustPort(t *testing.T, s string) int {
	t.Helper()
	port, err := strconv.Atoi(s)
	require.NoError(t, err)
	return port
}

func TestListPushAndPopTailBlocking(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.ListPush(ctx, "q1", []byte("first")))
	require.NoError(t, b.ListPush(ctx, "q1", []byte("second")))

	v, err := b.ListPopTailBlocking(ctx, "q1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", string(v))
}

func TestListPopTailPushHeadBlockingMovesElementAtomically(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.ListPush(ctx, "pending:domain", []byte("payload")))

	v, err := b.ListPopTailPushHeadBlocking(ctx, "pending:domain", "processing:domain:inst1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "payload", string(v))

	members, err := b.client.LRange(ctx, "processing:domain:inst1", 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"payload"}, members)
}

func TestHashSetGetDelete(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.HashSet(ctx, "loc", "field", []byte("value")))

	v, found, err := b.HashGet(ctx, "loc", "field")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", string(v))

	require.NoError(t, b.HashDelete(ctx, "loc", "field"))
	_, found, err = b.HashGet(ctx, "loc", "field")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetAddIsMemberMembers(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SetAdd(ctx, "registry:domain", "svc1"))
	ok, err := b.SetIsMember(ctx, "registry:domain", "svc1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.SetIsMember(ctx, "registry:domain", "svcX")
	require.NoError(t, err)
	require.False(t, ok)

	members, err := b.SetMembers(ctx, "registry:domain")
	require.NoError(t, err)
	require.Contains(t, members, "svc1")
}

func TestJSONPathFallsBackToFeatureUnsupported(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	err := b.SetJSONPath(ctx, "trace", "$.trace", []byte(`{}`), 0)
	require.Error(t, err)
	require.True(t, svcerr.Is(err, svcerr.KindFeatureUnsupported), "got %v", err)
}

func TestConnectionObserverNotifiedOnDisruption(t *testing.T) {
	b, srv := newTestBroker(t)

	disrupted := make(chan string, 1)
	b.AddConnectionObserver(testObserver{
		onDisrupted: func(id string) { disrupted <- id },
	})

	srv.Close()

	select {
	case id := <-disrupted:
		require.Equal(t, b.Identifier(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection-disrupted notification")
	}
}

type testObserver struct {
	onDisrupted func(string)
	onRecovered func(string)
}

func (o testObserver) OnConnectionDisrupted(id string) {
	if o.onDisrupted != nil {
		o.onDisrupted(id)
	}
}

func (o testObserver) OnConnectionRecovered(id string) {
	if o.onRecovered != nil {
		o.onRecovered(id)
	}
}
