package transport

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/attune/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMutualTLS tests an exchange over TLS and that plaintext dealers are
// refused
func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, security.GenerateBundle(dir, nil))
	serverTLS, err := security.ServerTLSConfig(dir)
	require.NoError(t, err)
	clientTLS, err := security.ClientTLSConfig(dir)
	require.NoError(t, err)

	r := NewRouter(RouterConfig{Addr: "127.0.0.1:0", QueueSize: 4, TLS: serverTLS})
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := Dial(ctx, DealerConfig{Addr: r.Addr(), Identity: "3", TLS: clientTLS})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.Send([]byte("sealed")))
	assert.Equal(t, InboundConnected, nextInbound(t, r).Kind)
	in := nextInbound(t, r)
	assert.Equal(t, "3", in.Identity)
	assert.Equal(t, []byte("sealed"), in.Data)

	require.NoError(t, r.Send("3", []byte("ack")))
	assert.Equal(t, []byte("ack"), nextFrame(t, d))

	plainCtx, plainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer plainCancel()
	plain, err := Dial(plainCtx, DealerConfig{Addr: r.Addr(), Identity: "4"})
	if err == nil {
		// The handshake may only fail once the stream is used.
		defer plain.Close()
		_ = plain.Send([]byte("plain"))
		select {
		case _, ok := <-plain.Recv():
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("plaintext stream stayed open")
		}
	}
	assert.Equal(t, []string{"3"}, r.Peers())
}
