package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func sendDoorbell(t *testing.T, addr, packet string) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(packet))
	require.NoError(t, err)
}

func TestGate_FollowsGateKey(t *testing.T) {
	f := newSvcFixture(t, Config{}, nil, nil)
	gate := NewGate(f.svc, f.st, GateConfig{
		Addr: "127.0.0.1:0",
		Poll: 10 * time.Millisecond,
	}, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gate.Run(ctx)
		close(done)
	}()

	// App down: stay unbound.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, gate.Bound())

	setRawState(t, f.st, "app.sammi.running", "true")
	require.Eventually(t, gate.Bound, 2*time.Second, 10*time.Millisecond)

	addr := gate.Addr()
	require.NotEmpty(t, addr)

	// UDP is fire-and-forget; resend until the cursor moves. Retransmits
	// are safe because dedupe runs on the commit timestamp.
	require.Eventually(t, func() bool {
		sendDoorbell(t, addr, "101|1700000000000")
		ts, err := f.st.Cursor("CHAT")
		return err == nil && ts == 1700000000000
	}, 5*time.Second, 50*time.Millisecond)

	// App gone: unbind so stray senders cannot feed the pipeline.
	setRawState(t, f.st, "app.sammi.running", "false")
	require.Eventually(t, func() bool { return !gate.Bound() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, gate.Addr())

	// And back again.
	setRawState(t, f.st, "app.sammi.running", "true")
	require.Eventually(t, gate.Bound, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not stop on cancel")
	}
	assert.False(t, gate.Bound())
}

func TestGate_MalformedDatagramIgnored(t *testing.T) {
	f := newSvcFixture(t, Config{}, nil, nil)
	gate := NewGate(f.svc, f.st, GateConfig{
		Addr: "127.0.0.1:0",
		Poll: 10 * time.Millisecond,
	}, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	setRawState(t, f.st, "app.sammi.running", "true")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gate.Run(ctx)
		close(done)
	}()
	require.Eventually(t, gate.Bound, 2*time.Second, 10*time.Millisecond)

	addr := gate.Addr()
	sendDoorbell(t, addr, "garbage")
	sendDoorbell(t, addr, "")

	// A valid packet after garbage still lands.
	require.Eventually(t, func() bool {
		sendDoorbell(t, addr, "CHAT|42")
		ts, err := f.st.Cursor("CHAT")
		return err == nil && ts == 42
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
