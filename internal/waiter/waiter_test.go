package waiter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/testutil"
)

const marker = "test-0191e3a0-0000-7000-8000-000000000001@idleprobe.local"

var message = []byte("Message-ID: <" + marker + ">\r\nSubject: probe\r\n\r\nbody\r\n")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity() model.Identity {
	addr := "waiter@" + testutil.FakeDomain
	return model.Identity{Principal: addr, Secret: "pw", Address: addr}
}

func newWaiter(t *testing.T, srv *testutil.MailServer, cfg Config, events *eventlog.Emitter) *Waiter {
	t.Helper()
	w := New(1, testIdentity(), IMAPDialer(srv.IMAPAddr(), 5*time.Second), cfg, discardLogger(), events)
	t.Cleanup(func() { w.Stop(100 * time.Millisecond) })
	return w
}

func armed(t *testing.T, srv *testutil.MailServer, cfg Config) *Waiter {
	t.Helper()
	w := newWaiter(t, srv, cfg, nil)
	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Arm())
	require.Equal(t, StateArmed, w.State())
	return w
}

func TestWaiter_NotifiedAndFetched(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	rec := &eventlog.Recorder{}
	w := newWaiter(t, srv, Config{}, &eventlog.Emitter{Logger: rec})
	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Arm())

	srv.Deliver(testIdentity().Address, message)

	snap := w.Wait(context.Background(), 5*time.Second)
	assert.True(t, snap.Armed)
	assert.True(t, snap.Notified)
	assert.Nil(t, snap.FetchErr)
	assert.Contains(t, string(snap.Payload), marker)
	assert.Equal(t, "* 1 EXISTS", snap.ExistsLine)
	assert.Equal(t, StateNotified, w.State())

	ok, err := w.Verify(marker)
	require.NoError(t, err)
	assert.True(t, ok)

	w.Classified(model.OutcomeReceived)
	assert.Equal(t, StateClassified, w.State())

	var states []string
	for _, e := range rec.Events() {
		states = append(states, e.To)
	}
	assert.Equal(t, []string{"connected", "armed", "notified", "classified"}, states)
}

func TestWaiter_RaceNotifyBeforeCommit(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		NotifyBeforeCommit: func(string) bool { return true },
		CommitDelay:        3 * time.Second,
	})
	w := armed(t, srv, Config{})

	srv.Deliver(testIdentity().Address, message)

	snap := w.Wait(context.Background(), 5*time.Second)
	require.True(t, snap.Notified)
	assert.Nil(t, snap.Payload)
	require.NotNil(t, snap.FetchErr)
	assert.Equal(t, model.CatNoItems, snap.FetchErr.Category)
	assert.Equal(t, "no messages found after EXISTS", snap.FetchErr.Message)
}

func TestWaiter_SearchFailure(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		FailSearch: func(string) bool { return true },
	})
	w := armed(t, srv, Config{})
	srv.Deliver(testIdentity().Address, message)

	snap := w.Wait(context.Background(), 5*time.Second)
	require.NotNil(t, snap.FetchErr)
	assert.Equal(t, model.CatQueryFailed, snap.FetchErr.Category)
	assert.Equal(t, "search", snap.FetchErr.Step)
}

func TestWaiter_FetchFailure(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		FailFetch: func(string) bool { return true },
	})
	w := armed(t, srv, Config{})
	srv.Deliver(testIdentity().Address, message)

	snap := w.Wait(context.Background(), 5*time.Second)
	require.NotNil(t, snap.FetchErr)
	assert.Equal(t, model.CatFetchFailed, snap.FetchErr.Category)
	assert.Nil(t, snap.Payload)
}

func TestWaiter_ArmRefused(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		RefuseIdle: func(string) bool { return true },
	})
	w := newWaiter(t, srv, Config{}, nil)
	require.NoError(t, w.Connect(context.Background()))

	err := w.Arm()
	require.Error(t, err)
	assert.True(t, IsArmError(err))
	assert.Equal(t, StateClassified, w.State())

	snap := w.Wait(context.Background(), time.Second)
	assert.False(t, snap.Armed)
	assert.False(t, snap.Notified)
}

func TestWaiter_ArmConfirmTimeout(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		StallIdle: func(string) bool { return true },
	})
	w := newWaiter(t, srv, Config{ConfirmTimeout: 100 * time.Millisecond}, nil)
	require.NoError(t, w.Connect(context.Background()))

	var ae *ArmError
	require.ErrorAs(t, w.Arm(), &ae)
	assert.Equal(t, "idle", ae.Step)
}

func TestWaiter_ConnectLoginRejected(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		RejectLogin: func(string) bool { return true },
	})
	w := newWaiter(t, srv, Config{}, nil)

	var ae *ArmError
	require.ErrorAs(t, w.Connect(context.Background()), &ae)
	assert.Equal(t, "login", ae.Step)
	assert.Equal(t, 1, ae.ClientID)
}

func TestWaiter_WaitTimeout(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{IdleRead: 10 * time.Second})

	snap := w.Wait(context.Background(), 100*time.Millisecond)
	assert.True(t, snap.Armed)
	assert.False(t, snap.Notified)
	assert.Contains(t, snap.TimeoutErr, "no notification within")

	// The background read is still blocked; Stop must force-close.
	start := time.Now()
	w.Stop(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaiter_WaitCancelled(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := w.Wait(ctx, time.Minute)
	assert.False(t, snap.Notified)
	assert.Contains(t, snap.TimeoutErr, "cancelled")
}

func TestWaiter_SignalWinsOverCancelledContext(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{})

	srv.Deliver(testIdentity().Address, message)
	require.True(t, w.Wait(context.Background(), 5*time.Second).Notified)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 50 {
		snap := w.Wait(ctx, time.Nanosecond)
		require.True(t, snap.Notified)
		assert.Empty(t, snap.TimeoutErr)
		assert.Contains(t, string(snap.Payload), marker)
	}
}

func TestWaiter_DeadlineElapses(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{IdleRead: 50 * time.Millisecond, Deadline: 200 * time.Millisecond})

	snap := w.Wait(context.Background(), 5*time.Second)
	assert.False(t, snap.Notified)
	assert.Equal(t, "waiter deadline elapsed", snap.TimeoutErr)
	assert.Equal(t, StateTimedOut, w.State())
}

func TestWaiter_StopJoins(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{IdleRead: 50 * time.Millisecond})

	w.Stop(2 * time.Second)

	snap := w.Wait(context.Background(), time.Second)
	assert.False(t, snap.Notified)
	assert.Equal(t, "stopped before notification", snap.TimeoutErr)
}

func TestWaiter_ConnectionLostWhileArmed(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{})

	srv.Close()

	snap := w.Wait(context.Background(), 5*time.Second)
	assert.False(t, snap.Notified)
	assert.Contains(t, snap.TimeoutErr, "idle-read")
	assert.Equal(t, StateTimedOut, w.State())
}

func TestWaiter_VerifyBeforeNotify(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	w := armed(t, srv, Config{})

	_, err := w.Verify(marker)
	assert.ErrorIs(t, err, ErrNotNotified)
}
