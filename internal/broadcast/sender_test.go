package broadcast

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/testutil"
)

const fixedMarker = "test-fixed-0001@idleprobe.local"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func senderIdentity() model.Identity {
	addr := "sender@" + testutil.FakeDomain
	return model.Identity{Principal: addr, Secret: "pw", Address: addr}
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{ClientID: i, Address: fmt.Sprintf("rcpt%d@%s", i, testutil.FakeDomain)}
	}
	return out
}

func newSender(srv *testutil.MailServer, events *eventlog.Emitter) *Sender {
	return New(SMTPDialer(srv.SMTPAddr(), 5*time.Second), senderIdentity(), Config{}, nil,
		testutil.NewFixedMarkers(fixedMarker), discardLogger(), nil, events)
}

func TestBroadcast_AllDelivered(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	rec := &eventlog.Recorder{}
	s := newSender(srv, &eventlog.Emitter{Logger: rec})

	res, err := s.Broadcast(context.Background(), recipients(4))
	require.NoError(t, err)

	assert.Equal(t, fixedMarker, res.Marker)
	assert.Equal(t, 4, res.Stats.Sent)
	assert.Zero(t, res.Stats.Failed)
	assert.Zero(t, res.Stats.Retried)
	assert.Equal(t, 4, res.Stats.Latency.Count)
	assert.Equal(t, 1, s.Connections(), "one session for the whole batch")
	assert.Len(t, rec.Events(), 4)

	for _, r := range recipients(4) {
		msgs := srv.Messages(r.Address)
		require.Len(t, msgs, 1)
		assert.Contains(t, string(msgs[0]), "Message-ID: <"+fixedMarker+">")
		assert.Contains(t, string(msgs[0]), "To: <"+r.Address+">")
	}
}

func TestBroadcast_RetriesOnceAfterReconnect(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		DropDelivery: func(rcpt string, attempt int) bool {
			return strings.HasPrefix(rcpt, "rcpt1@") && attempt == 1
		},
	})
	s := newSender(srv, nil)

	res, err := s.Broadcast(context.Background(), recipients(3))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Stats.Sent)
	assert.Equal(t, 1, res.Stats.Retried)
	assert.True(t, res.Records[1].Retried)
	assert.True(t, res.Records[1].OK)
	assert.Equal(t, 2, s.Connections())
	assert.Len(t, srv.Messages("rcpt1@"+testutil.FakeDomain), 1)
}

func TestBroadcast_PersistentFailureDoesNotAbortBatch(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		DropDelivery: func(rcpt string, _ int) bool { return strings.HasPrefix(rcpt, "rcpt0@") },
	})
	s := newSender(srv, nil)

	res, err := s.Broadcast(context.Background(), recipients(3))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Sent)
	assert.Equal(t, 1, res.Stats.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 0, res.Errors[0].ClientID)
	assert.Equal(t, model.CatConnection, res.Records[0].Category)
	assert.Len(t, srv.Messages("rcpt2@"+testutil.FakeDomain), 1)
}

func TestBroadcast_SenderRejected(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		RejectLogin: func(p string) bool { return strings.HasPrefix(p, "sender@") },
	})
	s := newSender(srv, nil)

	res, err := s.Broadcast(context.Background(), recipients(2))
	require.NoError(t, err)
	assert.Zero(t, res.Stats.Sent)
	assert.Equal(t, 2, res.Stats.Failed)
	assert.Equal(t, model.CatAuth, res.Records[0].Category)
}

func TestBroadcast_Cancelled(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})
	s := newSender(srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Broadcast(ctx, recipients(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Failed)
	assert.Zero(t, res.Stats.Retried)
}

func TestUUIDMarkers(t *testing.T) {
	m := UUIDMarkers{}.NewMarker()
	assert.True(t, strings.HasPrefix(m, "test-"))
	assert.True(t, strings.HasSuffix(m, "@"+MarkerDomain))
	assert.NotEqual(t, m, UUIDMarkers{}.NewMarker())
}

func TestTemplate_Render(t *testing.T) {
	out, err := DefaultMessage().Render(MessageData{
		From:      "a@x",
		To:        "b@x",
		Subject:   "s",
		MessageID: "test-1@idleprobe.local",
		Date:      "Mon, 01 Jan 2024 00:00:00 +0000",
	})
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "Message-ID: <test-1@idleprobe.local>")
	assert.Contains(t, text, "multipart/encrypted")
	assert.Contains(t, text, "-----BEGIN PGP MESSAGE-----")
}

func TestParseMessage_Errors(t *testing.T) {
	_, err := ParseMessage("{{.From")
	assert.Error(t, err)

	tmpl, err := ParseMessage("X-Unknown: {{.Nope}}\n")
	require.NoError(t, err)
	_, err = tmpl.Render(MessageData{})
	assert.Error(t, err)
}

func TestLoadMessage(t *testing.T) {
	_, err := LoadMessage("/nonexistent/message.tmpl")
	assert.Error(t, err)
}
