package mailproto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/testutil"
)

func TestSubmit_AuthAndSend(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})

	s, err := DialSubmit(context.Background(), srv.SMTPAddr(), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Auth("sender@[127.0.0.1]", "pw"))

	msg := []byte("Subject: hello\r\n\r\n.leading dot\r\nbody\r\n")
	require.NoError(t, s.Send("sender@[127.0.0.1]", []string{"bob@[127.0.0.1]"}, msg))
	require.NoError(t, s.Quit())

	got := srv.Messages("bob@[127.0.0.1]")
	require.Len(t, got, 1)
	assert.Equal(t, string(msg), string(got[0]))
}

func TestSubmit_AuthRejected(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		RejectLogin: func(string) bool { return true },
	})

	s, err := DialSubmit(context.Background(), srv.SMTPAddr(), 5*time.Second)
	require.NoError(t, err)
	defer s.Close()

	err = s.Auth("sender@[127.0.0.1]", "pw")
	require.Error(t, err)
	assert.Equal(t, model.CatAuth, CategoryOf(err))
}

func TestSubmit_SendWithoutAuth(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{})

	s, err := DialSubmit(context.Background(), srv.SMTPAddr(), 5*time.Second)
	require.NoError(t, err)
	defer s.Close()

	err = s.Send("x@[127.0.0.1]", []string{"y@[127.0.0.1]"}, []byte("x\r\n"))
	require.Error(t, err)
	assert.Equal(t, model.CatAuth, CategoryOf(err))
}

func TestSubmit_DroppedDelivery(t *testing.T) {
	srv := testutil.StartMailServer(t, testutil.Hooks{
		DropDelivery: func(string, int) bool { return true },
	})

	s, err := DialSubmit(context.Background(), srv.SMTPAddr(), 5*time.Second)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Auth("sender@[127.0.0.1]", "pw"))

	err = s.Send("sender@[127.0.0.1]", []string{"bob@[127.0.0.1]"}, []byte("x\r\n"))
	require.Error(t, err)
	assert.Equal(t, model.CatConnection, CategoryOf(err))
}

func TestSubmit_DialRefused(t *testing.T) {
	_, err := DialSubmit(context.Background(), "127.0.0.1:1", time.Second)
	require.Error(t, err)
	assert.Equal(t, model.CatConnection, CategoryOf(err))
}
