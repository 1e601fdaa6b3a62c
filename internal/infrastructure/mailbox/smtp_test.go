package mailbox

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/require"

	"NewsDigest/internal/config"
)

func TestComposeBuildsHTMLMessage(t *testing.T) {
	t.Parallel()

	sender := NewSMTPSender(config.SMTPConfig{From: "News Bot <bot@lab.org>"})
	sender.now = func() time.Time { return time.Date(2025, 11, 10, 11, 0, 0, 0, time.UTC) }

	raw, messageID, err := sender.compose("News Bot <bot@lab.org>", "team@lab.org", "Weekly News", "<h1>Hi</h1>")
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := reader.Header.Subject()
	require.NoError(t, err)
	require.Equal(t, "Weekly News", subject)

	from, err := reader.Header.AddressList("From")
	require.NoError(t, err)
	require.Equal(t, "bot@lab.org", from[0].Address)
	require.Equal(t, "News Bot", from[0].Name)

	gotID, err := reader.Header.MessageID()
	require.NoError(t, err)
	require.Equal(t, messageID, gotID)

	part, err := reader.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	require.Equal(t, "<h1>Hi</h1>", string(body))
}

func TestSendRejectsEmptyRecipient(t *testing.T) {
	t.Parallel()

	dialed := false
	sender := NewSMTPSender(config.SMTPConfig{Host: "smtp.lab.org"})
	sender.dial = func(context.Context, string) (net.Conn, error) {
		dialed = true
		return nil, io.EOF
	}

	_, err := sender.Send(context.Background(), "  ", "s", "<p/>")
	require.ErrorIs(t, err, ErrNoRecipient)
	require.False(t, dialed)
}

func TestSendWrapsDialFailure(t *testing.T) {
	t.Parallel()

	sender := NewSMTPSender(config.SMTPConfig{Host: "smtp.lab.org", From: "bot@lab.org"})
	sender.dial = func(context.Context, string) (net.Conn, error) { return nil, io.ErrUnexpectedEOF }

	_, err := sender.Send(context.Background(), "team@lab.org", "s", "<p/>")
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.ErrorContains(t, err, "failed to connect")
}

func TestLoginAuthAnswersChallenges(t *testing.T) {
	t.Parallel()

	a := &loginAuth{username: "bot", password: "pw"}
	mech, _, err := a.Start(nil)
	require.NoError(t, err)
	require.Equal(t, "LOGIN", mech)

	user, err := a.Next([]byte("Username:"), true)
	require.NoError(t, err)
	require.Equal(t, "bot", string(user))
	pass, err := a.Next([]byte("Password:"), true)
	require.NoError(t, err)
	require.Equal(t, "pw", string(pass))

	_, err = a.Next([]byte("Token:"), true)
	require.Error(t, err)
}
