package mailbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: \"Jane Doe\" <jane@x.com>\r\n" +
	"To: bot@lab.org\r\n" +
	"Subject: =?UTF-8?Q?Caf=C3=A9_talk?=\r\n" +
	"Date: Mon, 10 Nov 2025 09:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Join us. Details at https://lab.org/talk.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Join <a href=\"https://lab.org/talk\">us</a> or <a href=\"mailto:jane@x.com\">mail</a>" +
	"<a href=\"https://lab.org/rsvp\">rsvp</a><img src=\"https://lab.org/banner.png\"></p>\r\n" +
	"--b1--\r\n"

func TestParseRawMultipart(t *testing.T) {
	t.Parallel()

	received := time.Date(2025, 11, 10, 9, 31, 0, 0, time.UTC)
	msg, err := parseRaw("42", []byte(multipartMessage), []string{"PROCESSED"}, received)
	require.NoError(t, err)

	require.Equal(t, "42", msg.ID)
	require.Equal(t, "Jane Doe <jane@x.com>", msg.Sender)
	require.Equal(t, "Café talk", msg.Title)
	require.Equal(t, time.Date(2025, 11, 10, 9, 30, 0, 0, time.UTC), msg.Date.UTC())
	require.Equal(t, "Join us. Details at https://lab.org/talk.", msg.Text)
	require.Contains(t, msg.HTML, "rsvp")
	require.Equal(t, []string{"https://lab.org/talk", "https://lab.org/rsvp"}, msg.Links)
	require.Equal(t, []string{"https://lab.org/banner.png"}, msg.Images)
	require.True(t, msg.HasLabel("PROCESSED"))
}

func TestParseRawHTMLOnlyBuildsText(t *testing.T) {
	t.Parallel()

	raw := "From: bot@lab.org\r\n" +
		"Subject: config\r\n" +
		"Content-Type: text/html; charset=iso-8859-1\r\n" +
		"\r\n" +
		"<div>{\"days\": [\"Monday\"]}</div><style>p{}</style><div>caf\xe9</div>"

	msg, err := parseRaw("7", []byte(raw), nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, "bot@lab.org", msg.Sender)
	require.Equal(t, "config", msg.Title)
	require.Contains(t, msg.Text, `{"days": ["Monday"]}`)
	require.Contains(t, msg.Text, "café")
	require.NotContains(t, msg.Text, "p{}")
}

func TestExtractLinksFromPlainText(t *testing.T) {
	t.Parallel()

	links, images := extractLinks("", "see https://a.org/x, and (https://b.org/y) or ftp://c.org")
	require.Equal(t, []string{"https://a.org/x", "https://b.org/y"}, links)
	require.Empty(t, images)
}

func TestHTMLToTextCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	got := htmlToText("<p>  Hello   <b>world</b> </p><p></p><p></p><p>bye &amp; thanks</p>")
	require.Equal(t, "Hello world\n\nbye & thanks", strings.TrimSpace(got))
}
