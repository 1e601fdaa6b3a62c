package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestNotifyPostsForm(t *testing.T) {
	t.Parallel()

	var path, chat, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseForm())
		chat = r.PostForm.Get("chat_id")
		text = r.PostForm.Get("text")
	}))
	defer srv.Close()

	n := NewNotifier("tok", "42")
	n.apiBase = srv.URL
	require.NoError(t, n.Notify(context.Background(), "Digest sent: 3 articles"))
	require.Equal(t, "/bottok/sendMessage", path)
	require.Equal(t, "42", chat)
	require.Equal(t, "Digest sent: 3 articles", text)
}

func TestNotifyErrors(t *testing.T) {
	t.Parallel()

	require.False(t, NewNotifier("", "42").Enabled())
	require.Error(t, NewNotifier("", "42").Notify(context.Background(), "x"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier("tok", "42")
	n.apiBase = srv.URL
	require.ErrorContains(t, n.Notify(context.Background(), "x"), "403")

	described := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
	}))
	defer described.Close()

	n.apiBase = described.URL
	require.ErrorContains(t, n.Notify(context.Background(), "x"), "chat not found")
}

func TestClipLongMessages(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", clip("short", 10))
	got := clip(strings.Repeat("é", 20), 10)
	require.Equal(t, 10, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "…"))
}
