package mail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdm/gop2pd/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		Token:          "tok",
		InboxID:        "inbox-1",
		TrustedSenders: []string{"sberbank.ru", "tinkoff.ru"},
	}, logging.Nop{})
}

func TestTrustedSender(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		from    string
		trusted bool
	}{
		{"noreply@sberbank.ru", true},
		{"Сбербанк <noreply@sberbank.ru>", true},
		{"alerts@TINKOFF.RU", true},
		{"noreply@sberbank.ru.evil.com", false},
		{"someone@example.com", false},
		{"no-at-sign", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.trusted, c.TrustedSender(tt.from), tt.from)
	}
}

func TestListEmailsPassesCursorAndAuth(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"emails":[{"id":"e2","from":"noreply@sberbank.ru","subject":"Чек"}]}`))
	})

	emails, err := c.ListEmails(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "e2", emails[0].ID)
	assert.Equal(t, "/inboxes/inbox-1/emails", gotPath)
	assert.Equal(t, "since_id=e1", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestDownloadAttachment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inboxes/inbox-1/emails/e1/attachments/a1", r.URL.Path)
		w.Write([]byte("%PDF-1.4 payload"))
	})

	data, err := c.DownloadAttachment(context.Background(), "e1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 payload", string(data))
}

func TestErrorStatusSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	_, err := c.ListEmails(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestAttachmentIsPDF(t *testing.T) {
	assert.True(t, Attachment{ContentType: "application/pdf"}.IsPDF())
	assert.True(t, Attachment{Filename: "Чек.PDF"}.IsPDF())
	assert.False(t, Attachment{ContentType: "image/png", Filename: "photo.png"}.IsPDF())
}
