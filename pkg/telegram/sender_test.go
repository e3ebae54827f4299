package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

func botServer(t *testing.T, sendReply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Campus","username":"campus_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "Markdown", r.FormValue("parse_mode"))
			_, _ = w.Write([]byte(sendReply))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSender(t *testing.T, sendReply string) *Sender {
	t.Helper()
	srv := botServer(t, sendReply)
	sender, err := New(Config{Token: "123:abc", APIEndpoint: srv.URL + "/bot%s/%s"}, nil)
	require.NoError(t, err)
	return sender
}

func TestSenderDelivers(t *testing.T) {
	sender := newTestSender(t, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":1001,"type":"private"}}}`)

	handle, err := sender.SendMessage(context.Background(), "1001", "*Physics*")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), handle.ChatID)
	assert.Equal(t, 42, handle.MessageID)
}

func TestSenderBlockedUserIsPermanent(t *testing.T) {
	sender := newTestSender(t, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)

	_, err := sender.SendMessage(context.Background(), "1001", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDeliveryPermanent))
}

func TestSenderRateLimitIsTransient(t *testing.T) {
	sender := newTestSender(t, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`)

	_, err := sender.SendMessage(context.Background(), "1001", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDeliveryTransient))
}

type failingBot struct{ err error }

func (f failingBot) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{}, f.err
}

func TestSenderNetworkFailureIsTransient(t *testing.T) {
	sender := &Sender{bot: failingBot{err: errors.New("dial tcp: connection refused")}}

	_, err := sender.SendMessage(context.Background(), "1001", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDeliveryTransient))
}

func TestSenderRejectsNonNumericUser(t *testing.T) {
	sender := &Sender{bot: failingBot{}}

	_, err := sender.SendMessage(context.Background(), "alice", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDeliveryPermanent))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
