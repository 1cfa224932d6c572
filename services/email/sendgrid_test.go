package emailsvc

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/academia/assets"
	"github.com/trezcool/academia/core"
)

type sgPayload struct {
	Personalizations []struct {
		To      []map[string]string `json:"to"`
		Subject string              `json:"subject"`
	} `json:"personalizations"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
	Attachments []map[string]string `json:"attachments"`
	Categories  []string            `json:"categories"`
	CustomArgs  map[string]string   `json:"custom_args"`
}

type sgRequest struct {
	path  string
	auth  string
	email sgPayload
}

// sgServer records the mail send requests and answers with `status`.
func sgServer(t *testing.T, status int) (*httptest.Server, func() []sgRequest) {
	var (
		mu   sync.Mutex
		reqs []sgRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(r.Body)
		assert.NoError(t, err)

		req := sgRequest{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		assert.NoError(t, json.Unmarshal(body, &req.email))
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()

		w.Header().Set("X-Message-Id", "msg-1")
		w.WriteHeader(status)
		if status >= http.StatusBadRequest {
			_, _ = w.Write([]byte(`{"errors":[{"message":"The from address does not match a verified Sender Identity."}]}`))
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() []sgRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]sgRequest{}, reqs...)
	}
}

func TestSendgridService_SendMessages(t *testing.T) {
	conf := core.NewTestConfig()
	conf.SendgridAPIKey = "sg-key"
	core.ParseEmailTemplates(assets.FS, assets.EmailTemplatesDir, conf, core.NopLogger{})

	srv, requests := sgServer(t, http.StatusAccepted)
	svc := NewSendgridService(conf, core.NopLogger{}, WithSendgridHost(srv.URL))

	to := []mail.Address{{Name: "Jane", Address: "jane@academia.test"}}
	attached := &core.EmailMessage{To: to, Subject: "Grades", BodyStr: "see attached"}
	require.NoError(t, attached.Attach(strings.NewReader("a,b\n1,2\n"), "grades.csv", "text/csv"))

	svc.SendMessages(
		&core.EmailMessage{
			To:           to,
			Subject:      "Welcome!",
			TemplateName: "welcome",
			TemplateData: map[string]string{"Name": "Jane", "Role": "company"},
		},
		attached,
		&core.EmailMessage{Subject: "No recipients", BodyStr: "dropped"},
	)
	svc.Wait()

	reqs := requests()
	require.Len(t, reqs, 2)
	byCategory := make(map[string]sgPayload)
	for _, req := range reqs {
		assert.Equal(t, sendgridEndpoint, req.path)
		assert.Equal(t, "Bearer sg-key", req.auth)
		assert.Equal(t, "TEST", req.email.CustomArgs["env"])
		if assert.Len(t, req.email.Categories, 2) {
			assert.Equal(t, conf.AppName, req.email.Categories[0])
			byCategory[req.email.Categories[1]] = req.email
		}
	}

	welcome, ok := byCategory["welcome"]
	if assert.True(t, ok) {
		require.Len(t, welcome.Personalizations, 1)
		assert.Equal(t, "[Academia] Welcome!", welcome.Personalizations[0].Subject)
		assert.Equal(t, "jane@academia.test", welcome.Personalizations[0].To[0]["email"])
		if assert.Len(t, welcome.Content, 2) {
			assert.Equal(t, "text/plain", welcome.Content[0].Type)
			assert.Contains(t, welcome.Content[0].Value, "company")
			assert.Equal(t, "text/html", welcome.Content[1].Type)
		}
	}

	plain, ok := byCategory[plainCategory]
	if assert.True(t, ok) {
		if assert.Len(t, plain.Content, 1) {
			assert.Equal(t, "see attached", plain.Content[0].Value)
		}
		if assert.Len(t, plain.Attachments, 1) {
			assert.Equal(t, "grades.csv", plain.Attachments[0]["filename"])
			assert.Equal(t, "text/csv", plain.Attachments[0]["type"])
			assert.Equal(t, "attachment", plain.Attachments[0]["disposition"])
		}
	}
}

func TestSendgridService_deliver(t *testing.T) {
	conf := core.NewTestConfig()
	msg := func() *core.EmailMessage {
		return &core.EmailMessage{
			To:      []mail.Address{{Address: "jane@academia.test"}},
			Subject: "Hi",
			BodyStr: "hi Jane",
		}
	}

	t.Run("rejected", func(t *testing.T) {
		srv, _ := sgServer(t, http.StatusForbidden)
		svc := NewSendgridService(conf, core.NopLogger{}, WithSendgridHost(srv.URL))

		err := svc.deliver(context.Background(), msg())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 403")
		assert.Contains(t, err.Error(), "verified Sender Identity")
	})

	t.Run("cancelled", func(t *testing.T) {
		srv, requests := sgServer(t, http.StatusAccepted)
		svc := NewSendgridService(conf, core.NopLogger{}, WithSendgridHost(srv.URL), WithSendgridHTTPClient(srv.Client()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, svc.deliver(ctx, msg()))
		assert.Empty(t, requests())
	})

	t.Run("nothing to send", func(t *testing.T) {
		srv, requests := sgServer(t, http.StatusAccepted)
		svc := NewSendgridService(conf, core.NopLogger{}, WithSendgridHost(srv.URL))

		assert.NoError(t, svc.deliver(context.Background(), &core.EmailMessage{To: msg().To, Subject: "empty"}))
		assert.Empty(t, requests())
	})
}
