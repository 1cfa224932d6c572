package emailsvc

import (
	"context"
	"net/http"
	"net/mail"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trezcool/academia/core"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
	sendTimeout      = 10 * time.Second

	// plainCategory tags the messages sent without a template.
	plainCategory = "plain"
)

type SendgridOption func(*SendgridService)

// WithSendgridHost points the service to another API host.
func WithSendgridHost(host string) SendgridOption {
	return func(svc *SendgridService) { svc.host = host }
}

func WithSendgridHTTPClient(hc *http.Client) SendgridOption {
	return func(svc *SendgridService) { svc.client = &rest.Client{HTTPClient: hc} }
}

// SendgridService delivers the account emails (welcome, password reset...) through the SendGrid v3 API.
// Messages are sent in the background; failures are logged, never returned to the caller.
type SendgridService struct {
	conf       *core.Config
	logger     core.Logger
	client     *rest.Client
	host       string
	from       *sgmail.Email
	subjPrefix string
	pending    sync.WaitGroup
}

var _ core.EmailService = (*SendgridService)(nil)

func NewSendgridService(conf *core.Config, logger core.Logger, opts ...SendgridOption) *SendgridService {
	svc := &SendgridService{
		conf:       conf,
		logger:     logger,
		client:     &rest.Client{HTTPClient: &http.Client{Timeout: sendTimeout}},
		host:       sendgridHost,
		from:       sgmail.NewEmail(conf.DefaultFromEmail.Name, conf.DefaultFromEmail.Address),
		subjPrefix: "[" + conf.AppName + "] ",
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (svc *SendgridService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		svc.pending.Add(1)
		go func(msg *core.EmailMessage) {
			defer svc.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := svc.deliver(ctx, msg); err != nil {
				svc.logger.Error("sending email", err, map[string]interface{}{"template": category(msg), "subject": msg.Subject})
			}
		}(msg)
	}
}

// Wait blocks until the messages handed to SendMessages are delivered or dropped.
func (svc *SendgridService) Wait() {
	svc.pending.Wait()
}

// deliver renders and sends msg. Messages without recipients or content are dropped.
func (svc *SendgridService) deliver(ctx context.Context, msg *core.EmailMessage) error {
	if err := msg.Render(svc.conf); err != nil {
		return errors.Wrapf(err, "rendering %q", msg.TemplateName)
	}
	if !msg.HasRecipients() || !(msg.HasContent() || msg.HasAttachments()) {
		svc.logger.Warn("email dropped: no recipient or no content", map[string]interface{}{"template": category(msg), "subject": msg.Subject})
		return nil
	}

	req := sendgrid.GetRequest(svc.conf.SendgridAPIKey, sendgridEndpoint, svc.host)
	req.Method = rest.Post
	req.Body = sgmail.GetRequestBody(svc.newMail(msg))

	httpReq, err := rest.BuildRequestObject(req)
	if err != nil {
		return errors.Wrap(err, "building sendgrid request")
	}
	httpRes, err := svc.client.MakeRequest(httpReq.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "calling sendgrid")
	}
	res, err := rest.BuildResponse(httpRes)
	if err != nil {
		return errors.Wrap(err, "reading sendgrid response")
	}
	if res.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body)
	}

	svc.logger.Info("email sent", map[string]interface{}{
		"template":   category(msg),
		"recipients": len(msg.To) + len(msg.Cc) + len(msg.Bcc),
		"message_id": httpRes.Header.Get("X-Message-Id"),
	})
	return nil
}

// newMail builds the v3 payload. Messages are tagged with their template so they can be
// told apart in the SendGrid activity feed.
func (svc *SendgridService) newMail(msg *core.EmailMessage) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = svc.subjPrefix + msg.Subject
	p.AddTos(sgEmails(msg.To)...)
	p.AddCCs(sgEmails(msg.Cc)...)
	p.AddBCCs(sgEmails(msg.Bcc)...)

	m := sgmail.NewV3Mail()
	m.SetFrom(svc.from)
	m.AddPersonalizations(p)
	m.AddCategories(svc.conf.AppName, category(msg))
	m.SetCustomArg("env", svc.conf.Env)

	// SendGrid rejects empty content values
	if msg.TextContent != "" {
		m.AddContent(sgmail.NewContent("text/plain", msg.TextContent))
	}
	if msg.HTMLContent != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTMLContent))
	}

	for _, at := range msg.Attachments {
		a := sgmail.NewAttachment()
		a.SetContent(at.Content.String())
		a.SetType(at.ContentType)
		a.SetFilename(at.Filename)
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}
	return m
}

func sgEmails(addrs []mail.Address) []*sgmail.Email {
	emails := make([]*sgmail.Email, 0, len(addrs))
	for _, addr := range addrs {
		emails = append(emails, sgmail.NewEmail(addr.Name, addr.Address))
	}
	return emails
}

func category(msg *core.EmailMessage) string {
	if msg.TemplateName == "" {
		return plainCategory
	}
	return msg.TemplateName
}
