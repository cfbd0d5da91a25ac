package notify

import (
	"context"
	"fmt"
	"html"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// BrevoMailer sends operator alerts through Brevo's transactional API.
type BrevoMailer struct {
	from string
	to   []string
	send func(ctx context.Context, email brevo.SendSmtpEmail) error
}

// NewBrevoMailer creates a mailer sending from one address to the
// operator list.
func NewBrevoMailer(apiKey, from string, to []string) *BrevoMailer {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	client := brevo.NewAPIClient(cfg)

	return &BrevoMailer{
		from: from,
		to:   to,
		send: func(ctx context.Context, email brevo.SendSmtpEmail) error {
			_, _, err := client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
			return err
		},
	}
}

// Send mails subject and body to every operator.
func (m *BrevoMailer) Send(ctx context.Context, subject, body string) error {
	if len(m.to) == 0 {
		return nil
	}
	to := make([]brevo.SendSmtpEmailTo, 0, len(m.to))
	for _, addr := range m.to {
		to = append(to, brevo.SendSmtpEmailTo{Email: addr})
	}
	email := brevo.SendSmtpEmail{
		Sender:      &brevo.SendSmtpEmailSender{Name: "escrowd", Email: m.from},
		To:          to,
		Subject:     "[escrowd] " + subject,
		TextContent: body,
		HtmlContent: "<pre>" + html.EscapeString(body) + "</pre>",
	}
	if err := m.send(ctx, email); err != nil {
		return fmt.Errorf("brevo send: %w", err)
	}
	return nil
}
