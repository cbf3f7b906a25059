package notify

import (
	"time"

	"github.com/go-pkgz/notify"
)

// SendersParams holds the configuration of all delivery channels
type SendersParams struct {
	FromEmail    string
	ToEmails     []string
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPStartTLS bool
	SMTPUsername string
	SMTPPassword string

	SlackToken    string
	SlackChannels []string

	WebhookURLs    []string
	WebhookHeaders []string

	TimeOut time.Duration
}

// makeSenders builds the notifiers for every configured channel
func makeSenders(sp SendersParams) []notify.Notifier {
	timeout := sp.TimeOut
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var res []notify.Notifier
	if len(sp.ToEmails) > 0 {
		res = append(res, notify.NewEmail(notify.SMTPParams{
			Host:     sp.SMTPHost,
			Port:     sp.SMTPPort,
			TLS:      sp.SMTPTLS,
			StartTLS: sp.SMTPStartTLS,
			Username: sp.SMTPUsername,
			Password: sp.SMTPPassword,
			TimeOut:  timeout,
		}))
	}
	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res = append(res, notify.NewSlack(sp.SlackToken))
	}
	if len(sp.WebhookURLs) > 0 {
		res = append(res, notify.NewWebhook(notify.WebhookParams{
			Timeout: timeout,
			Headers: sp.WebhookHeaders,
		}))
	}
	return res
}
