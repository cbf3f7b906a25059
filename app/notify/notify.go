// Package notify delivers operator notifications about upload jobs, primarily
// worker failures absorbed into completed-with-warnings results. Built on
// go-pkgz/notify senders: email, slack and webhooks.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params regulates what is sent and how it is rendered
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // path to custom template, empty uses the built-in
	CompletionTemplate string
}

// Service delivers notifications to all configured destinations
type Service struct {
	Params
	destinations  []notify.Notifier
	fromEmail     string
	toEmail       []string
	slackChannels []string
	webhookURLs   []string
}

// NewService makes a notification service. Returns nil when no destination is
// configured, callers treat a nil service as notifications disabled.
func NewService(p Params, sp SendersParams) *Service {
	res := &Service{
		Params:        p,
		fromEmail:     sp.FromEmail,
		toEmail:       sp.ToEmails,
		slackChannels: sp.SlackChannels,
		webhookURLs:   sp.WebhookURLs,
	}
	res.destinations = makeSenders(sp)
	if len(res.destinations) == 0 {
		return nil
	}
	return res
}

// Send renders destination strings for every configured sender and delivers
// the text. Individual failures do not stop the rest, all are joined into the
// returned error.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	dests := s.makeDestinations(subj)
	var errs []error
	for _, d := range dests {
		for _, n := range s.destinations {
			if !strings.HasPrefix(d, n.Schema()) {
				continue
			}
			log.Printf("[DEBUG] sending notification to %s", n.Schema())
			if err := n.Send(ctx, d, text); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SendError renders the failure template and delivers it to all destinations.
// A no-op when failure notifications are disabled.
func (s *Service) SendError(ctx context.Context, sessionID, file, errorLog string) error {
	if !s.EnabledError {
		return nil
	}
	body, err := s.MakeErrorHTML(sessionID, file, errorLog)
	if err != nil {
		return fmt.Errorf("can't render error notification for session %s: %w", sessionID, err)
	}
	return s.Send(ctx, fmt.Sprintf("upload job failed, session %s", sessionID), body)
}

// SendCompletion renders the completion template and delivers it to all
// destinations. A no-op when completion notifications are disabled.
func (s *Service) SendCompletion(ctx context.Context, sessionID, file string) error {
	if !s.EnabledCompletion {
		return nil
	}
	body, err := s.MakeCompletionHTML(sessionID, file)
	if err != nil {
		return fmt.Errorf("can't render completion notification for session %s: %w", sessionID, err)
	}
	return s.Send(ctx, fmt.Sprintf("upload job completed, session %s", sessionID), body)
}

// IsOnError reports whether failure notifications are enabled
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion reports whether completion notifications are enabled
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

func (s *Service) makeDestinations(subj string) []string {
	var res []string
	if len(s.toEmail) > 0 {
		res = append(res, fmt.Sprintf("mailto:%s?from=%s&subject=%s",
			strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj)))
	}
	for _, ch := range s.slackChannels {
		res = append(res, "slack:"+ch)
	}
	res = append(res, s.webhookURLs...)
	return res
}

var errTemplateDefault = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			ul { margin-top: -0.5em; margin-left: -0.5em; }
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>

	<body>
		<p>Upload job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Session: <span class="bold">{{.SessionID}}</span></li>
			<li>File: <span class="bold">{{.File}}</span></li>
		</ul>

		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

var completionTemplateDefault = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			ul { margin-top: -0.5em; margin-left: -0.5em; }
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>

	<body>
		<p>Upload job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Session: <span class="bold">{{.SessionID}}</span></li>
			<li>File: <span class="bold">{{.File}}</span></li>
		</ul>
	</body>
</html>
`

type templateData struct {
	SessionID string
	File      string
	TS        time.Time
	Error     string
	Host      string
}

// MakeErrorHTML renders the failure notification body. A custom template
// failing to load or render falls back to the built-in one.
func (s *Service) MakeErrorHTML(sessionID, file, errorLog string) (string, error) {
	data := templateData{SessionID: sessionID, File: file, TS: time.Now(),
		Error: errorLog, Host: hostname()}
	if s.ErrorTemplate != "" {
		if res, err := renderFile(s.ErrorTemplate, data); err == nil {
			return res, nil
		}
		log.Printf("[WARN] can't use custom error template %s, falling back to default", s.ErrorTemplate)
	}
	return render(errTemplateDefault, data)
}

// MakeCompletionHTML renders the completion notification body
func (s *Service) MakeCompletionHTML(sessionID, file string) (string, error) {
	data := templateData{SessionID: sessionID, File: file, TS: time.Now(), Host: hostname()}
	if s.CompletionTemplate != "" {
		if res, err := renderFile(s.CompletionTemplate, data); err == nil {
			return res, nil
		}
		log.Printf("[WARN] can't use custom completion template %s, falling back to default", s.CompletionTemplate)
	}
	return render(completionTemplateDefault, data)
}

func renderFile(fname string, data templateData) (string, error) {
	body, err := os.ReadFile(fname) //nolint:gosec // template path comes from operator config
	if err != nil {
		return "", fmt.Errorf("can't read template %s: %w", fname, err)
	}
	return render(string(body), data)
}

func render(tmpl string, data templateData) (string, error) {
	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func hostname() string {
	if h := os.Getenv("MHOST"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
