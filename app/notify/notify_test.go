package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/go-pkgz/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifierMock struct {
	schema string
	sendFn func(ctx context.Context, dest, text string) error
	calls  int
}

func (m *notifierMock) Send(ctx context.Context, dest, text string) error {
	m.calls++
	return m.sendFn(ctx, dest, text)
}

func (m *notifierMock) Schema() string { return m.schema }
func (m *notifierMock) String() string { return m.schema }

func TestService_EmptyDestinations(t *testing.T) {
	svc := NewService(Params{}, SendersParams{})
	require.Nil(t, svc)
}

func TestService_IsOnError(t *testing.T) {
	svc := NewService(Params{EnabledError: true}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnError())

	svc = NewService(Params{EnabledError: false}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.False(t, svc.IsOnError())
}

func TestService_IsOnCompletion(t *testing.T) {
	svc := NewService(Params{EnabledCompletion: true}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnCompletion())
}

func TestMakeErrorHTMLDefault(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML("sess-123", "data.csv", "worker exited with code 3")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Session: <span class=\"bold\">sess-123</span></li>")
	assert.Contains(t, res, "<li>File: <span class=\"bold\">data.csv</span></li>")
	assert.Contains(t, res, "Upload job failed")
	assert.Contains(t, res, "worker exited with code 3")
}

func TestMakeErrorHTMLCustomFallback(t *testing.T) {
	svc := NewService(Params{ErrorTemplate: "testfiles/no-such.tmpl"},
		SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML("sess-123", "data.csv", "some log")
	require.NoError(t, err)
	assert.Contains(t, res, "Upload job failed", "missing custom template falls back to default")
}

func TestMakeCompletionHTMLDefault(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeCompletionHTML("sess-123", "data.csv")
	require.NoError(t, err)
	assert.Contains(t, res, "Upload job completed")
	assert.Contains(t, res, "sess-123")
}

func TestService_Send(t *testing.T) {
	tests := []struct {
		name           string
		subj           string
		text           string
		destination    string
		mockSendErr    error
		expectedErrMsg string
	}{
		{
			name:        "successful send",
			subj:        "Test Subject",
			text:        "Test Text",
			destination: "mailto:to@example.com,to2@example.com?from=from@example.com&subject=Test+Subject",
		},
		{
			name:           "send error",
			subj:           "Problem Subject",
			text:           "Problem Text",
			destination:    "mailto:to@example.com,to2@example.com?from=from@example.com&subject=Problem+Subject",
			mockSendErr:    errors.New("mock error"),
			expectedErrMsg: "mock error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailto := &notifierMock{
				schema: "mailto",
				sendFn: func(_ context.Context, dest, text string) error {
					assert.Equal(t, tt.text, text)
					assert.Equal(t, tt.destination, dest)
					return tt.mockSendErr
				},
			}

			s := Service{
				destinations: []notify.Notifier{mailto},
				fromEmail:    "from@example.com",
				toEmail:      []string{"to@example.com", "to2@example.com"},
			}

			err := s.Send(context.Background(), tt.subj, tt.text)
			assert.Equal(t, 1, mailto.calls)
			if tt.expectedErrMsg == "" {
				require.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.expectedErrMsg)
		})
	}
}

func TestService_SendRoutesBySchema(t *testing.T) {
	mailto := &notifierMock{schema: "mailto", sendFn: func(context.Context, string, string) error { return nil }}
	slack := &notifierMock{schema: "slack", sendFn: func(context.Context, string, string) error { return nil }}

	s := Service{
		destinations:  []notify.Notifier{mailto, slack},
		toEmail:       []string{"to@example.com"},
		slackChannels: []string{"ops"},
	}

	require.NoError(t, s.Send(context.Background(), "subj", "text"))
	assert.Equal(t, 1, mailto.calls)
	assert.Equal(t, 1, slack.calls)
}

func TestService_SendError(t *testing.T) {
	var sent string
	mailto := &notifierMock{schema: "mailto", sendFn: func(_ context.Context, _, text string) error {
		sent = text
		return nil
	}}
	s := Service{
		Params:       Params{EnabledError: true},
		destinations: []notify.Notifier{mailto},
		toEmail:      []string{"ops@example.com"},
		fromEmail:    "progsync@host",
	}

	require.NoError(t, s.SendError(context.Background(), "sess-1", "data.csv", "worker exited with code 3"))
	assert.Equal(t, 1, mailto.calls)
	assert.Contains(t, sent, "Upload job failed")
	assert.Contains(t, sent, "sess-1")
	assert.Contains(t, sent, "worker exited with code 3")

	s.EnabledError = false
	require.NoError(t, s.SendError(context.Background(), "sess-1", "data.csv", "another failure"))
	assert.Equal(t, 1, mailto.calls, "disabled, nothing sent")
}

func TestService_SendCompletion(t *testing.T) {
	var sent string
	mailto := &notifierMock{schema: "mailto", sendFn: func(_ context.Context, _, text string) error {
		sent = text
		return nil
	}}
	s := Service{
		Params:       Params{EnabledCompletion: true},
		destinations: []notify.Notifier{mailto},
		toEmail:      []string{"ops@example.com"},
		fromEmail:    "progsync@host",
	}

	require.NoError(t, s.SendCompletion(context.Background(), "sess-1", "data.csv"))
	assert.Equal(t, 1, mailto.calls)
	assert.Contains(t, sent, "Upload job completed")
	assert.Contains(t, sent, "data.csv")

	s.EnabledCompletion = false
	require.NoError(t, s.SendCompletion(context.Background(), "sess-1", "data.csv"))
	assert.Equal(t, 1, mailto.calls, "disabled, nothing sent")
}
