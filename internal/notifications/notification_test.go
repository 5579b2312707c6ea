package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// webhook captures every message posted to it
type webhook struct {
	mu       sync.Mutex
	messages []SlackMessage
	status   int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var msg SlackMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err == nil {
		w.mu.Lock()
		w.messages = append(w.messages, msg)
		w.mu.Unlock()
	}
	if w.status != 0 {
		rw.WriteHeader(w.status)
	}
}

func (w *webhook) received() []SlackMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]SlackMessage(nil), w.messages...)
}

func newTestService(t *testing.T, hook *webhook) (*NotificationService, *test.Hook) {
	t.Helper()
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	logger, logHook := test.NewNullLogger()
	slack, err := NewSlackService(logger, srv.URL)
	require.NoError(t, err)

	svc := NewNotificationService(logger, slack)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, logHook
}

func failedRun() types.JobRun {
	start := time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC)
	return types.JobRun{
		ID:             "0b6f6f8e-4d4e-4c55-9a57-8f1a2c3d4e5f",
		Trigger:        types.TriggerScheduled,
		StartTime:      start,
		EndTime:        start.Add(1500 * time.Millisecond),
		Outcome:        types.Failure("fetch: coingecko timeout"),
		RecordsSkipped: 2,
		Sources:        []string{"coingecko", "coinpaprika"},
	}
}

func TestNewSlackServiceRequiresWebhook(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewSlackService(logger, "")
	assert.ErrorIs(t, err, ErrNoWebhook)
}

func TestNotifyRunFailed(t *testing.T) {
	hook := &webhook{}
	svc, _ := newTestService(t, hook)

	svc.NotifyRunFailed(failedRun())

	messages := hook.received()
	require.Len(t, messages, 1)
	msg := messages[0]
	assert.Equal(t, "❌ ETL run failed", msg.Text)
	require.Len(t, msg.Attachments, 1)

	att := msg.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "fetch: coingecko timeout", att.Text)

	values := map[string]string{}
	for _, f := range att.Fields {
		values[f.Title] = f.Value
	}
	assert.Equal(t, "Scheduled", values["Trigger"])
	assert.Equal(t, "1.50s", values["Duration"])
	assert.Equal(t, "0 ingested, 2 skipped", values["Records"])
	assert.Equal(t, "Coingecko, Coinpaprika", values["Sources"])
}

func TestNotifyRunFailedIgnoresSuccess(t *testing.T) {
	hook := &webhook{}
	svc, _ := newTestService(t, hook)

	run := failedRun()
	run.Outcome = types.Success()
	svc.NotifyRunFailed(run)

	assert.Empty(t, hook.received())
}

func TestNotifyFatal(t *testing.T) {
	hook := &webhook{}
	svc, _ := newTestService(t, hook)

	svc.NotifyFatal(context.Background(), errors.New("api server exited: listen tcp :8080: bind: address already in use"))

	messages := hook.received()
	require.Len(t, messages, 1)
	assert.Equal(t, "🚨 Price watcher stopped", messages[0].Text)
	assert.Contains(t, messages[0].Attachments[0].Text, "address already in use")
}

func TestNotifyStartup(t *testing.T) {
	hook := &webhook{}
	svc, _ := newTestService(t, hook)

	svc.NotifyStartup(context.Background(),
		types.ScheduleConfig{Interval: 5 * time.Minute, Jitter: 10 * time.Second},
		[]types.Asset{{Symbol: "BTC"}, {Symbol: "ETH"}})

	messages := hook.received()
	require.Len(t, messages, 1)
	fields := messages[0].Attachments[0].Fields
	require.Len(t, fields, 3)
	assert.Equal(t, "Interval", fields[0].Title)
	assert.Equal(t, "5m0s", fields[0].Value)
	assert.Equal(t, "Jitter", fields[1].Title)
	assert.Equal(t, "BTC, ETH", fields[2].Value)
}

func TestWebhookErrorIsLoggedNotReturned(t *testing.T) {
	hook := &webhook{status: http.StatusInternalServerError}
	svc, logHook := newTestService(t, hook)

	svc.NotifyRunFailed(failedRun())

	entry := logHook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Contains(t, entry.Message, "non-200 status code: 500")
}

func TestDisabledServiceIsNoop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewNotificationService(logger, nil)

	assert.False(t, svc.Enabled())
	svc.NotifyRunFailed(failedRun())
	svc.NotifyFatal(context.Background(), errors.New("boom"))
}

func TestSlackNotificationManual(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	rootDir := filepath.Dir(filepath.Dir(wd))
	if err := godotenv.Load(filepath.Join(rootDir, ".env.test")); err != nil {
		t.Log("No .env.test file found, using environment variables")
	}

	webhookURL := os.Getenv("SLACK_WEBHOOK_URL")
	if webhookURL == "" {
		t.Skip("SLACK_WEBHOOK_URL not set")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	slack, err := NewSlackService(logger, webhookURL)
	require.NoError(t, err)

	err = slack.SendSlackMessage(context.Background(), NewNotificationService(logger, slack).formatRunNotification(failedRun()))
	require.NoError(t, err)
	t.Log("Successfully sent test run failure notification")
}
