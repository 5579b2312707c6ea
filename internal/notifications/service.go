package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/0xPuncker/price-watcher/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const sendTimeout = 10 * time.Second

// NotificationService turns run and process events into Slack messages.
// A nil slack service makes every method a no-op.
type NotificationService struct {
	slackService *SlackService
	logger       *logrus.Logger
	now          func() time.Time
}

func NewNotificationService(logger *logrus.Logger, slackService *SlackService) *NotificationService {
	return &NotificationService{
		slackService: slackService,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *NotificationService) Enabled() bool {
	return s != nil && s.slackService != nil
}

// NotifyRunFailed is registered as a scheduler observer. Successful runs are ignored.
func (s *NotificationService) NotifyRunFailed(run types.JobRun) {
	if !s.Enabled() || run.Outcome.IsSuccess() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := s.slackService.SendSlackMessage(ctx, s.formatRunNotification(run)); err != nil {
		s.logger.WithField("run_id", run.ID).Warnf("Failed to send run failure notification: %v", err)
	}
}

// NotifyFatal reports an unrecoverable supervisor exit
func (s *NotificationService) NotifyFatal(ctx context.Context, err error) {
	if !s.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if sendErr := s.slackService.SendSlackMessage(ctx, s.formatFatalNotification(err)); sendErr != nil {
		s.logger.Warnf("Failed to send fatal notification: %v", sendErr)
	}
}

// NotifyStartup announces what the watcher is about to track
func (s *NotificationService) NotifyStartup(ctx context.Context, schedule types.ScheduleConfig, assets []types.Asset) {
	if !s.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := s.slackService.SendSlackMessage(ctx, s.formatStartupNotification(schedule, assets)); err != nil {
		s.logger.Warnf("Failed to send startup notification: %v", err)
	}
}

func (s *NotificationService) formatRunNotification(run types.JobRun) *SlackMessage {
	fields := []Field{
		{
			Title: "Run ID",
			Value: run.ID,
			Short: true,
		},
		{
			Title: "Trigger",
			Value: titleCase(string(run.Trigger)),
			Short: true,
		},
		{
			Title: "Duration",
			Value: utils.FormatDuration(run.Duration()),
			Short: true,
		},
		{
			Title: "Records",
			Value: fmt.Sprintf("%d ingested, %d skipped", run.RecordsIngested, run.RecordsSkipped),
			Short: true,
		},
	}

	if len(run.Sources) > 0 {
		fields = append(fields, Field{
			Title: "Sources",
			Value: displaySources(run.Sources),
			Short: false,
		})
	}

	return &SlackMessage{
		Text: "❌ ETL run failed",
		Attachments: []Attachment{
			{
				Color:  "danger",
				Text:   run.Outcome.Reason,
				Fields: fields,
				Footer: fmt.Sprintf("Started: %s", run.StartTime.UTC().Format(time.RFC1123)),
				Ts:     s.now().Unix(),
			},
		},
	}
}

func (s *NotificationService) formatFatalNotification(err error) *SlackMessage {
	return &SlackMessage{
		Text: "🚨 Price watcher stopped",
		Attachments: []Attachment{
			{
				Color:  "#ff0000",
				Text:   err.Error(),
				Footer: fmt.Sprintf("Stopped at: %s", s.now().UTC().Format(time.RFC1123)),
				Ts:     s.now().Unix(),
			},
		},
	}
}

func (s *NotificationService) formatStartupNotification(schedule types.ScheduleConfig, assets []types.Asset) *SlackMessage {
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}

	fields := []Field{
		{
			Title: "Interval",
			Value: utils.FormatDuration(schedule.Interval),
			Short: true,
		},
	}
	if schedule.Jitter > 0 {
		fields = append(fields, Field{
			Title: "Jitter",
			Value: utils.FormatDuration(schedule.Jitter),
			Short: true,
		})
	}
	fields = append(fields, Field{
		Title: "Assets",
		Value: strings.Join(symbols, ", "),
		Short: false,
	})

	return &SlackMessage{
		Text: "🚀 Price watcher started",
		Attachments: []Attachment{
			{
				Color:  "good",
				Fields: fields,
				Ts:     s.now().Unix(),
			},
		},
	}
}

// displaySources renders provider names for humans, e.g. "coingecko" as "Coingecko"
func displaySources(sources []string) string {
	names := make([]string, len(sources))
	for i, src := range sources {
		names[i] = titleCase(src)
	}
	return strings.Join(names, ", ")
}

// a Caser keeps state, so one is built per call
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}
