package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Notification is a message on the failure side channel.
type Notification struct {
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Type      string            `json:"type"`
	Priority  string            `json:"priority"`
	Severity  string            `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// BackupFailure describes one failed backup run. ScheduleID is -1 when the
// failure did not come from a schedule.
type BackupFailure struct {
	ScheduleID   int64
	ScheduleName string
	BackupType   string
	Error        string
	Timestamp    time.Time
}

// Notification renders the failure as a high priority error notification.
func (f BackupFailure) Notification() Notification {
	return Notification{
		Title:     fmt.Sprintf("Backup Failed: %s", f.ScheduleName),
		Message:   fmt.Sprintf("Backup failed for %s (%s): %s", f.ScheduleName, f.BackupType, f.Error),
		Type:      "error",
		Priority:  "high",
		Severity:  "error",
		Timestamp: f.Timestamp,
		Metadata: map[string]string{
			"schedule_id":   strconv.FormatInt(f.ScheduleID, 10),
			"schedule_name": f.ScheduleName,
			"backup_type":   f.BackupType,
			"timestamp":     f.Timestamp.UTC().Format(time.RFC3339),
		},
	}
}

// LogDispatcher writes notifications to the log. It is used when no webhook
// is configured.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "notify").Logger()}
}

func (d *LogDispatcher) Send(_ context.Context, n Notification) error {
	ev := d.logger.Error().Str("title", n.Title).Str("priority", n.Priority).Time("timestamp", n.Timestamp)
	for k, v := range n.Metadata {
		ev = ev.Str("meta_"+k, v)
	}
	ev.Msg(n.Message)
	return nil
}
