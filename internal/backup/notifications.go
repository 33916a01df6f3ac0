package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"db-backup-engine/internal/logging"
)

// NotificationConfig holds engine wide delivery settings. Who gets notified
// about what is decided per schedule by NotificationPreferences.
type NotificationConfig struct {
	SMTP    *SMTPConfig   `yaml:"smtp,omitempty" mapstructure:"smtp"`
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
}

// SMTPConfig for email notifications
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"-" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// WebhookConfig for webhook notifications
type WebhookConfig struct {
	Method  string            `yaml:"method" mapstructure:"method"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
	Timeout time.Duration     `yaml:"timeout" mapstructure:"timeout"`
}

// SetDefaults sets default values for notification configuration
func (nc *NotificationConfig) SetDefaults() {
	if nc.SMTP != nil && nc.SMTP.Port == 0 {
		nc.SMTP.Port = 587
	}
	if nc.Webhook.Method == "" {
		nc.Webhook.Method = http.MethodPost
	}
	if nc.Webhook.Timeout == 0 {
		nc.Webhook.Timeout = 30 * time.Second
	}
}

// NotificationMessage is the payload delivered on every channel
type NotificationMessage struct {
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Success      bool              `json:"success"`
	ScheduleID   string            `json:"schedule_id"`
	ScheduleName string            `json:"schedule_name"`
	BackupID     string            `json:"backup_id,omitempty"`
	Status       BackupStatus      `json:"status,omitempty"`
	Error        string            `json:"error,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NotificationChannel delivers a message according to a schedule's preferences
type NotificationChannel interface {
	Send(ctx context.Context, prefs NotificationPreferences, message NotificationMessage) error
	GetType() string
	IsEnabled(prefs NotificationPreferences) bool
}

// Notifier fans scheduled run outcomes out to every enabled channel
type Notifier struct {
	logger   *logging.Logger
	channels []NotificationChannel
}

// NewNotifier creates a notifier with the log channel plus the email and
// webhook channels the configuration allows
func NewNotifier(logger *logging.Logger, config NotificationConfig) *Notifier {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	config.SetDefaults()

	n := &Notifier{logger: logger}
	n.channels = append(n.channels, NewLogChannel(logger))
	if config.SMTP != nil && config.SMTP.Host != "" {
		n.channels = append(n.channels, NewEmailChannel(*config.SMTP))
	}
	n.channels = append(n.channels, NewWebhookChannel(config.Webhook))
	return n
}

// NotifyScheduleRun reports the outcome of a triggered run. Nothing is sent
// unless the schedule asked for this outcome. A failing channel does not stop
// the others; every delivery failure is reported in the returned error.
func (n *Notifier) NotifyScheduleRun(ctx context.Context, schedule *BackupSchedule, record *BackupRecord, runErr error) error {
	if n == nil {
		return nil
	}

	prefs := schedule.Notifications
	success := runErr == nil
	if (success && !prefs.OnSuccess) || (!success && !prefs.OnFailure) {
		return nil
	}

	message := formatRunMessage(schedule, record, runErr)

	var errors []string
	for _, channel := range n.channels {
		if !channel.IsEnabled(prefs) {
			continue
		}

		if err := channel.Send(ctx, prefs, message); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", channel.GetType(), err))
			n.logger.WithFields(map[string]interface{}{
				"channel":     channel.GetType(),
				"schedule_id": schedule.ID,
				"error":       err.Error(),
			}).Error("Failed to send notification")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification delivery failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

func formatRunMessage(schedule *BackupSchedule, record *BackupRecord, runErr error) NotificationMessage {
	message := NotificationMessage{
		ScheduleID:   schedule.ID,
		ScheduleName: schedule.Name,
		Success:      runErr == nil,
		Timestamp:    time.Now().UTC(),
		Metadata: map[string]string{
			"kind": string(schedule.Kind),
		},
	}

	if record != nil {
		message.BackupID = record.ID
		message.Status = record.Status
		if record.Checksum != "" {
			message.Metadata["checksum"] = record.Checksum
		}
		message.Metadata["compressed_size"] = fmt.Sprint(record.CompressedSize)
	}

	if runErr == nil {
		message.Title = fmt.Sprintf("Scheduled backup %q completed", schedule.Name)
		message.Message = fmt.Sprintf("Backup %s completed successfully.", message.BackupID)
	} else {
		message.Title = fmt.Sprintf("Scheduled backup %q failed", schedule.Name)
		message.Message = fmt.Sprintf("Backup %s failed: %v", message.BackupID, runErr)
		message.Error = runErr.Error()
	}

	return message
}

// LogChannel writes notifications to the engine log
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send logs the notification
func (lc *LogChannel) Send(ctx context.Context, prefs NotificationPreferences, message NotificationMessage) error {
	entry := lc.logger.WithFields(map[string]interface{}{
		"schedule_id": message.ScheduleID,
		"backup_id":   message.BackupID,
		"recipients":  strings.Join(prefs.Emails, ","),
		"success":     message.Success,
	})
	if message.Success {
		entry.Info(message.Title)
	} else {
		entry.Warn(message.Title)
	}
	return nil
}

// GetType returns the channel type
func (lc *LogChannel) GetType() string { return "log" }

// IsEnabled is always true
func (lc *LogChannel) IsEnabled(NotificationPreferences) bool { return true }

// EmailChannel sends notifications over SMTP
type EmailChannel struct {
	config SMTPConfig
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates a new email notification channel
func NewEmailChannel(config SMTPConfig) *EmailChannel {
	return &EmailChannel{config: config, send: smtp.SendMail}
}

// Send sends an email notification
func (ec *EmailChannel) Send(ctx context.Context, prefs NotificationPreferences, message NotificationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body := fmt.Sprintf(`%s

Schedule: %s (%s)
Backup: %s
Status: %s
Time: %s

%s
`, message.Title, message.ScheduleName, message.ScheduleID, message.BackupID, message.Status,
		message.Timestamp.Format(time.RFC3339), message.Message)

	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		ec.config.From, strings.Join(prefs.Emails, ","), message.Title, body)

	var auth smtp.Auth
	if ec.config.Username != "" {
		auth = smtp.PlainAuth("", ec.config.Username, ec.config.Password, ec.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", ec.config.Host, ec.config.Port)

	if err := ec.send(addr, auth, ec.config.From, prefs.Emails, []byte(raw)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// GetType returns the channel type
func (ec *EmailChannel) GetType() string { return "email" }

// IsEnabled checks that the schedule lists recipients
func (ec *EmailChannel) IsEnabled(prefs NotificationPreferences) bool {
	return len(prefs.Emails) > 0
}

// WebhookChannel posts the message as JSON to the schedule's webhook URL
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// Send sends a webhook notification
func (wc *WebhookChannel) Send(ctx context.Context, prefs NotificationPreferences, message NotificationMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, prefs.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// GetType returns the channel type
func (wc *WebhookChannel) GetType() string { return "webhook" }

// IsEnabled checks that the schedule has a webhook URL
func (wc *WebhookChannel) IsEnabled(prefs NotificationPreferences) bool {
	return prefs.WebhookURL != ""
}
