// Package notify sends run lifecycle notifications to a Slack webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kmcrae/tablefetch/internal/config"
)

// Notifier posts fetch run events to Slack. A Notifier with no webhook
// configured is a no-op, so callers never need to guard their calls.
type Notifier struct {
	cfg        config.NotifyConfig
	httpClient *http.Client
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a Slack notifier.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.SlackWebhookURL != ""
}

// RunStarted announces a new fetch run.
func (n *Notifier) RunStarted(runID, remote string, tableCount int) error {
	if !n.Enabled() {
		return nil
	}
	return n.send(slackMessage{
		Channel:   n.cfg.Channel,
		Username:  "tablefetch",
		IconEmoji: ":inbox_tray:",
		Attachments: []slackAttachment{{
			Color: "#36a64f",
			Title: "Fetch Run Started",
			Fields: []slackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
				{Title: "Remote", Value: remote, Short: false},
			},
			Footer:    "tablefetch",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// RunCompleted announces a run in which every table completed.
func (n *Notifier) RunCompleted(runID string, duration time.Duration, tableCount int, rows int64) error {
	if !n.Enabled() {
		return nil
	}
	return n.send(slackMessage{
		Channel:   n.cfg.Channel,
		Username:  "tablefetch",
		IconEmoji: ":white_check_mark:",
		Text: fmt.Sprintf("Fetch run completed: %d tables, %s rows in %s.",
			tableCount, withCommas(rows), formatDuration(duration)),
		Attachments: []slackAttachment{{
			Color: "#36a64f",
			Fields: []slackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Rows", Value: withCommas(rows), Short: true},
			},
			Footer:    "tablefetch",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// RunCompletedWithFailures announces a run in which some tables failed
// or were deferred.
func (n *Notifier) RunCompletedWithFailures(runID string, duration time.Duration, completed, failed, deferred int, rows int64, failures []string) error {
	if !n.Enabled() {
		return nil
	}
	summary := ""
	if len(failures) > 0 {
		if len(failures) > 5 {
			summary = fmt.Sprintf("%s and %d more", joinN(failures, 3), len(failures)-3)
		} else {
			summary = joinN(failures, len(failures))
		}
	}
	return n.send(slackMessage{
		Channel:   n.cfg.Channel,
		Username:  "tablefetch",
		IconEmoji: ":warning:",
		Text: fmt.Sprintf("Fetch run finished with problems: %d completed, %d failed, %d deferred.",
			completed, failed, deferred),
		Attachments: []slackAttachment{{
			Color: "#ffc107",
			Fields: []slackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Rows", Value: withCommas(rows), Short: true},
				{Title: "Problem Tables", Value: summary, Short: false},
			},
			Footer:    "tablefetch",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// RunFailed announces a run that aborted before finishing its tables.
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	if !n.Enabled() {
		return nil
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
	}
	return n.send(slackMessage{
		Channel:   n.cfg.Channel,
		Username:  "tablefetch",
		IconEmoji: ":x:",
		Attachments: []slackAttachment{{
			Color: "#dc3545",
			Title: "Fetch Run Failed",
			Fields: []slackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
				{Title: "Error", Value: msg, Short: false},
			},
			Footer:    "tablefetch",
			Timestamp: time.Now().Unix(),
		}},
	})
}

func (n *Notifier) send(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	resp, err := n.httpClient.Post(n.cfg.SlackWebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}
	return nil
}

func joinN(items []string, n int) string {
	out := ""
	for i := 0; i < n && i < len(items); i++ {
		if i > 0 {
			out += ", "
		}
		out += items[i]
	}
	return out
}

func withCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}
	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
