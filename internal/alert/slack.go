package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackChannel posts drift and repair notices to an incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color   string       `json:"color"`
	Pretext string       `json:"pretext"`
	Text    string       `json:"text"`
	Fields  []slackField `json:"fields,omitempty"`
	TS      int64        `json:"ts"`
	Footer  string       `json:"footer"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackColors = map[Level]string{
	Info:     "#36a64f",
	Warning:  "#ffcc00",
	Error:    "#ff0000",
	Critical: "#8b0000",
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	fields := make([]slackField, 0, len(alert.Fields))
	for _, kv := range alert.orderedFields() {
		fields = append(fields, slackField{
			Title: kv[0],
			Value: kv[1],
			// id lists can run long; keep them full width
			Short: kv[0] != "group_ids" && kv[0] != "order_ids",
		})
	}

	body, err := json.Marshal(slackMessage{
		Attachments: []slackAttachment{{
			Color:   slackColors[alert.Level],
			Pretext: fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
			Text:    alert.Message,
			Fields:  fields,
			TS:      alert.Timestamp.Unix(),
			Footer:  "oco_tracker reconciler",
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}
