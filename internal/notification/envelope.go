package notification

import (
	"encoding/json"
	"fmt"
)

// snsEnvelope is the body SQS receives from an SNS subscription without raw delivery.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

// DecodeQueueMessage extracts the QuoteEvent from an SQS body holding an SNS
// notification. Raw deliveries, where the body is the event itself, are accepted too.
func DecodeQueueMessage(body string) (QuoteEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return QuoteEvent{}, fmt.Errorf("failed to parse SQS body: %w", err)
	}

	payload := body
	if env.Message != "" {
		payload = env.Message
	}

	var ev QuoteEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return QuoteEvent{}, fmt.Errorf("failed to parse quote event: %w", err)
	}
	if ev.EventID == "" {
		return QuoteEvent{}, fmt.Errorf("quote event without event_id")
	}
	return ev, nil
}
