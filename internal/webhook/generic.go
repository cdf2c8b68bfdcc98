package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

type genericBody struct {
	Kind       string         `json:"trigger_type"`
	Source     string         `json:"source"`
	Content    string         `json:"content"`
	Repository string         `json:"repository"`
	Branch     string         `json:"branch"`
	UserID     string         `json:"user_id"`
	Metadata   map[string]any `json:"metadata"`
}

// genericTrigger accepts any JSON document. Objects may name trigger
// fields; everything else is carried as metadata.payload.
func genericTrigger(path string, body []byte) (trigger.Context, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return trigger.Context{}, fmt.Errorf("body is not valid JSON: %w", err)
	}

	var fields genericBody
	if _, isObject := payload.(map[string]any); isObject {
		if err := json.Unmarshal(body, &fields); err != nil {
			return trigger.Context{}, fmt.Errorf("decode webhook fields: %w", err)
		}
	}

	kind := trigger.KindWebhook
	if fields.Kind != "" {
		k, err := trigger.ParseKind(fields.Kind)
		if err != nil {
			return trigger.Context{}, err
		}
		kind = k
	}
	source := fields.Source
	if source == "" {
		source = "webhook:" + path
	}

	t := trigger.New(kind, source)
	t.Content = fields.Content
	if t.Content == "" {
		t.Content = string(body)
	}
	t.Repository = fields.Repository
	t.Branch = fields.Branch
	t.UserID = fields.UserID

	md := map[string]any{"payload": payload, "webhook_path": path}
	for k, v := range fields.Metadata {
		md[k] = v
	}
	return t.WithMetadata(md), nil
}
