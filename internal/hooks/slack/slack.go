package slack

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/hooks"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Config holds configuration for the Slack publisher
type Config struct {
	// DefaultWebhookURL receives events of deployments whose config names no
	// Slack target. Empty disables the fallback.
	DefaultWebhookURL string
	DefaultChannel    string
	Severities        []model.EventSeverity
	Timeout           time.Duration
}

// DefaultConfig returns the default Slack configuration
func DefaultConfig() Config {
	return Config{
		Severities: []model.EventSeverity{model.SeverityWarning, model.SeverityError, model.SeveritySuccess},
		Timeout:    10 * time.Second,
	}
}

// Publisher posts deployment events to Slack incoming webhooks
type Publisher struct {
	client *resty.Client
	config Config
}

func NewPublisher(config Config) *Publisher {
	client := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Publisher{client: client, config: config}
}

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Color  string  `json:"color"`
	Fields []field `json:"fields"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (p *Publisher) Publish(ctx context.Context, msg model.EventMessage) error {
	targets := hooks.TargetsFor(msg, model.NotificationSlack)
	if len(targets) == 0 {
		if p.config.DefaultWebhookURL == "" || !slices.Contains(p.config.Severities, msg.Event.Severity) {
			return nil
		}
		targets = []model.NotificationTarget{{
			Kind:    model.NotificationSlack,
			Target:  p.config.DefaultWebhookURL,
			Channel: p.config.DefaultChannel,
		}}
	}

	var errs []error
	for _, target := range targets {
		body := render(msg, target.Channel)
		resp, err := p.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(target.Target)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to post to slack: %w", err))
			continue
		}
		if !resp.IsSuccess() {
			errs = append(errs, fmt.Errorf("slack returned error status %d: %s", resp.StatusCode(), resp.String()))
			continue
		}
		log.FromContext(ctx).V(1).Info("Posted deployment event to Slack",
			"deploymentID", msg.DeploymentID,
			"eventID", msg.Event.ID,
			"channel", target.Channel,
		)
	}
	return errors.Join(errs...)
}

func render(msg model.EventMessage, channel string) message {
	text := fmt.Sprintf("%s *%s* %s (%s): %s",
		icon(msg.Event.Severity), msg.Application, msg.Version.Target, msg.Environment, msg.Event.Message)

	fields := []field{
		{Title: "Strategy", Value: string(msg.Strategy), Short: true},
		{Title: "Status", Value: string(msg.Status), Short: true},
	}
	if msg.Event.Phase != "" {
		fields = append(fields, field{Title: "Phase", Value: msg.Event.Phase, Short: true})
	}
	if msg.Version.Current != "" {
		fields = append(fields, field{Title: "Current", Value: msg.Version.Current, Short: true})
	}
	fields = append(fields, field{Title: "Deployment", Value: msg.DeploymentID, Short: false})

	return message{
		Channel:     strings.TrimSpace(channel),
		Text:        text,
		Attachments: []attachment{{Color: color(msg.Event.Severity), Fields: fields}},
	}
}

func icon(severity model.EventSeverity) string {
	switch severity {
	case model.SeverityError:
		return ":red_circle:"
	case model.SeverityWarning:
		return ":warning:"
	case model.SeveritySuccess:
		return ":white_check_mark:"
	default:
		return ":information_source:"
	}
}

func color(severity model.EventSeverity) string {
	switch severity {
	case model.SeverityError:
		return "danger"
	case model.SeverityWarning:
		return "warning"
	case model.SeveritySuccess:
		return "good"
	default:
		return "#439FE0"
	}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
