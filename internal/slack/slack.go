package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sendrec/reelfeed/internal/database"
	"github.com/sendrec/reelfeed/internal/webhook"
)

const sendTimeout = 10 * time.Second

// Client posts feed activity to Slack incoming webhooks. Each video owner
// may configure their own webhook; fallbackURL receives the rest.
type Client struct {
	db          database.DBTX
	fallbackURL string
	http        *http.Client
	inflight    sync.WaitGroup
}

func New(db database.DBTX, fallbackURL string) *Client {
	return &Client{
		db:          db,
		fallbackURL: fallbackURL,
		http:        &http.Client{Timeout: sendTimeout},
	}
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type payload struct {
	Blocks []block `json:"blocks"`
}

func (c *Client) webhookURL(ctx context.Context, ownerID string) (string, error) {
	if ownerID != "" {
		var url string
		err := c.db.QueryRow(ctx,
			`SELECT slack_webhook_url FROM users WHERE id = $1 AND slack_webhook_url IS NOT NULL`,
			ownerID,
		).Scan(&url)
		if err == nil && url != "" {
			return url, nil
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("lookup slack webhook: %w", err)
		}
	}
	return c.fallbackURL, nil
}

func (c *Client) postMessage(ctx context.Context, url string, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// Send posts event to the owner's channel. Events without a Slack rendering
// and owners with nowhere to post are skipped.
func (c *Client) Send(ctx context.Context, event webhook.Event) error {
	p, ok := render(event)
	if !ok {
		return nil
	}
	ownerID, _ := event.Data["ownerId"].(string)
	url, err := c.webhookURL(ctx, ownerID)
	if err != nil {
		return err
	}
	if url == "" {
		slog.Debug("slack: no webhook configured", "owner_id", ownerID, "event", event.Name)
		return nil
	}
	return c.postMessage(ctx, url, p)
}

// DispatchAsync sends event in the background.
func (c *Client) DispatchAsync(event webhook.Event) {
	if c == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := c.Send(ctx, event); err != nil {
			slog.Error("slack: failed to send notification", "event", event.Name, "error", err)
		}
	}()
}

func (c *Client) Wait() {
	if c != nil {
		c.inflight.Wait()
	}
}

func render(event webhook.Event) (payload, bool) {
	title, _ := event.Data["title"].(string)
	if title == "" {
		title = "Untitled video"
	}
	switch event.Name {
	case webhook.EventVideoView:
		device, _ := event.Data["device"].(string)
		where := "on " + device
		if country, _ := event.Data["country"].(string); country != "" {
			where += " from " + country
		}
		return payload{Blocks: []block{
			{Type: "section", Text: &text{Type: "mrkdwn", Text: fmt.Sprintf(":eyes: *Someone watched your video*\n%s", title)}},
			{Type: "context", Elements: []text{{Type: "mrkdwn", Text: "Watched " + where}}},
		}}, true
	case webhook.EventVideoComment:
		author, _ := event.Data["authorName"].(string)
		body, _ := event.Data["text"].(string)
		return payload{Blocks: []block{
			{Type: "section", Text: &text{Type: "mrkdwn", Text: fmt.Sprintf(":speech_balloon: *New comment on your video*\n%s", title)}},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: fmt.Sprintf("*%s* said:\n> %s", author, body)}},
		}}, true
	default:
		return payload{}, false
	}
}
