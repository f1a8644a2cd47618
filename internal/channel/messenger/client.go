package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

// DefaultGraphURL is the Graph API version the send endpoint is pinned to.
const DefaultGraphURL = "https://graph.facebook.com/v18.0"

// Config holds the page credentials used for outbound messages.
type Config struct {
	PageAccessToken string
	GraphURL        string
	Timeout         time.Duration
}

// Client posts text messages to a Messenger user through the Send API.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewClient creates a Send API client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	cfg.GraphURL = strings.TrimRight(cfg.GraphURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, log: logger.Named("messenger")}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Send delivers text to the page-scoped user id psid.
func (c *Client) Send(ctx context.Context, psid, text string) error {
	if psid == "" {
		return chat.Validationf("recipient id is required")
	}
	var body sendRequest
	body.Recipient.ID = psid
	body.Message.Text = text

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	url := c.cfg.GraphURL + "/me/messages?access_token=" + c.cfg.PageAccessToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: messenger send: %v", chat.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: messenger send status %d: %s", chat.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.log.Debug("reply sent", zap.String("psid", psid))
	return nil
}
