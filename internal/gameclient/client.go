package gameclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const retryBackoff = 500 * time.Millisecond

// NetworkError reports a turn or listing request that did not complete.
// Status is zero when no response was received.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("game %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("game %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Config holds API configuration
type Config struct {
	BaseURL string
	// Timeout of 0 leaves the transport default in place.
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the riddle game service.
type Client struct {
	config Config
	http   *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}

// SendTurn posts one utterance for a room and returns the opponent's reply text.
// ctx is the only way to abandon a request; pass context.Background() for none.
func (c *Client) SendTurn(ctx context.Context, roomID int, utterance string) (string, error) {
	target := c.endpoint("/"+strconv.Itoa(roomID)+"/chat") + "?" + url.Values{"userPrompt": {utterance}}.Encode()
	body, err := c.do(ctx, "chat", http.MethodPost, target, "text/plain")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListRooms returns the raw room listing of the game service.
func (c *Client) ListRooms(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, "rooms", http.MethodGet, c.endpoint("/rooms"), "application/json")
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		// some deployments answer with plain text; keep it as a JSON string
		quoted, _ := json.Marshal(string(body))
		return quoted, nil
	}
	return json.RawMessage(body), nil
}

func (c *Client) do(ctx context.Context, op, method, target, accept string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("game %s retry %d/%d: %v", op, attempt, c.config.MaxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, &NetworkError{Op: op, Err: ctx.Err()}
			case <-time.After(retryBackoff):
			}
		}
		body, err := c.once(ctx, op, method, target, accept)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, op, method, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", accept)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("api status %d", resp.StatusCode)}
	}
	return body, nil
}

func retryable(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	if errors.Is(ne.Err, context.Canceled) || errors.Is(ne.Err, context.DeadlineExceeded) {
		return false
	}
	return ne.Status == 0 || ne.Status >= 500
}
