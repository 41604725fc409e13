package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var _ Repository = (*Client)(nil)

const maxErrorBodyBytes = 1024

// StatusError is returned when the content service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("content service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("content service returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the content service over HTTP. Reads are retried after
// each delay in readRetryDelays; mutations are sent exactly once.
type Client struct {
	baseURL         string
	token           string
	http            *http.Client
	readRetryDelays []time.Duration
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		http:            &http.Client{Timeout: 10 * time.Second},
		readRetryDelays: []time.Duration{500 * time.Millisecond},
	}
}

type feedPageResponse struct {
	Items []VideoItem `json:"items"`
}

func (c *Client) FetchPage(ctx context.Context, limit int, cursor string) ([]VideoItem, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp feedPageResponse
	if err := c.getWithRetry(ctx, "/api/feed?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	return resp.Items, nil
}

func (c *Client) RecordStat(ctx context.Context, videoID string, delta StatDelta) error {
	if err := c.do(ctx, http.MethodPost, "/api/videos/"+url.PathEscape(videoID)+"/stats", delta, nil); err != nil {
		return fmt.Errorf("record stat: %w", err)
	}
	return nil
}

type commentListResponse struct {
	Comments []Comment `json:"comments"`
}

func (c *Client) FetchComments(ctx context.Context, videoID string) ([]Comment, error) {
	var resp commentListResponse
	if err := c.getWithRetry(ctx, "/api/videos/"+url.PathEscape(videoID)+"/comments", &resp); err != nil {
		return nil, fmt.Errorf("fetch comments: %w", err)
	}
	if resp.Comments == nil {
		resp.Comments = []Comment{}
	}
	return resp.Comments, nil
}

type addCommentRequest struct {
	Text string `json:"text"`
}

// AddComment posts as the user the bearer token belongs to; userID is kept
// for the consumed contract and checked server side.
func (c *Client) AddComment(ctx context.Context, videoID, userID, text string) (Comment, error) {
	var comment Comment
	err := c.do(ctx, http.MethodPost, "/api/videos/"+url.PathEscape(videoID)+"/comments", addCommentRequest{Text: text}, &comment)
	if err != nil {
		slog.Debug("content: add comment failed", "video_id", videoID, "user_id", userID, "error", err)
		return Comment{}, fmt.Errorf("add comment: %w", err)
	}
	return comment, nil
}

type toggleLikeResponse struct {
	Success   bool  `json:"success"`
	Liked     bool  `json:"liked"`
	LikeCount int64 `json:"likeCount"`
}

func (c *Client) ToggleCommentLike(ctx context.Context, commentID, userID, videoID string) (bool, error) {
	var resp toggleLikeResponse
	path := "/api/videos/" + url.PathEscape(videoID) + "/comments/" + url.PathEscape(commentID) + "/like"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return false, fmt.Errorf("toggle comment like: %w", err)
	}
	return resp.Success, nil
}

func (c *Client) DeleteComment(ctx context.Context, commentID, userID, videoID string) error {
	path := "/api/videos/" + url.PathEscape(videoID) + "/comments/" + url.PathEscape(commentID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	err := c.do(ctx, http.MethodGet, path, nil, out)
	for _, delay := range c.readRetryDelays {
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = c.do(ctx, http.MethodGet, path, nil, out)
	}
	return err
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = json.Unmarshal(raw, &errBody)
		return &StatusError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
