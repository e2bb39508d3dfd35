// Package trello is the work-item port: a narrow client over the Trello
// REST API. Calls time out after 30 seconds and are never retried here —
// the supervisor tolerates a failed poll and tries again next cycle. A
// circuit breaker keeps a dead token or a Trello outage from hammering
// the API on every cycle.
package trello

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const defaultBaseURL = "https://api.trello.com/1"

// requestTimeout bounds every call's wall clock.
const requestTimeout = 30 * time.Second

// Card is a Trello card reduced to the fields the orchestrator reads.
type Card struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Desc    string `json:"desc"`
	ListID  string `json:"idList"`
	BoardID string `json:"idBoard"`
}

// Attachment is card attachment metadata; bodies are never downloaded.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Bytes    int64  `json:"bytes"`
}

// Comment is a card comment. Trello returns comment actions newest
// first; the client preserves that order.
type Comment struct {
	ID     string
	Text   string
	Author string
}

// List is a Trello list.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StatusError is returned for non-2xx API responses so callers can
// distinguish permanent 4xx failures from transient ones.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trello API returned %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether the failure will not heal by retrying
// (authentication, missing resource, malformed request).
func (e *StatusError) IsPermanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Client is the Trello work-item port.
type Client struct {
	baseURL string
	key     string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a Trello client with the standard endpoint.
func NewClient(key, token string) *Client {
	return newClient(defaultBaseURL, key, token)
}

// NewClientWithBaseURL creates a client against a custom endpoint, for
// tests.
func NewClientWithBaseURL(baseURL, key, token string) *Client {
	return newClient(baseURL, key, token)
}

func newClient(baseURL, key, token string) *Client {
	settings := gobreaker.Settings{
		Name: "trello",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// do performs one authenticated API call through the circuit breaker and
// decodes the JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.request(ctx, method, path, query)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("failed to decode trello response for %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.key)
	query.Set("token", c.token)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build trello request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trello request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read trello response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := string(body)
		if len(excerpt) > 300 {
			excerpt = excerpt[:300]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: excerpt}
	}
	return body, nil
}

// GetCard fetches a single card.
func (c *Client) GetCard(ctx context.Context, cardID string) (*Card, error) {
	var card Card
	q := url.Values{"fields": {"id,name,desc,idList,idBoard"}}
	if err := c.do(ctx, http.MethodGet, "/cards/"+cardID, q, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// GetCardsOnList fetches the cards on a list.
func (c *Client) GetCardsOnList(ctx context.Context, listID string) ([]Card, error) {
	var cards []Card
	q := url.Values{"fields": {"id,name,desc,idList"}}
	if err := c.do(ctx, http.MethodGet, "/lists/"+listID+"/cards", q, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// GetAttachments fetches attachment metadata for a card.
func (c *Client) GetAttachments(ctx context.Context, cardID string) ([]Attachment, error) {
	var atts []Attachment
	q := url.Values{"fields": {"id,name,url,mimeType,bytes"}}
	if err := c.do(ctx, http.MethodGet, "/cards/"+cardID+"/attachments", q, &atts); err != nil {
		return nil, err
	}
	return atts, nil
}

// AddComment posts a markdown comment to a card.
func (c *Client) AddComment(ctx context.Context, cardID, text string) error {
	q := url.Values{"text": {text}}
	return c.do(ctx, http.MethodPost, "/cards/"+cardID+"/actions/comments", q, nil)
}

// commentAction mirrors the Trello action envelope for card comments.
type commentAction struct {
	ID   string `json:"id"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
	MemberCreator struct {
		FullName string `json:"fullName"`
	} `json:"memberCreator"`
}

// GetComments returns a card's comments, newest first.
func (c *Client) GetComments(ctx context.Context, cardID string) ([]Comment, error) {
	var actions []commentAction
	q := url.Values{"filter": {"commentCard"}}
	if err := c.do(ctx, http.MethodGet, "/cards/"+cardID+"/actions", q, &actions); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(actions))
	for _, a := range actions {
		comments = append(comments, Comment{
			ID:     a.ID,
			Text:   a.Data.Text,
			Author: a.MemberCreator.FullName,
		})
	}
	return comments, nil
}

// MoveCard moves a card to another list.
func (c *Client) MoveCard(ctx context.Context, cardID, listID string) error {
	q := url.Values{"idList": {listID}}
	return c.do(ctx, http.MethodPut, "/cards/"+cardID, q, nil)
}

// CreateList creates a list on a board.
func (c *Client) CreateList(ctx context.Context, boardID, name string) (*List, error) {
	var list List
	q := url.Values{"name": {name}}
	if err := c.do(ctx, http.MethodPost, "/boards/"+boardID+"/lists", q, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CreateCard creates a card on a list.
func (c *Client) CreateCard(ctx context.Context, listID, name, desc string) (*Card, error) {
	var card Card
	q := url.Values{"idList": {listID}, "name": {name}, "desc": {desc}}
	if err := c.do(ctx, http.MethodPost, "/cards", q, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// ArchiveList closes a list.
func (c *Client) ArchiveList(ctx context.Context, listID string) error {
	q := url.Values{"value": {"true"}}
	return c.do(ctx, http.MethodPut, "/lists/"+listID+"/closed", q, nil)
}
