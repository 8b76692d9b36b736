package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultAPIBase     = "https://api.daily.co/v1"
	defaultRoomExpiry  = 2 * time.Hour
	defaultHTTPTimeout = 30 * time.Second
)

// Room describes a provider-hosted room.
type Room struct {
	// Name is the room's unique name (the trailing segment of URL).
	Name string `json:"name"`

	// URL is the full join URL participants open.
	URL string `json:"url"`
}

// ClientOption is a functional option for Client.
type ClientOption func(*Client)

// WithBaseURL overrides the provider API base URL. Useful for tests and for
// self-hosted room providers.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRoomExpiry sets how long created rooms stay valid before the provider
// garbage-collects them.
func WithRoomExpiry(d time.Duration) ClientOption {
	return func(c *Client) {
		c.roomExpiry = d
	}
}

// Client is the room provider's REST client. It creates rooms, mints meeting
// tokens, and fetches recorded transcripts.
type Client struct {
	apiKey     string
	baseURL    string
	roomExpiry time.Duration
	httpClient *http.Client
}

// NewClient creates a room provider REST client. apiKey must be non-empty.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("rooms: apiKey must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultAPIBase,
		roomExpiry: defaultRoomExpiry,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// createRoomRequest is the JSON body for POST /rooms.
type createRoomRequest struct {
	Name       string         `json:"name,omitempty"`
	Privacy    string         `json:"privacy"`
	Properties roomProperties `json:"properties"`
}

type roomProperties struct {
	Exp                 int64 `json:"exp"`
	EnableTranscription bool  `json:"enable_transcription_storage,omitempty"`
	EjectAtRoomExp      bool  `json:"eject_at_room_exp"`
}

// CreateRoom provisions a new private room. When name is empty the provider
// assigns one. The room expires after the configured room expiry.
func (c *Client) CreateRoom(ctx context.Context, name string) (*Room, error) {
	body := createRoomRequest{
		Name:    name,
		Privacy: "private",
		Properties: roomProperties{
			Exp:                 time.Now().Add(c.roomExpiry).Unix(),
			EnableTranscription: true,
			EjectAtRoomExp:      true,
		},
	}

	var room Room
	if err := c.doJSON(ctx, http.MethodPost, "/rooms", body, &room); err != nil {
		return nil, fmt.Errorf("rooms: create room: %w", err)
	}
	return &room, nil
}

// meetingTokenRequest is the JSON body for POST /meeting-tokens.
type meetingTokenRequest struct {
	Properties meetingTokenProperties `json:"properties"`
}

type meetingTokenProperties struct {
	RoomName string `json:"room_name"`
	IsOwner  bool   `json:"is_owner"`
	Exp      int64  `json:"exp"`
}

type meetingTokenResponse struct {
	Token string `json:"token"`
}

// CreateMeetingToken mints a join token for the given room. Owner tokens grant
// the bot transcription and ejection rights.
func (c *Client) CreateMeetingToken(ctx context.Context, roomName string, isOwner bool) (string, error) {
	if roomName == "" {
		return "", errors.New("rooms: roomName must not be empty")
	}
	body := meetingTokenRequest{
		Properties: meetingTokenProperties{
			RoomName: roomName,
			IsOwner:  isOwner,
			Exp:      time.Now().Add(c.roomExpiry).Unix(),
		},
	}

	var resp meetingTokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/meeting-tokens", body, &resp); err != nil {
		return "", fmt.Errorf("rooms: create meeting token: %w", err)
	}
	return resp.Token, nil
}

// DeleteRoom removes a room from the provider. Deleting a room that no longer
// exists is not an error.
func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("rooms: name must not be empty")
	}
	req, err := c.newRequest(ctx, http.MethodDelete, "/rooms/"+name, nil)
	if err != nil {
		return fmt.Errorf("rooms: delete room: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rooms: delete room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("rooms: delete room: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type accessLinkResponse struct {
	Link string `json:"link"`
}

// FetchTranscript downloads the text of a provider-recorded transcript by its
// id. It resolves the provider's short-lived access link and then fetches the
// document behind it.
func (c *Client) FetchTranscript(ctx context.Context, transcriptID string) (string, error) {
	if transcriptID == "" {
		return "", errors.New("rooms: transcriptID must not be empty")
	}

	var link accessLinkResponse
	if err := c.doJSON(ctx, http.MethodGet, "/transcript/"+transcriptID+"/access-link", nil, &link); err != nil {
		return "", fmt.Errorf("rooms: transcript access link: %w", err)
	}
	if link.Link == "" {
		return "", errors.New("rooms: provider returned empty transcript link")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.Link, nil)
	if err != nil {
		return "", fmt.Errorf("rooms: fetch transcript: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rooms: fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rooms: fetch transcript: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("rooms: fetch transcript read: %w", err)
	}
	return string(data), nil
}

// ---- request plumbing ----

// newRequest builds a provider API request with auth headers set.
func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON performs a request with optional JSON body and decodes a JSON response
// into out. A nil out discards the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}

	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(slurp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
