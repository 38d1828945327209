package pushover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.pushover.net/1"

// ErrInvalidCredentials is returned when Pushover rejects the token or user key.
var ErrInvalidCredentials = errors.New("pushover rejected credentials")

type Client struct {
	Token   string
	User    string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(token, user string) *Client {
	return &Client{
		Token:   token,
		User:    user,
		BaseURL: DefaultBaseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Message is one push. Sound is a Pushover sound name; empty means the device default.
type Message struct {
	Title    string
	Body     string
	URL      string
	Sound    string
	Priority int
}

func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	params := c.auth()
	params.Set("title", msg.Title)
	params.Set("message", msg.Body)
	params.Set("html", "1")
	if msg.URL != "" {
		params.Set("url", msg.URL)
	}
	if msg.Sound != "" {
		params.Set("sound", msg.Sound)
	}
	if msg.Priority != 0 {
		params.Set("priority", fmt.Sprintf("%d", msg.Priority))
	}

	_, err := c.post(ctx, "/messages.json", params)
	return err
}

// ValidateUser asks Pushover whether the configured token and user key are usable.
func (c *Client) ValidateUser(ctx context.Context) error {
	_, err := c.post(ctx, "/users/validate.json", c.auth())
	return err
}

type apiResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors"`
}

func (c *Client) auth() url.Values {
	params := url.Values{}
	params.Set("token", c.Token)
	params.Set("user", c.User)
	return params
}

func (c *Client) post(ctx context.Context, path string, params url.Values) (*apiResponse, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var parsed apiResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode == http.StatusBadRequest && len(parsed.Errors) > 0 {
		return &parsed, fmt.Errorf("%w: %s", ErrInvalidCredentials, strings.Join(parsed.Errors, "; "))
	}
	if resp.StatusCode != http.StatusOK {
		return &parsed, fmt.Errorf("pushover api error: status %s, body %s", resp.Status, string(body))
	}
	return &parsed, nil
}
