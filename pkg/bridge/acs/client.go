package acs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiVersion = "2024-04-15"

// CallConnection controls one answered call.
type CallConnection interface {
	// ID is the platform call connection id; lifecycle callbacks reference it.
	ID() string
	// HangUp ends the call. With forEveryone the call is terminated for all
	// participants, otherwise only this leg leaves.
	HangUp(ctx context.Context, forEveryone bool) error
	Close() error
}

// AnswerOptions carries the media transport negotiation for answering a call.
type AnswerOptions struct {
	TransportURL     string
	CallbackURL      string
	OperationContext string
}

// CallClient answers inbound calls on the platform.
type CallClient interface {
	Answer(ctx context.Context, incomingCallContext string, opts AnswerOptions) (CallConnection, error)
	Close() error
}

// Client is the HTTP call automation client. Requests are signed with the
// access key from the connection string.
type Client struct {
	endpoint   *url.URL
	accessKey  []byte
	httpClient *http.Client
	now        func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClientFromConnectionString builds a client from the platform connection
// string ("endpoint=https://...;accesskey=<base64>").
func NewClientFromConnectionString(connectionString string, opts ...ClientOption) (*Client, error) {
	endpoint, key, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:   endpoint,
		accessKey:  key,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseConnectionString(raw string) (*url.URL, []byte, error) {
	var endpoint string
	var key string
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(part[:idx]))
		value := strings.TrimSpace(part[idx+1:])
		switch name {
		case "endpoint":
			endpoint = value
		case "accesskey":
			key = value
		}
	}
	if endpoint == "" || key == "" {
		return nil, nil, fmt.Errorf("connection string must contain endpoint and accesskey")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid endpoint in connection string: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid accesskey in connection string: %w", err)
	}
	return u, decoded, nil
}

type answerRequest struct {
	IncomingCallContext   string                `json:"incomingCallContext"`
	CallbackURI           string                `json:"callbackUri"`
	OperationContext      string                `json:"operationContext,omitempty"`
	MediaStreamingOptions mediaStreamingOptions `json:"mediaStreamingOptions"`
}

type mediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
	EnableBidirectional bool   `json:"enableBidirectional"`
	AudioFormat         string `json:"audioFormat"`
}

type answerResponse struct {
	CallConnectionID string `json:"callConnectionId"`
}

func (c *Client) Answer(ctx context.Context, incomingCallContext string, opts AnswerOptions) (CallConnection, error) {
	if strings.TrimSpace(incomingCallContext) == "" {
		return nil, fmt.Errorf("incomingCallContext is required")
	}
	body := answerRequest{
		IncomingCallContext: incomingCallContext,
		CallbackURI:         opts.CallbackURL,
		OperationContext:    opts.OperationContext,
		MediaStreamingOptions: mediaStreamingOptions{
			TransportURL:        opts.TransportURL,
			TransportType:       "websocket",
			ContentType:         "audio",
			AudioChannelType:    "mixed",
			StartMediaStreaming: true,
			EnableBidirectional: true,
			AudioFormat:         "Pcm16KMono",
		},
	}

	var resp answerResponse
	if err := c.do(ctx, http.MethodPost, "/calling/callConnections:answer", body, &resp); err != nil {
		return nil, fmt.Errorf("answer call: %w", err)
	}
	if strings.TrimSpace(resp.CallConnectionID) == "" {
		return nil, fmt.Errorf("answer call: response without callConnectionId")
	}
	return &callConnection{client: c, id: resp.CallConnectionID}, nil
}

func (c *Client) Close() error { return nil }

type callConnection struct {
	client *Client
	id     string
}

func (cc *callConnection) ID() string { return cc.id }

func (cc *callConnection) HangUp(ctx context.Context, forEveryone bool) error {
	if forEveryone {
		path := fmt.Sprintf("/calling/callConnections/%s:terminate", url.PathEscape(cc.id))
		if err := cc.client.do(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
			return fmt.Errorf("terminate call %s: %w", cc.id, err)
		}
		return nil
	}
	path := fmt.Sprintf("/calling/callConnections/%s", url.PathEscape(cc.id))
	if err := cc.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("hang up call %s: %w", cc.id, err)
	}
	return nil
}

func (cc *callConnection) Close() error { return nil }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = "api-version=" + apiVersion

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sign adds the platform's HMAC-SHA256 request signature: the signed string
// is "VERB\npath?query\ndate;host;bodyHash" over the x-ms-date, host, and
// x-ms-content-sha256 headers.
func (c *Client) sign(req *http.Request, payload []byte) {
	bodyHash := sha256.Sum256(payload)
	contentHash := base64.StdEncoding.EncodeToString(bodyHash[:])
	date := c.now().UTC().Format(http.TimeFormat)

	pathAndQuery := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		pathAndQuery += "?" + req.URL.RawQuery
	}
	stringToSign := req.Method + "\n" + pathAndQuery + "\n" + date + ";" + req.URL.Host + ";" + contentHash

	mac := hmac.New(sha256.New, c.accessKey)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
