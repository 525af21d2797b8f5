package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"messaging-service/internal/models"
)

// HTTPError is a non-2xx REST response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RESTClient talks to the REST surface: history fetch and the send fallback.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRESTClient builds a RESTClient. A nil httpClient uses a client with a
// 15s timeout.
func NewRESTClient(baseURL, token string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// FetchHistory returns the conversation's messages ascending by creation time.
func (r *RESTClient) FetchHistory(ctx context.Context, userID, conversationID int64) ([]models.Message, error) {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(userID, 10))
	q.Set("conversationId", strconv.FormatInt(conversationID, 10))

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if _, err := r.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PostMessage sends a message over REST. created is false when the server
// already stored the same tempId. 4xx responses wrap ErrRejected; network
// failures wrap ErrTransportDown.
func (r *RESTClient) PostMessage(ctx context.Context, in models.SendPayload) (models.Message, bool, error) {
	var resp struct {
		Message models.Message `json:"message"`
	}
	status, err := r.do(ctx, http.MethodPost, "/messages", in, &resp)
	if err != nil {
		return models.Message{}, false, err
	}
	return resp.Message, status == http.StatusCreated, nil
}

func (r *RESTClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransportDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: payload.Error}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrRejected, httpErr)
		}
		return resp.StatusCode, fmt.Errorf("%w: %w", ErrTransportDown, httpErr)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
