package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/flant/negentropy/provisioning/model"
)

// HTTPConnector is a generic REST connector:
// POST {url}/accounts, PUT|GET|DELETE {url}/accounts/{uid}
type HTTPConnector struct {
	baseURL string
	token   string
	client  *http.Client
	logger  log.Logger
}

type accountPayload struct {
	UID        string                 `json:"uid"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type errorPayload struct {
	Error     string `json:"error"`
	Attribute string `json:"attribute,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func NewHTTPConnector(baseURL, token string, timeout time.Duration, logger log.Logger) *HTTPConnector {
	return &HTTPConnector{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("HTTPConnector"),
	}
}

func (c *HTTPConnector) accountURL(uid string) string {
	return c.baseURL + "/accounts/" + url.PathEscape(uid)
}

func (c *HTTPConnector) Execute(ctx context.Context, opType model.OperationType, uid string, attributes map[string]interface{}) error {
	var method, target string
	switch opType {
	case model.OperationCreate:
		method, target = http.MethodPost, c.baseURL+"/accounts"
	case model.OperationUpdate:
		method, target = http.MethodPut, c.accountURL(uid)
	case model.OperationDelete:
		method, target = http.MethodDelete, c.accountURL(uid)
	default:
		return &RejectedError{Reason: fmt.Sprintf("unknown operation %q", opType)}
	}
	var body io.Reader
	if opType != model.OperationDelete {
		data, err := json.Marshal(accountPayload{UID: uid, Attributes: reveal(attributes)})
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	_, err := c.do(ctx, method, target, body)
	c.logger.Debug("executed", "operation", opType, "uid", uid, "err", err)
	return err
}

func (c *HTTPConnector) ReadCurrentValue(ctx context.Context, uid string, attribute string) (interface{}, error) {
	data, err := c.do(ctx, http.MethodGet, c.accountURL(uid), nil)
	if err != nil {
		return nil, err
	}
	var account accountPayload
	if err = json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("unmarshal account %s: %w", uid, err)
	}
	return account.Attributes[attribute], nil
}

func (c *HTTPConnector) do(ctx context.Context, method, target string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	switch {
	case resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return nil, ErrObjectNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &UnavailableError{Err: fmt.Errorf("%s %s: status %d", method, target, resp.StatusCode)}
	}
	var payload errorPayload
	if jsonErr := json.Unmarshal(data, &payload); jsonErr != nil || payload.Error == "" {
		payload.Error = fmt.Sprintf("status %d: %s", resp.StatusCode, string(data))
	}
	return nil, &RejectedError{Reason: payload.Error, Attribute: payload.Attribute, Retryable: payload.Retryable}
}

// reveal opens guarded values at the very boundary
func reveal(attributes map[string]interface{}) map[string]interface{} {
	res := make(map[string]interface{}, len(attributes))
	for k, v := range attributes {
		if g, ok := v.(model.GuardedString); ok {
			res[k] = g.Reveal()
			continue
		}
		res[k] = v
	}
	return res
}
