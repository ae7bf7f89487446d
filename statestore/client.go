package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"

	"github.com/vigil-social/vigil/util"
)

// HTTP client for the state store. Zero value is not usable; Host is
// required, everything else is optional.
type Client struct {
	// Client is the HTTP client to use. If not set, defaults to util.RobustHTTPClient().
	Client    *http.Client
	Auth      *AuthInfo
	Host      string
	UserAgent *string
	Headers   map[string]string
	// Limiter, if set, is waited on before every request.
	Limiter *rate.Limiter
}

type AuthInfo struct {
	AccessToken string `json:"accessToken"`
}

var _ Store = (*Client)(nil)

func (c *Client) getClient() *http.Client {
	if c.Client == nil {
		return util.RobustHTTPClient()
	}
	return c.Client
}

func (c *Client) FetchContainerState(ctx context.Context, containerID string) ([]StateRecord, error) {
	var out struct {
		Records []StateRecord `json:"records"`
	}
	path := fmt.Sprintf("/v1/container/%s/state", url.PathEscape(containerID))
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) FetchStateRecord(ctx context.Context, containerID, recordType, stateKey string) (json.RawMessage, error) {
	var out json.RawMessage
	path := fmt.Sprintf("/v1/container/%s/state/%s/%s",
		url.PathEscape(containerID), url.PathEscape(recordType), url.PathEscape(stateKey))
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PutStateRecord(ctx context.Context, containerID, recordType, stateKey string, content any) (string, error) {
	var out struct {
		RecordID string `json:"recordId"`
	}
	path := fmt.Sprintf("/v1/container/%s/state/%s/%s",
		url.PathEscape(containerID), url.PathEscape(recordType), url.PathEscape(stateKey))
	if err := c.do(ctx, "PUT", path, content, &out); err != nil {
		return "", err
	}
	return out.RecordID, nil
}

func (c *Client) do(ctx context.Context, method, path string, bodyobj, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body *bytes.Reader
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Host+path, body)
	if err != nil {
		return err
	}
	if bodyobj != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != nil {
		req.Header.Set("User-Agent", *c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "vigil/"+versioninfo.Short())
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if c.Auth != nil {
		req.Header.Set("Authorization", "Bearer "+c.Auth.AccessToken)
	}

	resp, err := c.getClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var ae APIError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil {
			return &Error{StatusCode: resp.StatusCode, Wrapped: fmt.Errorf("failed to decode error body: %w", err)}
		}
		return &Error{StatusCode: resp.StatusCode, Wrapped: &ae}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}
