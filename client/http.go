package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiError is the JSON error body returned by the node.
type apiError struct {
	Error string `json:"error"`
}

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Code    int    // Code is the HTTP status code
	Message string // Message is the node's error message, if any
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// postBytes sends raw bytes and decodes the JSON response when the status is want.
func (c *Client) postBytes(path string, body []byte, want int, result any) error {
	resp, err := c.http.Post(c.baseURL+path, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	return decode(resp, want, result)
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(path string, result any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	return decode(resp, http.StatusOK, result)
}

// decode reads a JSON body, or turns an unexpected status into a StatusError.
func decode(resp *http.Response, want int, result any) error {
	if resp.StatusCode != want {
		var body apiError
		json.NewDecoder(resp.Body).Decode(&body)

		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
