package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.ServerName == "" {
		return fmt.Errorf("%w: request missing server_name", ErrMalformed)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads a Response and fills absent fields with defaults:
// status "success", empty data and metadata, server_version "unknown".
// A status of "error" yields ErrBackend alongside the decoded response.
func DecodeResponse(r io.Reader) (*Response, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return ParseResponse(data)
}

// ParseResponse is DecodeResponse over an in-memory body.
func ParseResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrMalformed)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: response is not valid JSON: %v", ErrMalformed, err)
	}

	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	if resp.Data == nil {
		resp.Data = map[string]any{}
	}
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	if resp.ServerVersion == "" {
		resp.ServerVersion = "unknown"
	}

	switch resp.Status {
	case StatusSuccess:
		return &resp, nil
	case StatusFailed:
		msg := resp.Error
		if msg == "" {
			msg = "no error message"
		}
		return &resp, fmt.Errorf("%w: %s", ErrBackend, msg)
	default:
		return nil, fmt.Errorf("%w: invalid status value %q", ErrMalformed, resp.Status)
	}
}
