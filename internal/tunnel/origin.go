package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/relay-dev/relay/internal/protocol"
)

// skipRequestHeaders are not forwarded to the local origin.
var skipRequestHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// originClient never follows redirects; 3xx responses pass through to the
// external caller untouched.
var originClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// ForwardRequest replays a REQUEST payload against the local origin and
// builds the RESPONSE. A non-nil error payload means the exchange failed and
// an ERROR envelope should be sent instead.
func ForwardRequest(ctx context.Context, localURL string, msg *protocol.RequestPayload, maxBodySize int64) (*protocol.ResponsePayload, *protocol.ErrorPayload) {
	target := localURL + msg.Path
	if len(msg.Query) > 0 {
		q := url.Values{}
		for k, v := range msg.Query {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	var reqBody io.Reader
	if len(msg.Body) > 0 {
		reqBody = bytes.NewReader(msg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, msg.Method, target, reqBody)
	if err != nil {
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeServerError,
			Message: fmt.Sprintf("failed to build origin request: %s", err),
		}
	}
	for key, value := range msg.Headers {
		if skipRequestHeaders[strings.ToLower(key)] {
			continue
		}
		req.Header.Set(key, value)
	}

	resp, err := originClient.Do(req)
	if err != nil {
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeUpstreamError,
			Message: fmt.Sprintf("failed to reach %s: %s", localURL, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeUpstreamError,
			Message: fmt.Sprintf("failed to read origin response: %s", err),
		}
	}
	if int64(len(body)) > maxBodySize {
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeUpstreamError,
			Message: fmt.Sprintf("response body exceeds %d byte limit", maxBodySize),
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}
	return &protocol.ResponsePayload{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}
