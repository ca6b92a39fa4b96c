package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	waaRPCPath     = "/$rpc/google.internal.waa.v1.Waa"
	youtubeRPCPath = "/api/jnn/v1"

	// maxResponseBytes bounds how much of an endpoint response is read.
	// Challenge programs are large but well under this.
	maxResponseBytes = 8 << 20
)

// HTTPDoer is the transport used for every endpoint call. *http.Client
// satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoints holds the absolute URLs of the challenge and integrity endpoints
type Endpoints struct {
	Create     string `json:"create"`
	GenerateIT string `json:"generate_it"`
}

// WaaEndpoints returns the endpoint set served under the WAA RPC path
func WaaEndpoints(baseURL string) Endpoints {
	return buildEndpoints(baseURL, waaRPCPath)
}

// YouTubeEndpoints returns the endpoint set proxied by the YouTube API
func YouTubeEndpoints(baseURL string) Endpoints {
	return buildEndpoints(baseURL, youtubeRPCPath)
}

func buildEndpoints(baseURL, rpcPath string) Endpoints {
	base := strings.TrimRight(baseURL, "/") + rpcPath
	return Endpoints{
		Create:     base + "/Create",
		GenerateIT: base + "/GenerateIT",
	}
}

// RequestHeaders identifies this client to the endpoints
type RequestHeaders struct {
	APIKey    string
	UserAgent string
}

// PostJSPB posts payload as a JSON-protobuf array and returns the raw
// response body. Transport failures and non-2xx statuses surface as
// *NetworkError.
func PostJSPB(ctx context.Context, doer HTTPDoer, endpoint string, headers RequestHeaders, payload []any) ([]byte, error) {
	if doer == nil {
		return nil, NewConfigurationError("transport", "no HTTP transport provided")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewNetworkError(endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/json+protobuf")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-User-Agent", "grpc-web-javascript/0.1")
	if headers.APIKey != "" {
		req.Header.Set("X-Goog-Api-Key", headers.APIKey)
	}
	if headers.UserAgent != "" {
		req.Header.Set("User-Agent", headers.UserAgent)
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, NewNetworkError(endpoint, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, NewNetworkError(endpoint, resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewNetworkError(endpoint, resp.StatusCode, err)
	}
	return data, nil
}
