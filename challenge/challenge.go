// Package challenge fetches the attestation challenge envelope and
// normalizes both response shapes the endpoint produces into an Envelope.
package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"po-token/shared"

	"go.uber.org/zap"
)

// InterpreterJavascript locates the interpreter that hosts the program.
// Either field may be empty.
type InterpreterJavascript struct {
	SafeScript         string `json:"safe_script,omitempty"`
	TrustedResourceURL string `json:"trusted_resource_url,omitempty"`
}

// Envelope is a normalized challenge
type Envelope struct {
	MessageID                  string                `json:"message_id,omitempty"`
	InterpreterJavascript      InterpreterJavascript `json:"interpreter_javascript"`
	InterpreterHash            string                `json:"interpreter_hash"`
	Program                    string                `json:"program"`
	GlobalName                 string                `json:"global_name"`
	ClientExperimentsStateBlob string                `json:"client_experiments_state_blob,omitempty"`
}

// Positional layout of the challenge message
const (
	idxMessageID = iota
	idxScript
	idxURL
	idxInterpreterHash
	idxProgram
	idxGlobalName
	_
	idxExperimentsBlob
)

// Config configures a challenge Client
type Config struct {
	HTTPClient shared.HTTPDoer
	Endpoints  shared.Endpoints
	Headers    shared.RequestHeaders
	Logger     *shared.Logger
}

// Client fetches challenges from the Create endpoint
type Client struct {
	httpClient shared.HTTPDoer
	endpoint   string
	headers    shared.RequestHeaders
	logger     *shared.Logger
}

// NewClient creates a challenge client
func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = shared.NopLogger()
	}
	return &Client{
		httpClient: config.HTTPClient,
		endpoint:   config.Endpoints.Create,
		headers:    config.Headers,
		logger:     logger.Named("challenge"),
	}
}

// Fetch requests a challenge for requestKey. When interpreterHash is set
// the server may omit the interpreter script it assumes the caller has.
func (c *Client) Fetch(ctx context.Context, requestKey, interpreterHash string) (*Envelope, error) {
	if requestKey == "" {
		return nil, shared.NewConfigurationError("requestKey", "request key not provided")
	}
	if c.httpClient == nil {
		return nil, shared.NewConfigurationError("transport", "no HTTP transport provided")
	}
	if c.endpoint == "" {
		return nil, shared.NewConfigurationError("endpoints.create", "challenge endpoint not configured")
	}

	payload := []any{requestKey}
	if interpreterHash != "" {
		payload = append(payload, interpreterHash)
	}

	raw, err := shared.PostJSPB(ctx, c.httpClient, c.endpoint, c.headers, payload)
	if err != nil {
		c.logger.WithEndpoint(c.endpoint).Error("Failed to fetch challenge", zap.Error(err))
		return nil, err
	}

	envelope, err := Parse(raw)
	if err != nil {
		c.logger.WithEndpoint(c.endpoint).Error("Failed to parse challenge", zap.Error(err), zap.Int("response_bytes", len(raw)))
		return nil, err
	}

	c.logger.Debug("Challenge received",
		zap.String("message_id", envelope.MessageID),
		zap.String("interpreter_hash", envelope.InterpreterHash),
		zap.String("global_name", envelope.GlobalName),
		zap.Int("program_bytes", len(envelope.Program)))

	return envelope, nil
}

// Parse decodes a Create response in either its legacy scrambled form
// [messageId, scrambledBlob] or its structured form [[fields...]].
func Parse(raw []byte) (*Envelope, error) {
	var top []json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, shared.NewChallengeError("", "response is not a JSON array", err)
	}

	var fields []json.RawMessage
	switch {
	case len(top) > 1 && isJSONString(top[1]):
		var scrambled string
		if err := json.Unmarshal(top[1], &scrambled); err != nil {
			return nil, shared.NewChallengeError("scrambledChallenge", "invalid string", err)
		}
		descrambled, err := Descramble(scrambled)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(descrambled), &fields); err != nil {
			return nil, shared.NewChallengeError("scrambledChallenge", "descrambled payload is not a JSON array", err)
		}
	case len(top) > 0 && isJSONArray(top[0]):
		if err := json.Unmarshal(top[0], &fields); err != nil {
			return nil, shared.NewChallengeError("challenge", "invalid structured challenge", err)
		}
	default:
		return nil, shared.NewChallengeError("", fmt.Sprintf("unrecognized response shape (%d top-level entries)", len(top)), nil)
	}

	return fromFields(fields)
}

func fromFields(fields []json.RawMessage) (*Envelope, error) {
	envelope := &Envelope{}
	var err error

	if envelope.MessageID, err = stringAt(fields, idxMessageID, "messageId"); err != nil {
		return nil, err
	}
	if envelope.InterpreterJavascript.SafeScript, err = wrappedAt(fields, idxScript, "interpreterJavascript"); err != nil {
		return nil, err
	}
	if envelope.InterpreterJavascript.TrustedResourceURL, err = wrappedAt(fields, idxURL, "interpreterUrl"); err != nil {
		return nil, err
	}
	if envelope.InterpreterHash, err = stringAt(fields, idxInterpreterHash, "interpreterHash"); err != nil {
		return nil, err
	}
	if envelope.Program, err = stringAt(fields, idxProgram, "program"); err != nil {
		return nil, err
	}
	if envelope.GlobalName, err = stringAt(fields, idxGlobalName, "globalName"); err != nil {
		return nil, err
	}
	if envelope.ClientExperimentsStateBlob, err = stringAt(fields, idxExperimentsBlob, "clientExperimentsStateBlob"); err != nil {
		return nil, err
	}

	if envelope.Program == "" {
		return nil, shared.NewChallengeError("program", "missing from challenge", nil)
	}
	if envelope.GlobalName == "" {
		return nil, shared.NewChallengeError("globalName", "missing from challenge", nil)
	}
	return envelope, nil
}

// stringAt reads an optional string field; absent and null read as "".
func stringAt(fields []json.RawMessage, idx int, name string) (string, error) {
	if idx >= len(fields) || isJSONNull(fields[idx]) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(fields[idx], &s); err != nil {
		return "", shared.NewChallengeError(name, "expected a string", err)
	}
	return s, nil
}

// wrappedAt reads a field that is either a plain string or an array of
// placeholders whose first non-empty string entry carries the value.
func wrappedAt(fields []json.RawMessage, idx int, name string) (string, error) {
	if idx >= len(fields) || isJSONNull(fields[idx]) {
		return "", nil
	}
	if isJSONString(fields[idx]) {
		return stringAt(fields, idx, name)
	}

	var entries []any
	if err := json.Unmarshal(fields[idx], &entries); err != nil {
		return "", shared.NewChallengeError(name, "expected a string or an array", err)
	}
	for _, entry := range entries {
		if s, ok := entry.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", nil
}

func isJSONString(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
