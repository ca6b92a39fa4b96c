// Package integrity exchanges an attestation response for an integrity
// credential at the GenerateIT endpoint.
package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"po-token/shared"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// field describes one position of the GenerateIT response tuple
type field struct {
	name     string
	expected string
	schema   string
}

var responseFields = []field{
	{name: "integrityToken", expected: "string", schema: `{"type":"string"}`},
	{name: "estimatedTtlSecs", expected: "integer", schema: `{"type":"integer"}`},
	{name: "mintRefreshThreshold", expected: "integer", schema: `{"type":"integer"}`},
	{name: "websafeFallbackToken", expected: "string", schema: `{"type":"string"}`},
}

var (
	compiledFields []*gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func fieldSchemas() ([]*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledFields = make([]*gojsonschema.Schema, len(responseFields))
		for i, f := range responseFields {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(f.schema))
			if err != nil {
				compileErr = fmt.Errorf("failed to compile schema for %s: %w", f.name, err)
				return
			}
			compiledFields[i] = schema
		}
	})
	return compiledFields, compileErr
}

// Config configures an integrity Client
type Config struct {
	HTTPClient shared.HTTPDoer
	Endpoints  shared.Endpoints
	Headers    shared.RequestHeaders
	Logger     *shared.Logger
	// Now is the receipt clock; defaults to time.Now
	Now func() time.Time
}

// Client calls the GenerateIT endpoint
type Client struct {
	httpClient shared.HTTPDoer
	endpoint   string
	headers    shared.RequestHeaders
	logger     *shared.Logger
	now        func() time.Time
}

// NewClient creates an integrity exchange client
func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = shared.NopLogger()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		httpClient: config.HTTPClient,
		endpoint:   config.Endpoints.GenerateIT,
		headers:    config.Headers,
		logger:     logger.Named("integrity"),
		now:        now,
	}
}

// Exchange trades an attestation response for a credential. Scheduling
// the credential's refresh is left to the caller.
func (c *Client) Exchange(ctx context.Context, requestKey, attestationResponse string) (*Credential, error) {
	if requestKey == "" {
		return nil, shared.NewConfigurationError("requestKey", "request key not provided")
	}
	if c.httpClient == nil {
		return nil, shared.NewConfigurationError("transport", "no HTTP transport provided")
	}
	if c.endpoint == "" {
		return nil, shared.NewConfigurationError("endpoints.generateIt", "integrity endpoint not configured")
	}
	if attestationResponse == "" {
		return nil, shared.NewConfigurationError("attestationResponse", "attestation response is empty")
	}

	raw, err := shared.PostJSPB(ctx, c.httpClient, c.endpoint, c.headers, []any{requestKey, attestationResponse})
	if err != nil {
		c.logger.WithEndpoint(c.endpoint).Error("Integrity token request failed", zap.Error(err))
		return nil, err
	}

	credential, err := Parse(raw, c.now())
	if err != nil {
		c.logger.WithEndpoint(c.endpoint).Error("Invalid integrity token response", zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{zap.Bool("has_fallback_token", credential.WebsafeFallbackToken != "")}
	if due, ok := credential.RefreshDue(); ok {
		fields = append(fields, zap.Time("refresh_due", due))
	}
	c.logger.Debug("Integrity token received", fields...)

	return credential, nil
}

// Parse validates a GenerateIT response tuple
// [integrityToken, estimatedTtlSecs, mintRefreshThreshold, websafeFallbackToken].
// Each present field is checked on its own; a wrong type is reported
// against that field.
func Parse(raw []byte, receivedAt time.Time) (*Credential, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, shared.NewIntegrityError("", "", "", fmt.Sprintf("response is not a JSON array: %v", err))
	}
	if len(tuple) == 0 {
		return nil, shared.NewIntegrityError("", "", "", "no integrity token data received")
	}

	schemas, err := fieldSchemas()
	if err != nil {
		return nil, err
	}

	credential := &Credential{ReceivedAt: receivedAt}
	for i, f := range responseFields {
		if i >= len(tuple) || isNull(tuple[i]) {
			continue
		}

		result, err := schemas[i].Validate(gojsonschema.NewBytesLoader(tuple[i]))
		if err != nil {
			return nil, shared.NewIntegrityError(f.name, f.expected, "invalid JSON", err.Error())
		}
		if !result.Valid() {
			return nil, shared.NewIntegrityError(f.name, f.expected, jsonType(tuple[i]), describe(result.Errors()))
		}

		switch i {
		case 0:
			err = json.Unmarshal(tuple[i], &credential.IntegrityToken)
		case 1:
			credential.EstimatedTTLSecs, err = decodeInt(tuple[i])
		case 2:
			credential.MintRefreshThresholdSecs, err = decodeInt(tuple[i])
		case 3:
			err = json.Unmarshal(tuple[i], &credential.WebsafeFallbackToken)
		}
		if errors.Is(err, errOutOfRange) {
			return nil, shared.NewIntegrityError(f.name, f.expected, "out of range", string(bytes.TrimSpace(tuple[i]))+" does not fit in seconds")
		}
		if err != nil {
			return nil, shared.NewIntegrityError(f.name, f.expected, jsonType(tuple[i]), err.Error())
		}
	}

	return credential, nil
}

// errOutOfRange marks an integer field that does not fit a duration in
// seconds
var errOutOfRange = errors.New("value out of range")

// maxNumberLength bounds the text handed to big.Rat
const maxNumberLength = 64

func decodeInt(raw json.RawMessage) (*int64, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var n json.Number
	if err := decoder.Decode(&n); err != nil {
		return nil, err
	}

	v, err := n.Int64()
	if err != nil {
		// Whole numbers may be written with a fraction or exponent ("600.0")
		v, err = integralValue(n.String())
		if err != nil {
			return nil, err
		}
	}
	if v > MaxDurationSecs || v < -MaxDurationSecs {
		return nil, errOutOfRange
	}
	return &v, nil
}

func integralValue(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.Abs(f) >= math.MaxInt64 || len(s) > maxNumberLength {
		return 0, errOutOfRange
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || !r.IsInt() || !r.Num().IsInt64() {
		return 0, errOutOfRange
	}
	return r.Num().Int64(), nil
}

func describe(errs []gojsonschema.ResultError) string {
	descriptions := make([]string, 0, len(errs))
	for _, e := range errs {
		descriptions = append(descriptions, e.Description())
	}
	return strings.Join(descriptions, "; ")
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func jsonType(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "empty"
	}
	switch trimmed[0] {
	case '"':
		return "string"
	case '[':
		return "array"
	case '{':
		return "object"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
