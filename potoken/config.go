package potoken

import (
	"context"
	"net/http"
	"time"

	"po-token/botguard"
	"po-token/challenge"
	"po-token/coldstart"
	"po-token/shared"
)

// InterpreterLoader hosts the interpreter named by a challenge and
// returns the handle in which the program's global object lives. How the
// interpreter script is evaluated is up to the implementation.
type InterpreterLoader interface {
	Load(ctx context.Context, envelope *challenge.Envelope) (botguard.Program, error)
}

// InterpreterLoaderFunc adapts a function to InterpreterLoader
type InterpreterLoaderFunc func(ctx context.Context, envelope *challenge.Envelope) (botguard.Program, error)

// Load calls f
func (f InterpreterLoaderFunc) Load(ctx context.Context, envelope *challenge.Envelope) (botguard.Program, error) {
	return f(ctx, envelope)
}

// Config configures a Generator
type Config struct {
	RequestKey      string
	InterpreterHash string // cached hash; the server then omits the interpreter

	HTTPClient shared.HTTPDoer
	Endpoints  shared.Endpoints      // default: WAA endpoints under shared.DefaultBaseURL
	Headers    shared.RequestHeaders // default: shared.DefaultAPIKey and shared.DefaultUserAgent
	Loader     InterpreterLoader

	VMTimeout       time.Duration // default botguard.DefaultTimeout
	UserInteraction any
	ContentBinding  botguard.ContentBinding

	// ColdStartFallback returns a cold-start token when the full flow
	// fails. Only useful while enforcement is lenient.
	ColdStartFallback    bool
	ColdStartClientState *byte // nil means coldstart.DefaultClientState

	Logger *shared.Logger
	Now    func() time.Time
}

// ClientState returns a pointer for Config.ColdStartClientState
func ClientState(state byte) *byte {
	return &state
}

// ConfigFromEnv maps an environment-derived shared.Config onto a
// generator Config
func ConfigFromEnv(env *shared.Config, loader InterpreterLoader) Config {
	return Config{
		RequestKey:      env.RequestKey,
		InterpreterHash: env.InterpreterHash,
		HTTPClient:      &http.Client{Timeout: env.HTTPTimeout},
		Endpoints:       env.Endpoints(),
		Headers:         shared.RequestHeaders{APIKey: env.APIKey, UserAgent: env.UserAgent},
		Loader:          loader,
		VMTimeout:       env.VMTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Endpoints == (shared.Endpoints{}) {
		c.Endpoints = shared.WaaEndpoints(shared.DefaultBaseURL)
	}
	if c.Headers == (shared.RequestHeaders{}) {
		c.Headers = shared.RequestHeaders{APIKey: shared.DefaultAPIKey, UserAgent: shared.DefaultUserAgent}
	}
	if c.VMTimeout <= 0 {
		c.VMTimeout = botguard.DefaultTimeout
	}
	if c.ColdStartClientState == nil {
		c.ColdStartClientState = ClientState(coldstart.DefaultClientState)
	}
	if c.Logger == nil {
		c.Logger = shared.NopLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
