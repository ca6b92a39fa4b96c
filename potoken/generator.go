// Package potoken composes the challenge, attestation, integrity and
// minting steps into a single token generation, with cold-start tokens
// as an independent fallback.
package potoken

import (
	"context"
	"time"

	"po-token/botguard"
	"po-token/challenge"
	"po-token/coldstart"
	"po-token/integrity"
	"po-token/minter"
	"po-token/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result of one generation
type Result struct {
	GenerationID string
	PoToken      string

	// ColdStart is set when PoToken is a cold-start token produced by the
	// fallback path; every field below is then empty.
	ColdStart bool

	Challenge  *challenge.Envelope
	Credential *integrity.Credential
	// RefreshDue is meaningful only when HasRefreshDue is set
	RefreshDue    time.Time
	HasRefreshDue bool

	// Minter mints further tokens for the same credential. It depends on
	// VM, which the caller must Shutdown when done.
	Minter *minter.Minter
	VM     *botguard.Client
}

// Generator runs the full token pipeline. It holds no per-run state and
// may be used concurrently.
type Generator struct {
	config     Config
	challenges *challenge.Client
	integrity  *integrity.Client
	logger     *shared.Logger
}

// NewGenerator creates a Generator
func NewGenerator(config Config) *Generator {
	config.applyDefaults()
	logger := config.Logger.Named("potoken")

	return &Generator{
		config: config,
		challenges: challenge.NewClient(challenge.Config{
			HTTPClient: config.HTTPClient,
			Endpoints:  config.Endpoints,
			Headers:    config.Headers,
			Logger:     config.Logger,
		}),
		integrity: integrity.NewClient(integrity.Config{
			HTTPClient: config.HTTPClient,
			Endpoints:  config.Endpoints,
			Headers:    config.Headers,
			Logger:     config.Logger,
			Now:        config.Now,
		}),
		logger: logger,
	}
}

// Generate mints a token bound to identifier. No step is retried; on
// failure the whole call can be repeated from the top.
func (g *Generator) Generate(ctx context.Context, identifier string) (*Result, error) {
	generationID := uuid.NewString()
	logger := g.logger.WithGeneration(generationID)

	result, err := g.generate(ctx, generationID, identifier, logger)
	if err == nil {
		return result, nil
	}

	logger.Error("Token generation failed",
		zap.String("error_kind", string(shared.KindOf(err))),
		zap.Error(err))

	if !g.config.ColdStartFallback {
		return nil, err
	}

	token, codecErr := coldstart.Encode(identifier, *g.config.ColdStartClientState)
	if codecErr != nil {
		g.logger.Critical("Cold-start fallback failed",
			zap.String("generation_id", generationID),
			zap.Error(codecErr))
		return nil, err
	}
	logger.Warn("Falling back to cold-start token", zap.Uint8("client_state", *g.config.ColdStartClientState))
	return &Result{GenerationID: generationID, PoToken: token, ColdStart: true}, nil
}

func (g *Generator) generate(ctx context.Context, generationID, identifier string, logger *zap.Logger) (*Result, error) {
	if identifier == "" {
		return nil, shared.NewConfigurationError("identifier", "identifier not provided")
	}
	if g.config.Loader == nil {
		return nil, shared.NewConfigurationError("loader", "no interpreter loader provided")
	}

	envelope, err := g.challenges.Fetch(ctx, g.config.RequestKey, g.config.InterpreterHash)
	if err != nil {
		return nil, err
	}

	handle, err := g.config.Loader.Load(ctx, envelope)
	if err != nil {
		return nil, shared.NewVMError("loadInterpreter", botguard.StateUninitialized.String(), "interpreter loader failed", err)
	}

	vm, err := botguard.Create(ctx, handle, envelope.Program, botguard.Options{
		Timeout:         g.config.VMTimeout,
		UserInteraction: g.config.UserInteraction,
		Logger:          g.config.Logger,
	})
	if err != nil {
		return nil, err
	}

	result, err := g.attest(ctx, vm, identifier, logger)
	if err != nil {
		g.release(vm, logger)
		return nil, err
	}
	result.GenerationID = generationID
	result.Challenge = envelope
	return result, nil
}

func (g *Generator) attest(ctx context.Context, vm *botguard.Client, identifier string, logger *zap.Logger) (*Result, error) {
	signals := botguard.NewSignalOutput()
	response, err := vm.Snapshot(ctx, botguard.SnapshotArgs{
		ContentBinding: g.config.ContentBinding,
		SignalOutput:   signals,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("Attestation response produced", zap.Int("response_bytes", len(response)), zap.Int("signal_slots", signals.Len()))

	credential, err := g.integrity.Exchange(ctx, g.config.RequestKey, response)
	if err != nil {
		return nil, err
	}

	m, err := minter.New(ctx, credential, signals)
	if err != nil {
		return nil, err
	}

	token, err := m.MintAsWebsafeString(ctx, identifier)
	if err != nil {
		return nil, err
	}

	result := &Result{
		PoToken:    token,
		Credential: credential,
		Minter:     m,
		VM:         vm,
	}
	result.RefreshDue, result.HasRefreshDue = credential.RefreshDue()

	fields := []zap.Field{zap.Int("token_length", len(token))}
	if result.HasRefreshDue {
		fields = append(fields, zap.Time("refresh_due", result.RefreshDue))
	}
	logger.Info("Token generated", fields...)
	return result, nil
}

// release shuts down a VM whose generation failed. The caller's context
// may already be done, so shutdown gets its own deadline.
func (g *Generator) release(vm *botguard.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.VMTimeout)
	defer cancel()
	if err := vm.Shutdown(ctx); err != nil {
		logger.Debug("VM shutdown after failed generation", zap.Error(err))
	}
}

// GenerateColdStartToken builds a cold-start token with the configured
// client state
func (g *Generator) GenerateColdStartToken(identifier string) (string, error) {
	return coldstart.Encode(identifier, *g.config.ColdStartClientState)
}

// GenerateColdStartToken builds a cold-start token without a Generator
func GenerateColdStartToken(identifier string, clientState byte) (string, error) {
	return coldstart.Encode(identifier, clientState)
}
