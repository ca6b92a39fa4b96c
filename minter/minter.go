// Package minter derives identifier-bound tokens from an integrity
// credential and the minter factory the program left in signal-output
// slot 0.
package minter

import (
	"context"
	"fmt"

	"po-token/botguard"
	"po-token/integrity"
	"po-token/shared"
)

// MintFunc is the function a minter factory must return
type MintFunc func(identifier []byte) (any, error)

// Minter mints tokens for one credential. It is safe for concurrent use
// and never re-invokes the factory.
type Minter struct {
	mint MintFunc
}

// New invokes the factory in slot 0 with the decoded integrity token
func New(ctx context.Context, credential *integrity.Credential, signals *botguard.SignalOutput) (*Minter, error) {
	factory := signals.Slot(0)
	if factory == nil {
		return nil, shared.NewMintError(shared.MintCodeFactoryUndefined, "signal output slot 0 is empty", nil)
	}
	if !credential.HasIntegrityToken() {
		return nil, shared.NewMintError(shared.MintCodeNoIntegrityToken, "credential has no integrity token", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	token, err := shared.DecodeBase64(credential.IntegrityToken)
	if err != nil {
		return nil, shared.NewMintError(shared.MintCodeFactoryInvocationFailed, "integrity token is not base64", err)
	}

	result, err := callFactory(factory, token)
	if err != nil {
		return nil, shared.NewMintError(shared.MintCodeFactoryInvocationFailed, "minter factory failed", err)
	}

	mint, ok := asMintFunc(result)
	if !ok {
		return nil, shared.NewMintError(shared.MintCodeFactoryInvocationFailed,
			fmt.Sprintf("minter factory returned %T, not a mint function", result), nil)
	}
	return &Minter{mint: mint}, nil
}

// FromFunc wraps an existing mint function
func FromFunc(mint MintFunc) *Minter {
	return &Minter{mint: mint}
}

// Mint returns the raw token bytes for identifier
func (m *Minter) Mint(ctx context.Context, identifier string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := callMint(m.mint, []byte(identifier))
	if err != nil {
		return nil, shared.NewMintError(shared.MintCodeInvocationFailed, "mint function failed", err)
	}

	switch v := result.(type) {
	case nil:
		return nil, shared.NewMintError(shared.MintCodeResultUndefined, "mint function returned nothing", nil)
	case []byte:
		if v == nil {
			return nil, shared.NewMintError(shared.MintCodeResultUndefined, "mint function returned nil bytes", nil)
		}
		return v, nil
	default:
		return nil, shared.NewMintError(shared.MintCodeResultInvalidType, fmt.Sprintf("mint function returned %T", result), nil)
	}
}

// MintAsWebsafeString returns the token as unpadded websafe base64
func (m *Minter) MintAsWebsafeString(ctx context.Context, identifier string) (string, error) {
	raw, err := m.Mint(ctx, identifier)
	if err != nil {
		return "", err
	}
	return shared.EncodeWebsafe(raw), nil
}

func asMintFunc(v any) (MintFunc, bool) {
	switch fn := v.(type) {
	case MintFunc:
		return fn, fn != nil
	case func([]byte) (any, error):
		return fn, fn != nil
	case func([]byte) ([]byte, error):
		if fn == nil {
			return nil, false
		}
		return func(identifier []byte) (any, error) {
			b, err := fn(identifier)
			if b == nil {
				return nil, err
			}
			return b, err
		}, true
	default:
		return nil, false
	}
}

func callFactory(factory botguard.SignalFunc, token []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("minter factory panicked: %v", r)
		}
	}()
	return factory(token)
}

func callMint(mint MintFunc, identifier []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mint function panicked: %v", r)
		}
	}()
	return mint(identifier)
}
