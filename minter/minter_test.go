package minter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"po-token/botguard"
	"po-token/integrity"
	"po-token/shared"
)

func echoFactory(calls *atomic.Int32, gotToken *[]byte) botguard.SignalFunc {
	return func(token []byte) (any, error) {
		calls.Add(1)
		*gotToken = append([]byte{}, token...)
		return MintFunc(func(identifier []byte) (any, error) {
			return identifier, nil
		}), nil
	}
}

func signalsWith(slots ...botguard.SignalFunc) *botguard.SignalOutput {
	signals := botguard.NewSignalOutput()
	for _, slot := range slots {
		signals.Append(slot)
	}
	return signals
}

func mintCode(err error) string {
	var mintErr *shared.MintError
	if errors.As(err, &mintErr) {
		return mintErr.Code
	}
	return ""
}

func TestMintAsWebsafeString(t *testing.T) {
	var calls atomic.Int32
	var gotToken []byte
	credential := &integrity.Credential{IntegrityToken: base64.StdEncoding.EncodeToString([]byte{0xfb, 0xff, 0x01})}

	m, err := New(context.Background(), credential, signalsWith(echoFactory(&calls, &gotToken)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !bytes.Equal(gotToken, []byte{0xfb, 0xff, 0x01}) {
		t.Errorf("Factory should receive decoded token bytes, got %x", gotToken)
	}

	token, err := m.MintAsWebsafeString(context.Background(), "VISITOR123")
	if err != nil {
		t.Fatalf("MintAsWebsafeString failed: %v", err)
	}
	if want := base64.RawURLEncoding.EncodeToString([]byte("VISITOR123")); token != want {
		t.Errorf("Expected %q, got %q", want, token)
	}

	// Reuse for another identifier without re-invoking the factory
	if _, err := m.Mint(context.Background(), "video-id"); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected the factory to run once, ran %d times", calls.Load())
	}
}

func TestMintConcurrent(t *testing.T) {
	var calls atomic.Int32
	var gotToken []byte
	m, err := New(context.Background(), &integrity.Credential{IntegrityToken: "dG9r"}, signalsWith(echoFactory(&calls, &gotToken)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			raw, err := m.Mint(context.Background(), id)
			if err != nil {
				t.Errorf("Mint(%q) failed: %v", id, err)
				return
			}
			if string(raw) != id {
				t.Errorf("Expected %q, got %q", id, raw)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
}

func TestNewErrors(t *testing.T) {
	credential := &integrity.Credential{IntegrityToken: "dG9r"}

	tests := []struct {
		name       string
		credential *integrity.Credential
		signals    *botguard.SignalOutput
		code       string
	}{
		{"NoSlots", credential, botguard.NewSignalOutput(), shared.MintCodeFactoryUndefined},
		{"NilSlot", credential, signalsWith(nil), shared.MintCodeFactoryUndefined},
		{"NilSignals", credential, nil, shared.MintCodeFactoryUndefined},
		{"NoToken", &integrity.Credential{}, signalsWith(func([]byte) (any, error) { return nil, nil }), shared.MintCodeNoIntegrityToken},
		{"NilCredential", nil, signalsWith(func([]byte) (any, error) { return nil, nil }), shared.MintCodeNoIntegrityToken},
		{"NotCallable", credential, signalsWith(func([]byte) (any, error) { return "nope", nil }), shared.MintCodeFactoryInvocationFailed},
		{"NilResult", credential, signalsWith(func([]byte) (any, error) { return nil, nil }), shared.MintCodeFactoryInvocationFailed},
		{"FactoryError", credential, signalsWith(func([]byte) (any, error) { return nil, errors.New("vm gone") }), shared.MintCodeFactoryInvocationFailed},
		{"FactoryPanic", credential, signalsWith(func([]byte) (any, error) { panic("boom") }), shared.MintCodeFactoryInvocationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.credential, tt.signals)
			if code := mintCode(err); code != tt.code {
				t.Errorf("Expected code %q, got %q (%v)", tt.code, code, err)
			}
		})
	}
}

func TestMintResultErrors(t *testing.T) {
	tests := []struct {
		name string
		mint MintFunc
		code string
	}{
		{"Nil", func([]byte) (any, error) { return nil, nil }, shared.MintCodeResultUndefined},
		{"NilBytes", func([]byte) (any, error) { return []byte(nil), nil }, shared.MintCodeResultUndefined},
		{"String", func([]byte) (any, error) { return "token", nil }, shared.MintCodeResultInvalidType},
		{"Ints", func([]byte) (any, error) { return []int{1, 2}, nil }, shared.MintCodeResultInvalidType},
		{"Error", func([]byte) (any, error) { return nil, errors.New("vm gone") }, shared.MintCodeInvocationFailed},
		{"Panic", func([]byte) (any, error) { panic("boom") }, shared.MintCodeInvocationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFunc(tt.mint).MintAsWebsafeString(context.Background(), "id")
			if code := mintCode(err); code != tt.code {
				t.Errorf("Expected code %q, got %q (%v)", tt.code, code, err)
			}
		})
	}
}

func TestMintErrorKeepsCause(t *testing.T) {
	cause := errors.New("vm gone")
	_, err := FromFunc(func([]byte) (any, error) { return nil, cause }).Mint(context.Background(), "id")
	if !errors.Is(err, cause) {
		t.Errorf("Expected the mint function's error as cause, got %v", err)
	}
	if mintCode(err) == shared.MintCodeResultUndefined {
		t.Error("A failing mint function must not be reported as an undefined result")
	}
}

func TestTypedMintFunction(t *testing.T) {
	factory := func([]byte) (any, error) {
		return func(identifier []byte) ([]byte, error) {
			return append([]byte("po:"), identifier...), nil
		}, nil
	}
	m, err := New(context.Background(), &integrity.Credential{IntegrityToken: "dG9r"}, signalsWith(factory))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	raw, err := m.Mint(context.Background(), "x")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if string(raw) != "po:x" {
		t.Errorf("Expected po:x, got %q", raw)
	}
}
