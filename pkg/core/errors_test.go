package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestBridgeErrorMatching(t *testing.T) {
	err := fmt.Errorf("step environment 2: %w",
		WrapError(ErrCodeConnectionClosed, "peer closed before delimiter", io.EOF))

	if !errors.Is(err, ErrConnectionClosed) {
		t.Error("wrapped error should match ErrConnectionClosed")
	}
	if errors.Is(err, ErrResponseParse) {
		t.Error("codes must not match across kinds")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("cause should stay reachable")
	}

	be, ok := IsBridgeError(err)
	if !ok || be.Code != ErrCodeConnectionClosed {
		t.Fatalf("IsBridgeError = %v, %v", be, ok)
	}
	if _, ok := IsBridgeError(io.EOF); ok {
		t.Error("plain error reported as BridgeError")
	}
	if _, ok := IsBridgeError(nil); ok {
		t.Error("nil reported as BridgeError")
	}
}

func TestBridgeErrorFatal(t *testing.T) {
	tests := map[ErrorCode]bool{
		ErrCodeConnectionClosed: true,
		ErrCodeUnknownTopology:  true,
		ErrCodeInvalidHandshake: true,
		ErrCodeReceiveTimeout:   false,
		ErrCodeHandshakeParse:   false,
		ErrCodeResponseParse:    false,
	}
	for code, want := range tests {
		if got := NewError(code, "").Fatal(); got != want {
			t.Errorf("code %d: Fatal() = %v, want %v", code, got, want)
		}
	}
}

func TestBridgeErrorMessage(t *testing.T) {
	tests := []struct {
		err  *BridgeError
		want string
	}{
		{NewError(ErrCodeUnknownTopology, ""), "bridge error (3001)"},
		{NewError(ErrCodeHandshakeParse, "OBS"), "bridge error (2001): OBS"},
		{WrapError(ErrCodeResponseParse, `"garbage"`, errors.New("bad")), `bridge error (4001): "garbage": bad`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseEnvType(t *testing.T) {
	tests := map[string]EnvType{
		"multi":    EnvTypeMulti,
		" Single ": EnvTypeSingle,
		"RLBASE":   EnvTypeRLBase,
		"swarm":    EnvType("SWARM"),
	}
	for in, want := range tests {
		got := ParseEnvType(in)
		if got != want {
			t.Errorf("ParseEnvType(%q) = %q, want %q", in, got, want)
		}
		if got.Valid() != (want != "SWARM") {
			t.Errorf("%q.Valid() = %v", got, got.Valid())
		}
	}
}
