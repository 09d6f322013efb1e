package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"key not found", KeyNotFound("no key for peer"), CodeKeyNotFound},
		{"decryption failed", DecryptionFailed("bad tag", nil), CodeDecryptionFailed},
		{"transport", Transport("dial", errors.New("refused")), CodeTransport},
		{"timeout", Timeout("encrypt", nil), CodeTimeout},
		{"plain error", errors.New("boring"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := KeyGenerationFailed("rsa generate", errors.New("entropy"))
	outer := fmt.Errorf("ensure key pair: %w", inner)

	if !HasCode(outer, CodeKeyGenerationFailed) {
		t.Errorf("HasCode() = false after fmt.Errorf wrapping, want true")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("tag mismatch")
	err := DecryptionFailed("open envelope", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(CodeTransport, "write frame", errors.New("broken pipe"))
	want := "write frame: broken pipe"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := KeyNotFound("peer abc has no key")
	if bare.Error() != "peer abc has no key" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
