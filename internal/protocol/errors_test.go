package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{
		ErrProtoBadRequest,
		ErrNotAuthority,
		ErrAlreadyOwned,
		ErrInvalidToken,
		ErrBadRequest,
		ErrNotFound,
		ErrStale,
		ErrOverflow,
		ErrTimeout,
		ErrRateLimit,
		ErrInternal,
	} {
		if !IsKnownCode(code) {
			t.Fatalf("code %q should be known", code)
		}
	}
	if !IsKnownCode("") {
		t.Fatalf("empty code should pass (means no error)")
	}
	if IsKnownCode("E_MADE_UP") {
		t.Fatalf("unknown code accepted")
	}
}
