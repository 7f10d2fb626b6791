package protocol

const (
	// Transport/body validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Authority layer.
	ErrNotAuthority = "E_NOT_AUTHORITY"
	ErrAlreadyOwned = "E_ALREADY_OWNED"
	ErrInvalidToken = "E_INVALID_TOKEN"

	// Write/query layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrStale      = "E_STALE"
	ErrOverflow   = "E_OVERFLOW"
	ErrTimeout    = "E_TIMEOUT"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrNotAuthority:    {},
	ErrAlreadyOwned:    {},
	ErrInvalidToken:    {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrStale:           {},
	ErrOverflow:        {},
	ErrTimeout:         {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrRejection is the wire shape for any refused request. CurrentAuthority is
// set on E_NOT_AUTHORITY / E_ALREADY_OWNED so a displaced writer can back off
// and hand over cleanly.
type ErrRejection struct {
	Code             string `json:"code"`
	Message          string `json:"message,omitempty"`
	CurrentAuthority string `json:"current_authority,omitempty"`
}
