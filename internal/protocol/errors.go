package protocol

// Wire-level error codes.
const (
	ErrAuth          = "E_AUTH"
	ErrNotFound      = "E_NOT_FOUND"
	ErrValidation    = "E_VALIDATION"
	ErrProcess       = "E_PROCESS"
	ErrPortExhausted = "E_PORT_EXHAUSTED"
	ErrBuild         = "E_BUILD"
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrAuth:          {},
	ErrNotFound:      {},
	ErrValidation:    {},
	ErrProcess:       {},
	ErrPortExhausted: {},
	ErrBuild:         {},
	ErrBadRequest:    {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
