package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrUnauthorized  ErrCode = "UNAUTHORIZED"
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Eligibility ───────────────────────────────────────────────────
	ErrNotEligible ErrCode = "NOT_ELIGIBLE"

	// ─── Session ───────────────────────────────────────────────────────
	ErrSessionClosed ErrCode = "SESSION_CLOSED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// Token problems share one message; the code keeps them apart for diagnostics.
	case ErrUnauthorized, ErrTokenInvalid, ErrTokenExpired:
		return "Akses ujian tidak valid atau telah kedaluwarsa. Silakan masuk kembali."
	case ErrTokenRequired:
		return "Token ujian diperlukan."

	case ErrNotEligible:
		return "Anda tidak terdaftar untuk ujian ini."

	case ErrSessionClosed:
		return "Sesi ujian sudah berakhir."

	case ErrValidation:
		return "Data yang dikirim tidak valid."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Format permintaan tidak valid."

	case ErrNotFound:
		return "Sesi ujian tidak ditemukan."

	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi sebentar lagi."

	case ErrInternal:
		return "Terjadi kesalahan internal. Silakan coba lagi nanti."
	default:
		return "Terjadi kesalahan."
	}
}
