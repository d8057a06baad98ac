package errors

// ErrorCode represents a machine-readable error identifier for protocol error handling.
type ErrorCode string

// Validation errors (mandate and request input validation)
const (
	ErrCodeSchemaInvalid         ErrorCode = "schema_invalid"
	ErrCodeMandateExpired        ErrorCode = "mandate_expired"
	ErrCodeReferenceMismatch     ErrorCode = "reference_mismatch"
	ErrCodeAmountExceedsIntent   ErrorCode = "amount_exceeds_intent"
	ErrCodeMerchantNotAllowed    ErrorCode = "merchant_not_allowed"
	ErrCodeInvalidCart           ErrorCode = "invalid_cart"
	ErrCodeInsufficientInventory ErrorCode = "insufficient_inventory"
	ErrCodeMissingField          ErrorCode = "missing_field"
	ErrCodeInvalidField          ErrorCode = "invalid_field"
	ErrCodeInvalidAmount         ErrorCode = "invalid_amount"
)

// Cryptographic errors
const (
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"
	ErrCodeWebAuthnInvalid  ErrorCode = "webauthn_invalid"
	ErrCodeCartTampered     ErrorCode = "cart_tampered"
	ErrCodeUserAuthInvalid  ErrorCode = "user_auth_invalid"
)

// Replay and timing errors
const (
	ErrCodeReplayDetected   ErrorCode = "replay_detected"
	ErrCodeTimestampSkew    ErrorCode = "timestamp_skew"
	ErrCodeChallengeExpired ErrorCode = "challenge_expired"
	ErrCodeTokenExpired     ErrorCode = "token_expired"
)

// Resolution errors
const (
	ErrCodeDidNotResolved      ErrorCode = "did_not_resolved"
	ErrCodeUnknownCredential   ErrorCode = "unknown_credential"
	ErrCodeUnsupportedDataType ErrorCode = "unsupported_data_type"
)

// Downstream errors
const (
	ErrCodeCredentialInvalid         ErrorCode = "credential_invalid"
	ErrCodeNetworkTokenisationFailed ErrorCode = "network_tokenisation_failed"
	ErrCodePaymentDeclined           ErrorCode = "payment_declined"
	ErrCodeUpstreamUnavailable       ErrorCode = "upstream_unavailable"
)

// Resource/state errors
const (
	ErrCodeTransactionNotFound   ErrorCode = "transaction_not_found"
	ErrCodeSessionNotFound       ErrorCode = "session_not_found"
	ErrCodeReceiptAlreadyStored  ErrorCode = "receipt_already_stored"
	ErrCodeInvalidStateTransition ErrorCode = "invalid_state_transition"
	ErrCodeRefundWindowClosed    ErrorCode = "refund_window_closed"
)

// Internal/system errors
const (
	ErrCodeStorageCorrupt   ErrorCode = "storage_corrupt"
	ErrCodeConcurrencyFault ErrorCode = "concurrency_fault"
	ErrCodeInternalError    ErrorCode = "internal_error"
	ErrCodeDatabaseError    ErrorCode = "database_error"
	ErrCodeConfigError      ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeUpstreamUnavailable,
		ErrCodeNetworkTokenisationFailed,
		ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - validation failures
	case ErrCodeSchemaInvalid,
		ErrCodeReferenceMismatch,
		ErrCodeInvalidCart,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeUnsupportedDataType,
		ErrCodeInvalidStateTransition,
		ErrCodeRefundWindowClosed:
		return 400

	// 401 Unauthorized - cryptographic and replay failures
	case ErrCodeSignatureInvalid,
		ErrCodeWebAuthnInvalid,
		ErrCodeUserAuthInvalid,
		ErrCodeReplayDetected,
		ErrCodeTimestampSkew:
		return 401

	// 402 Payment Required - payment-level rejections
	case ErrCodeAmountExceedsIntent,
		ErrCodeCartTampered,
		ErrCodeMandateExpired,
		ErrCodeChallengeExpired,
		ErrCodeTokenExpired,
		ErrCodeCredentialInvalid,
		ErrCodePaymentDeclined:
		return 402

	// 403 Forbidden - policy rejections
	case ErrCodeMerchantNotAllowed:
		return 403

	// 404 Not Found
	case ErrCodeDidNotResolved,
		ErrCodeUnknownCredential,
		ErrCodeTransactionNotFound,
		ErrCodeSessionNotFound:
		return 404

	// 409 Conflict - inventory and idempotency conflicts
	case ErrCodeInsufficientInventory,
		ErrCodeReceiptAlreadyStored:
		return 409

	// 502 Bad Gateway - external service errors
	case ErrCodeUpstreamUnavailable,
		ErrCodeNetworkTokenisationFailed:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
