package protocol

// WebSocket close codes used by the realtime room. Standard codes (1000, 1001) come from RFC 6455; the 4400 range is
// reserved for application use.
const (
	CloseNormal          = 1000
	CloseTryAgainLater   = 1013
	CloseProtocolError   = 4400
	CloseAuthFailed      = 4401
	CloseVersionMismatch = 4408
	CloseRateLimited     = 4429
	CloseInternalError   = 4500
)

// Close reasons paired with the codes above.
const (
	ReasonAuthFailed      = "auth_failed"
	ReasonVersionMismatch = "version_mismatch"
	ReasonProtocolError   = "protocol_error"
	ReasonConsentedLeave  = "consented_leave"
	ReasonRateLimited     = "rate_limited"
	ReasonInternalError   = "internal_error"
)
