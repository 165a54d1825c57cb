package voice

import "fmt"

// Policy is what the engine does after the signaling session closes.
type Policy int

const (
	// RetrySameIdentity reconnects with the current token and session.
	RetrySameIdentity Policy = iota
	// InvalidateCredential drops one stale credential and asks the control
	// plane for a fresh one.
	InvalidateCredential
	// NoReconnect waits for the next membership update.
	NoReconnect
)

func (p Policy) String() string {
	switch p {
	case RetrySameIdentity:
		return "retry"
	case InvalidateCredential:
		return "invalidate"
	case NoReconnect:
		return "no-reconnect"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Credential names the target field a close code invalidates.
type Credential int

const (
	NoCredential Credential = iota
	TokenCredential
	SessionCredential
	EndpointCredential
)

func (c Credential) String() string {
	switch c {
	case TokenCredential:
		return "token"
	case SessionCredential:
		return "session_id"
	case EndpointCredential:
		return "endpoint"
	default:
		return "none"
	}
}

// CloseAction is the recovery for one close code.
type CloseAction struct {
	Policy     Policy
	Invalidate Credential
	Reason     string
}

// Close codes that do not come from the remote side.
const (
	closeNormal      = 1000
	closeAbnormal    = 1006
	closeHandshake   = 4900
	closeNoMode      = 4901
	closeAddressFail = 4902
)

func retry(reason string) CloseAction { return CloseAction{Policy: RetrySameIdentity, Reason: reason} }

func invalidate(c Credential, reason string) CloseAction {
	return CloseAction{Policy: InvalidateCredential, Invalidate: c, Reason: reason}
}

func terminal(reason string) CloseAction { return CloseAction{Policy: NoReconnect, Reason: reason} }

var closePolicies = map[int]CloseAction{
	1000: retry("normal closure"),
	1001: retry("going away"),
	1006: retry("abnormal closure"),
	1011: retry("internal server error"),
	1012: retry("service restart"),

	4001: retry("unknown opcode"),
	4002: retry("failed to decode payload"),
	4003: retry("not authenticated"),
	4004: invalidate(TokenCredential, "authentication failed"),
	4005: retry("already authenticated"),
	4006: invalidate(SessionCredential, "session no longer valid"),
	4009: invalidate(SessionCredential, "session timeout"),
	4011: invalidate(EndpointCredential, "server not found"),
	4012: retry("unknown protocol"),
	4014: terminal("disconnected"),
	4015: retry("voice server crashed"),
	4016: retry("unknown encryption mode"),
	4017: terminal("end-to-end encryption required"),
	4020: retry("bad request"),
	4021: terminal("rate limited"),
	4022: terminal("call terminated"),

	closeHandshake:   retry("handshake failed"),
	closeNoMode:      terminal("no supported encryption mode"),
	closeAddressFail: retry("transport setup failed"),
}

// PolicyFor maps a close code to its recovery. Unlisted codes retry.
func PolicyFor(code int) CloseAction {
	if a, ok := closePolicies[code]; ok {
		return a
	}
	return retry(fmt.Sprintf("unlisted close code %d", code))
}
