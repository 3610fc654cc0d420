package acpsupervisor

import (
	"errors"

	acp "github.com/coder/acp-go-sdk"
)

// ExtractRPCError reports the JSON-RPC code/message carried by err, if err
// wraps (directly or via errors.As) an *acp.RequestError. Callers that need
// to apply acpx's own error normalization (spec §4.I: resource-not-found
// codes and "session not found" messages map to NO_SESSION) use this to get
// at the raw code/message without acpxerr needing to import the ACP SDK.
//
// Grounded in the teacher's isMethodNotFoundErr (internal/agent/lifecycle/
// session.go), which extracts the same *acp.RequestError via errors.As to
// special-case a JSON-RPC code.
func ExtractRPCError(err error) (code int, message string, ok bool) {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code, reqErr.Message, true
	}
	return 0, "", false
}
