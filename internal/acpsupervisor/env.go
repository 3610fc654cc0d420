package acpsupervisor

import "strings"

// ComposeEnv builds the child process environment per spec §4.D step 3: the
// parent env, plus for each configured {methodId: credential} the three
// candidate variables (methodId, its env-token, and ACPX_AUTH_<token>) —
// whichever are not already present.
func ComposeEnv(parentEnv []string, authMethods map[string]string) []string {
	present := make(map[string]bool, len(parentEnv))
	for _, kv := range parentEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			present[kv[:i]] = true
		}
	}

	env := append([]string(nil), parentEnv...)
	set := func(key, value string) {
		if present[key] {
			return
		}
		env = append(env, key+"="+value)
		present[key] = true
	}

	for methodID, credential := range authMethods {
		if credential == "" {
			continue
		}
		token := ToEnvToken(methodID)
		set(methodID, credential)
		set(token, credential)
		set("ACPX_AUTH_"+token, credential)
	}
	return env
}

// LookupCredential resolves a credential for methodID by checking the
// process environment first (methodId, then its env-token, then
// ACPX_AUTH_<token>), then the configured auth-methods map keyed by
// methodId, per spec §4.D step 6.
func LookupCredential(methodID string, lookupEnv func(string) (string, bool), configured map[string]string) (string, bool) {
	if v, ok := lookupEnv(methodID); ok && v != "" {
		return v, true
	}
	token := ToEnvToken(methodID)
	if v, ok := lookupEnv(token); ok && v != "" {
		return v, true
	}
	if v, ok := lookupEnv("ACPX_AUTH_" + token); ok && v != "" {
		return v, true
	}
	if v, ok := configured[methodID]; ok && v != "" {
		return v, true
	}
	return "", false
}
