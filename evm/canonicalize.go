package evm

// CanonicalizePayload normalizes known malformed client payload shapes.
//
// Some clients nest the signature inside the authorization object instead of
// placing it at the payload top level. The canonical form keeps the signature
// at the top level only; downstream code never accepts both shapes. The input
// map is not mutated; the second return value reports whether anything was
// rewritten so callers can log the correction.
func CanonicalizePayload(payload map[string]interface{}) (map[string]interface{}, bool) {
	if payload == nil {
		return nil, false
	}

	auth, ok := payload["authorization"].(map[string]interface{})
	if !ok {
		return payload, false
	}
	nested, ok := auth["signature"].(string)
	if !ok || nested == "" {
		return payload, false
	}

	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	cleanAuth := make(map[string]interface{}, len(auth))
	for k, v := range auth {
		if k == "signature" {
			continue
		}
		cleanAuth[k] = v
	}
	out["authorization"] = cleanAuth
	if _, exists := out["signature"]; !exists {
		out["signature"] = nested
	}
	return out, true
}
