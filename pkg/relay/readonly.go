package relay

import "strings"

// readOnlySafeMethods are admitted for read_only token sessions.
var readOnlySafeMethods = map[string]bool{
	"thread/list":     true,
	"thread/read":     true,
	"thread/get":      true,
	"thread/messages": true,
	"thread/events":   true,
	"thread/history":  true,
	"model/list":      true,
	"health":          true,
	"status":          true,
}

// readOnlySafeSuffixes admit whole method families by suffix.
var readOnlySafeSuffixes = []string{"/list", "/get", "/read", "/status"}

// readOnlyAllowed reports whether a read_only session may call the method.
func readOnlyAllowed(method string) bool {
	if readOnlySafeMethods[method] {
		return true
	}
	for _, suffix := range readOnlySafeSuffixes {
		if strings.HasSuffix(method, suffix) {
			return true
		}
	}
	return false
}

// mutatingMethods are gated on the owning provider's sendPrompt capability
// when the thread belongs to a non-default provider.
var mutatingMethods = map[string]bool{
	"turn/start":     true,
	"turn/stop":      true,
	"sendPrompt":     true,
	"thread/rename":  true,
	"thread/archive": true,
	"thread/delete":  true,
}

// displayName renders a provider id for user-facing error messages:
// "copilot-acp" becomes "Copilot ACP".
func displayName(providerID string) string {
	parts := strings.Split(providerID, "-")
	for i, p := range parts {
		switch strings.ToLower(p) {
		case "acp", "api", "cli":
			parts[i] = strings.ToUpper(p)
		default:
			if p != "" {
				parts[i] = strings.ToUpper(p[:1]) + p[1:]
			}
		}
	}
	return strings.Join(parts, " ")
}
