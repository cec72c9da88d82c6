package errors

import "sort"

// Template defines a registered error type.
type Template struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]Template{
	// Configuration (E100-E199)
	"E100": {
		Category: CategoryConfig,
		Message:  "Configuration file not found",
		Detail:   "The file passed with --config does not exist or cannot be read.",
	},
	"E101": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
		Detail:   "The configuration could not be parsed or failed validation.",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "TLS setup failed",
		Detail:   "The certificate and key could not be loaded, and no self-signed certificate could be generated.",
	},
	"E103": {
		Category: CategoryConfig,
		Message:  "Client profile unreadable",
		Detail:   "The client profile exists but is not valid YAML.",
	},

	// Network (E200-E299)
	"E200": {
		Category: CategoryNetwork,
		Message:  "Could not reach server",
		Detail:   "The transport session could not be established.",
	},
	"E201": {
		Category: CategoryNetwork,
		Message:  "Could not listen",
		Detail:   "A listener could not bind its address. Another process may be using the port.",
	},
	"E202": {
		Category: CategoryNetwork,
		Message:  "Connection terminated",
		Detail:   "The server closed the connection.",
	},
	"E203": {
		Category: CategoryNetwork,
		Message:  "Request failed",
		Detail:   "The server did not answer the request.",
	},

	// Authentication (E300-E399)
	"E300": {
		Category: CategoryAuth,
		Message:  "Login rejected",
		Detail:   "The server refused the username.",
	},

	// Storage (E400-E499)
	"E400": {
		Category: CategoryStorage,
		Message:  "Ban store unavailable",
		Detail:   "The ban database could not be opened or queried.",
	},
	"E401": {
		Category: CategoryStorage,
		Message:  "Ban snapshot transfer failed",
		Detail:   "The ban snapshot could not be read from or written to object storage.",
	},

	// CLI (E500-E599)
	"E500": {
		Category: CategoryCLI,
		Message:  "Invalid arguments",
	},
}

// Lookup returns the template registered for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}

// Codes returns every registered code in order.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
