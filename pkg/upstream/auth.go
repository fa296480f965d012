package upstream

import "net/http"

// DefaultBaseURL is the hosting platform's REST API root.
const DefaultBaseURL = "https://huggingface.co/api"

// spacesWebURL is the public page root used when a record carries no host.
const spacesWebURL = "https://huggingface.co/spaces/"

// InjectAuth sets the upstream bearer credential on an outgoing request. Any
// Authorization header already present is removed first so that a console
// session token can never leak upstream.
func InjectAuth(req *http.Request, token string) {
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
