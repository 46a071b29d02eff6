package gateway

import "net/http"

// FetchSDLForTest exposes fetchSDL for black-box tests in gateway_test.
func FetchSDLForTest(host string, httpClient *http.Client, retry RetryOption) (string, error) {
	return fetchSDL(host, httpClient, retry)
}
