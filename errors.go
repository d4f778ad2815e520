package cradle

import "fmt"

// ErrLLM is a provider-level failure that is not an HTTP status error:
// request construction, transport, or response parsing.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider or API endpoint.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrAllProviders is the terminal router error: every configured provider
// was tried (or skipped while demoted) and none succeeded.
type ErrAllProviders struct {
	Tried []string
	Last  error
}

func (e *ErrAllProviders) Error() string {
	return fmt.Sprintf("all LLM providers failed (tried %v): %v", e.Tried, e.Last)
}

func (e *ErrAllProviders) Unwrap() error { return e.Last }
