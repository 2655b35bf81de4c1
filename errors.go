package accessip

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is a failed lookup against a single address provider.
// It is logged and the next provider is tried.
type ProviderError struct {
	Provider string
	Family   Family
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s lookup via %s: %s", e.Family, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ResolutionError is returned when no provider produced an address of Family.
type ResolutionError struct {
	Family Family
	Errs   []error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("could not determine %s address from any provider", e.Family)
	if len(e.Errs) == 0 {
		return msg
	}
	return msg + ": " + errors.Join(e.Errs...).Error()
}

func (e *ResolutionError) Unwrap() []error { return e.Errs }

// InvalidAddressError is returned by [Prefix] for input it cannot turn into an IPv6 network.
type InvalidAddressError struct {
	Addr   string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Addr, e.Reason)
}

// RemoteError is a non-2xx response from the policy endpoint.
// Op is "fetch" or "replace".
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string

	// API error messages decoded from the response envelope, if any.
	Messages []string
}

func (e *RemoteError) Error() string {
	detail := strings.Join(e.Messages, "; ")
	if detail == "" {
		detail = e.Body
	}
	if detail == "" {
		return fmt.Sprintf("%s policy: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s policy: HTTP %d: %s", e.Op, e.StatusCode, detail)
}
