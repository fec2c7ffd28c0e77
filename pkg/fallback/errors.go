package fallback

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

// StatusError is a non-2xx answer from an HTTP source.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("source returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("source returned %d: %s", e.StatusCode, e.Message)
}

var authMessage = regexp.MustCompile(`(?i)unauthorized|invalid[_ ]token|token expired|expired token|forbidden|\b401\b`)

// IsAuthFailure reports whether err means the presented credential was
// rejected, by status code or by message.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return authMessage.MatchString(err.Error())
}

// SourceError is returned when both the primary and the secondary source
// failed. errors.Is and errors.As see both causes.
type SourceError struct {
	Dataset   string
	Primary   error
	Secondary error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: all sources failed: %s", e.Dataset, e.causes().Error())
}

func (e *SourceError) Unwrap() []error {
	return e.causes().WrappedErrors()
}

func (e *SourceError) causes() *multierror.Error {
	var merr *multierror.Error
	merr = multierror.Append(merr, fmt.Errorf("primary: %w", e.Primary))
	merr = multierror.Append(merr, fmt.Errorf("secondary: %w", e.Secondary))
	merr.ErrorFormat = func(errs []error) string {
		return errs[0].Error() + "; " + errs[1].Error()
	}
	return merr
}
