package executor

import (
	"io"
	"net/http"
)

// statusErr is the common StatusError implementation shared by every provider
// executor, carrying the upstream HTTP status and raw error body.
type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return e.msg }
func (e statusErr) StatusCode() int { return e.code }

// statusErrWithHeaders additionally exposes upstream response headers, used
// when a provider's Retry-After (or similar) header must reach the pool's
// cooldown state machine.
type statusErrWithHeaders struct {
	statusErr
	headers http.Header
}

func (e statusErrWithHeaders) Headers() http.Header {
	if e.headers == nil {
		return nil
	}
	return e.headers.Clone()
}

// newStatusErrorFromResponse drains resp.Body (capped to avoid unbounded
// reads from a misbehaving upstream) and wraps it as a StatusError.
func newStatusErrorFromResponse(resp *http.Response) error {
	if resp == nil {
		return statusErr{code: 0, msg: "executor: nil response"}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return statusErrWithHeaders{
		statusErr: statusErr{code: resp.StatusCode, msg: string(body)},
		headers:   resp.Header.Clone(),
	}
}
