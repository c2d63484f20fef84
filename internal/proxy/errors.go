package proxy

import "fmt"

// UpstreamError wraps a non-2xx upstream HTTP response, grounded on
// felixpu-llm-proxy-go's UpstreamError/isRetryableStatusCode split between
// "fail over to the next provider" and "abort the whole request".
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status=%d body=%s", e.StatusCode, truncate(e.Body, 300))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// retryable reports whether a failure should move to the next candidate
// (true) or abort the whole request immediately (false). Per §4.6: "Always
// retried: any upstream HTTP >= 400, transport errors, empty responses,
// sentinel matches." There is no non-retryable upstream status in this
// spec — every upstream failure is a failover signal, unlike the stricter
// 400/404/413/422-is-fatal split some proxies use.
func retryable(statusCode int) bool {
	return statusCode == 0 || statusCode >= 400
}
