package httpclient

import (
	"net/http"
	"time"
)

// Response is a received HTTP response with its body already read.
type Response struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Body       []byte
	Timing     TimingInfo
}

// Duration returns the total request time.
func (r *Response) Duration() time.Duration {
	return r.Timing.TotalTime
}

// Header returns the first value of the named header.
func (r *Response) Header(key string) string {
	return r.Headers.Get(key)
}

// IsSuccess returns true for 2xx status codes.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TimingInfo holds per-phase request timings.
type TimingInfo struct {
	StartTime           time.Time
	DNSLookupTime       time.Duration
	TCPConnectTime      time.Duration
	TLSHandshakeTime    time.Duration
	TimeToFirstByte     time.Duration
	ContentTransferTime time.Duration
	TotalTime           time.Duration
	ConnReused          bool
}
