package precache

import "fmt"

// cacheName identifies this cache in Cache-Status header fields (RFC 9211).
const cacheName = "Precache"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
)

// CacheStatus describes how a request was handled.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason FwdReason
	// The network response was stored in the runtime bucket.
	Stored bool
	// Name of the bucket the response was served from.
	Bucket string
	detail string
}

func (cs *CacheStatus) Hit(bucket string) {
	cs.Status = CacheStatusHit
	cs.Bucket = bucket
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

// IsHit reports whether the response came from a bucket.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == CacheStatusHit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
