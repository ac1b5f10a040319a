package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Precache-Stored-At"
	revisionHeaderName = "Precache-Revision"
)

type StoredResponse struct {
	Response *http.Response
	// The value of the clock when the response was put into a bucket.
	StoredAt time.Time
	// Manifest revision of the asset, empty for runtime entries.
	Revision string
}

// BytesToStoredResponse parses the HTTP/1.1 representation written by
// StoredResponseToBytes. The response body is fully buffered.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	sRes.StoredAt = time.Unix(0, storedAt)
	sRes.Revision = res.Header.Get(revisionHeaderName)
	// delete extra headers
	sRes.Response.Header.Del(storedAtHeaderName)
	sRes.Response.Header.Del(revisionHeaderName)
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored
// response, with storage metadata carried in extra headers.
// The response body is replaced by an equivalent unread body.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	if sRes.Revision != "" {
		res.Header.Set(revisionHeaderName, sRes.Revision)
	}
	bts, err := responseToBytes(res)
	// remove the extra headers just in case
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(revisionHeaderName)
	return bts, err
}

// bytesToResponse converts a byte slice to a http.Response with a buffered body.
func bytesToResponse(b []byte) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
