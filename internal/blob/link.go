package blob

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadLink is returned for links that do not look like bucket/object.json.
var ErrBadLink = errors.New("malformed document link")

// ObjectName builds the stored object key for a fresh save. The millisecond
// timestamp keeps every write a distinct object so old versions keep pointing
// at their own blobs.
func ObjectName(username string, now time.Time) string {
	return fmt.Sprintf("document-%d-%s.json", now.UnixMilli(), username)
}

// ParseLink extracts (bucket, object) from a stored link, taking the last two
// path segments so the public base URL in front of them does not matter.
func ParseLink(link string) (bucket, object string, err error) {
	trimmed := strings.TrimSuffix(link, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 {
		return "", "", ErrBadLink
	}
	bucket = segments[len(segments)-2]
	object = segments[len(segments)-1]
	if bucket == "" || object == "" || !strings.HasSuffix(object, ".json") {
		return "", "", ErrBadLink
	}
	return bucket, object, nil
}
