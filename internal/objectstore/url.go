package objectstore

import (
	"fmt"
	"net/url"
	"strings"

	"montage/internal/services"
)

// Location identifies an object by bucket and key.
type Location struct {
	Scheme string
	Bucket string
	Key    string
	Region string
	// HTTP reports whether the original reference was an http(s) URL.
	HTTP bool
}

// String renders the location in scheme://bucket/key form.
func (l Location) String() string {
	scheme := l.Scheme
	if scheme == "" || scheme == "http" || scheme == "https" {
		scheme = LocalScheme
	}
	return scheme + "://" + l.Bucket + "/" + l.Key
}

// LocalScheme prefixes references to objects held by the filesystem backend.
const LocalScheme = "store"

// ParseURL splits an object reference into bucket and key. It accepts
// scheme://bucket/key, virtual-hosted S3 URLs, path-style S3 URLs, and
// storage.googleapis.com URLs. Other http(s) URLs are not object references.
func ParseURL(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, services.Wrap(services.ErrValidation, "storage", "parse url", "empty reference", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, services.Wrap(services.ErrValidation, "storage", "parse url", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "":
		return Location{}, services.Wrap(services.ErrValidation, "storage", "parse url", fmt.Sprintf("%q has no scheme", raw), nil)
	case "http", "https":
		return parseHTTP(u, scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Location{}, services.Wrap(services.ErrValidation, "storage", "parse url", fmt.Sprintf("%q needs a bucket and key", raw), nil)
	}
	return Location{Scheme: scheme, Bucket: u.Host, Key: key}, nil
}

func parseHTTP(u *url.URL, scheme string) (Location, error) {
	host := strings.ToLower(u.Hostname())
	path := strings.TrimPrefix(u.Path, "/")

	switch {
	case host == "storage.googleapis.com":
		bucket, key, ok := strings.Cut(path, "/")
		if !ok || bucket == "" || key == "" {
			break
		}
		return Location{Scheme: "gs", Bucket: bucket, Key: key, HTTP: true}, nil
	case strings.HasSuffix(host, ".amazonaws.com"):
		labels := strings.Split(strings.TrimSuffix(host, ".amazonaws.com"), ".")
		// Path style: s3.<region> or s3.
		if labels[0] == "s3" || strings.HasPrefix(labels[0], "s3-") {
			bucket, key, ok := strings.Cut(path, "/")
			if !ok || bucket == "" || key == "" {
				break
			}
			return Location{Scheme: "s3", Bucket: bucket, Key: key, Region: s3Region(labels[1:]), HTTP: true}, nil
		}
		// Virtual-hosted style: <bucket>.s3.<region>.
		for i := 1; i < len(labels); i++ {
			if labels[i] == "s3" || strings.HasPrefix(labels[i], "s3-") {
				bucket := strings.Join(labels[:i], ".")
				if bucket == "" || path == "" {
					break
				}
				return Location{Scheme: "s3", Bucket: bucket, Key: path, Region: s3Region(labels[i+1:]), HTTP: true}, nil
			}
		}
	}
	return Location{}, services.Wrap(services.ErrValidation, "storage", "parse url",
		fmt.Sprintf("%s://%s is not an object storage URL", scheme, u.Host), nil)
}

func s3Region(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}

// IsRemote reports whether ref names something other than a local path.
func IsRemote(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Scheme == "" {
		return false
	}
	// Windows drive letters parse as one-letter schemes.
	return len(u.Scheme) > 1 && u.Scheme != "file"
}
