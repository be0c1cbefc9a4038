package storage

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

// DefaultModelFileName is the object name used when a product has no explicit file object.
const DefaultModelFileName = "model.zip"

// ProductModelPath returns products/{productID}/model.zip.
func ProductModelPath(productID string) (string, error) {
	id, err := validateSegment("productID", productID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("products/%s/%s", id, DefaultModelFileName), nil
}

// NormaliseObjectPath accepts either a bare object path or a gs://bucket/object URI and returns
// the object path within bucket.
func NormaliseObjectPath(bucket, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		refBucket, object, found := strings.Cut(rest, "/")
		if !found || object == "" {
			return "", fmt.Errorf("storage: invalid object uri %q", ref)
		}
		if bucket != "" && refBucket != bucket {
			return "", fmt.Errorf("storage: object %q is outside bucket %s", ref, bucket)
		}
		ref = object
	}
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", errInvalidObject
	}
	if strings.Contains(ref, "..") {
		return "", fmt.Errorf("storage: object path contains invalid traversal sequence")
	}
	return ref, nil
}

// DownloadFileName derives a safe attachment name from the product name, keeping the object's extension.
func DownloadFileName(productName, object string) string {
	ext := path.Ext(object)
	if ext == "" {
		ext = ".zip"
	}
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(productName)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	base := strings.TrimSuffix(b.String(), "-")
	if base == "" {
		base = strings.TrimSuffix(path.Base(object), path.Ext(object))
	}
	if base == "" || base == "." || base == "/" {
		base = "model"
	}
	return base + ext
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") || strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	return value, nil
}
