package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/freshstl/storefront/internal/domain"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize to keep list queries bounded.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Parse reads pageSize and pageToken from the query string. Oversized pages are clamped.
// The token is validated here so malformed tokens fail before any query runs.
func Parse(values url.Values, opts Options) (domain.Pagination, error) {
	def := opts.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	max := opts.MaxPageSize
	if max <= 0 {
		max = DefaultMaxPageSize
	}

	size := def
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return domain.Pagination{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		size = n
	}
	if size > max {
		size = max
	}

	token := strings.TrimSpace(values.Get("pageToken"))
	if _, err := DecodeToken(token); err != nil {
		return domain.Pagination{}, err
	}
	return domain.Pagination{PageSize: size, PageToken: token}, nil
}
