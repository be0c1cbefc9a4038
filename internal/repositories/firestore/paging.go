package firestore

import (
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/platform/pagination"
)

const defaultPageSize = 20

// pageQuery orders by (createdAt desc, id desc), positions after the token cursor and fetches one extra
// document to detect a following page.
func pageQuery(query firestore.Query, pager domain.Pagination, createdAtField string) (firestore.Query, int, error) {
	size := pager.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return query, 0, err
	}
	query = query.OrderBy(createdAtField, firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}
	return query.Limit(size + 1), size, nil
}

// nextToken trims the look-ahead document and returns the token for the following page.
func nextToken[T any](items []T, size int, key func(T) (time.Time, string)) ([]T, string) {
	if len(items) <= size {
		return items, ""
	}
	items = items[:size]
	createdAt, id := key(items[len(items)-1])
	return items, pagination.EncodeToken(pagination.Cursor{CreatedAt: createdAt, ID: id})
}
