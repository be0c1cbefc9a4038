package firestore

import (
	"testing"
	"time"

	"github.com/freshstl/storefront/internal/platform/pagination"
)

func TestNextTokenTrimsLookAhead(t *testing.T) {
	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	type row struct {
		id string
		at time.Time
	}
	rows := []row{{"c", base.Add(3 * time.Hour)}, {"b", base.Add(2 * time.Hour)}, {"a", base.Add(time.Hour)}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	items, token := nextToken(rows, 2, key)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if cursor.ID != "b" || !cursor.CreatedAt.Equal(rows[1].at) {
		t.Fatalf("unexpected cursor %+v", cursor)
	}

	items, token = nextToken(rows, 3, key)
	if len(items) != 3 || token != "" {
		t.Fatalf("expected last page without token, got %d items and %q", len(items), token)
	}
}
