package registry

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// Pagination bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// SortOrder controls catalog listing direction over created_at.
type SortOrder string

// Sort orders.
const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Cursor marks a position in a created_at-ordered listing. The last id
// breaks ties between servers created in the same instant.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	LastID    string    `json:"last_id"`
}

// Encode serializes the cursor as URL-safe base64 JSON.
func (c Cursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses an encoded cursor. An empty string yields a zero
// cursor (start of the listing).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, authz.NewError(authz.KindValidation, "malformed cursor")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, authz.NewError(authz.KindValidation, "malformed cursor")
	}
	return c, nil
}

// IsZero reports whether the cursor marks the start of a listing.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.LastID == ""
}

// Page is a pagination request.
type Page struct {
	Limit        int
	Cursor       string
	SortOrder    SortOrder
	IncludeTotal bool
}

// Normalize applies defaults and caps.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.SortOrder != SortAsc && p.SortOrder != SortDesc {
		p.SortOrder = SortDesc
	}
	return p
}

// PageResult is one page of servers. Total is populated only when the
// caller asked for it.
type PageResult struct {
	Servers    []Server `json:"servers"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
	Total      *int64   `json:"total,omitempty"`
}
