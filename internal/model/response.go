package model

// Page is the envelope of every list endpoint.
type Page[T any] struct {
	Resource []T      `json:"resource"`
	Meta     PageMeta `json:"meta"`
}

// PageMeta describes a page. Limit and Offset are only reported by
// paginated listings.
type PageMeta struct {
	Count  int `json:"count"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// NewPage wraps items, encoding a nil slice as an empty array.
func NewPage[T any](items []T) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Resource: items, Meta: PageMeta{Count: len(items)}}
}

// ErrorResponse is the envelope of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
