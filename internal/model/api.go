package model

// CreateURLRequest represents the request body for creating a short URL
type CreateURLRequest struct {
	OriginalURL    string `json:"originalUrl" binding:"required"`
	CustomAlias    string `json:"customAlias,omitempty"`
	ExpirationDays *int   `json:"expirationDays,omitempty"`
}

// CreateURLResponse represents the response for a created short URL
type CreateURLResponse struct {
	ShortenedURL   string `json:"shortenedUrl"`
	ShortCode      string `json:"shortCode"`
	ExpirationDate string `json:"expirationDate"`
}

// URLResponse is one entry of the owner listing
type URLResponse struct {
	OriginalURL    string `json:"originalUrl"`
	ShortenedURL   string `json:"shortenedUrl"`
	ShortCode      string `json:"shortCode"`
	CreatedAt      string `json:"createdAt"`
	ExpirationDate string `json:"expirationDate"`
	UsageCount     int64  `json:"usageCount"`
}

// ClearURLsResponse reports how many links a bulk clear removed
type ClearURLsResponse struct {
	Deleted int64 `json:"deleted"`
}

// CacheEntryRequest is the body of POST /api/cache
type CacheEntryRequest struct {
	Code string `json:"code" binding:"required"`
	URL  string `json:"url" binding:"required"`
}

// CacheEntryResponse is returned by GET /api/cache/:code.
// Visits is advisory; the authoritative usage count lives in the link store.
type CacheEntryResponse struct {
	URL    string `json:"url"`
	Visits *int64 `json:"visits"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
