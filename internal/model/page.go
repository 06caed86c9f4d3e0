package model

// Envelope is the standard response wrapper used by every REST endpoint.
type Envelope[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message,omitempty"`
	TimeStamp string `json:"timeStamp,omitempty"`
	Result    T      `json:"result"`
}

// Page is a single page of a paginated listing.
type Page[T any] struct {
	Content       []T  `json:"content"`
	TotalElements int  `json:"totalElements"`
	TotalPages    int  `json:"totalPages"`
	Size          int  `json:"size"`
	Number        int  `json:"number"`
	First         bool `json:"first"`
	Last          bool `json:"last"`
}
