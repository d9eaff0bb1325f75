package model

type GenerateRequest struct {
	// no binding tag: short and empty input is a validation result, not a bad request
	Input string `json:"input"`
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}
