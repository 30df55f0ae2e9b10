package models

// Content kinds accepted by the generation endpoints.
const (
	KindNewsletter       = "newsletter"
	KindSocialPost       = "social_post"
	KindCarousel         = "carousel"
	KindGrantApplication = "grant_application"
)

// StyleProfile is the brand voice a tenant has configured.
type StyleProfile struct {
	BrandName string   `json:"brand_name"`
	Tone      string   `json:"tone"`
	Audience  string   `json:"audience"`
	Language  string   `json:"language"`
	DoList    []string `json:"do,omitempty"`
	DontList  []string `json:"dont,omitempty"`
}

// GenerateRequest asks for one piece of content.
type GenerateRequest struct {
	Kind         string        `json:"kind" binding:"required"`
	Topic        string        `json:"topic" binding:"required"`
	Instructions string        `json:"instructions,omitempty"`
	Model        string        `json:"model,omitempty"`
	Style        *StyleProfile `json:"style,omitempty"`
	Lessons      []string      `json:"lessons,omitempty"`
}

// BulkGenerateRequest asks for one piece of content per topic.
type BulkGenerateRequest struct {
	Kind         string        `json:"kind" binding:"required"`
	Topics       []string      `json:"topics" binding:"required"`
	Instructions string        `json:"instructions,omitempty"`
	Model        string        `json:"model,omitempty"`
	Style        *StyleProfile `json:"style,omitempty"`
	Lessons      []string      `json:"lessons,omitempty"`
}

// GenerateResponse carries generated content and its metered usage.
type GenerateResponse struct {
	Topic   string  `json:"topic,omitempty"`
	Content string  `json:"content"`
	Model   string  `json:"model"`
	Usage   Usage   `json:"usage"`
	CostUSD float64 `json:"cost_usd"`
}

// BulkItemResult is the outcome of one topic in a bulk request.
type BulkItemResult struct {
	Topic  string            `json:"topic"`
	Result *GenerateResponse `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// BulkGenerateResponse lists per-topic outcomes in request order.
type BulkGenerateResponse struct {
	Items     []BulkItemResult `json:"items"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// ChatRequest is a chatbot turn.
type ChatRequest struct {
	Messages []ChatCompletionMessage `json:"messages" binding:"required"`
	Model    string                  `json:"model,omitempty"`
	Style    *StyleProfile           `json:"style,omitempty"`
}

// TranslateRequest translates text into a target language.
type TranslateRequest struct {
	Text           string        `json:"text" binding:"required"`
	TargetLanguage string        `json:"target_language" binding:"required"`
	Model          string        `json:"model,omitempty"`
	Style          *StyleProfile `json:"style,omitempty"`
}

// RateLimitErrorResponse is the body of a 429 answer.
type RateLimitErrorResponse struct {
	Error string `json:"error"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides error details
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(message, errType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}
