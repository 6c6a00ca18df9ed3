package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/genai"
)

// statusPattern finds the HTTP status in langchaingo's openai client errors,
// e.g. "API returned unexpected status code: 401: ...".
var statusPattern = regexp.MustCompile(`status code:? (\d{3})`)

// validationError classifies a failed credential check. Only 401 and 403
// answers mean the key itself was rejected.
func validationError(err error) error {
	if rejected(statusOf(err)) {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func rejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return geminiStatus(apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return geminiStatus(*apiErrPtr)
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

// geminiStatus reports a 400 naming the API key as unauthorized; the Gemini
// API answers an invalid key with INVALID_ARGUMENT.
func geminiStatus(e genai.APIError) int {
	if e.Code == http.StatusBadRequest && strings.Contains(e.Message, "API key") {
		return http.StatusUnauthorized
	}
	return e.Code
}
