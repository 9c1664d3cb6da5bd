package interfaces

import "context"

// Translator converts a prompt into the target language before model
// dispatch. Implementations should be fast and fail soft; callers fall
// back to the original text on error.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}
