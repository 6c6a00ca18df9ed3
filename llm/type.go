package llm

// Type identifies which completion backend to use.
type Type string

const (
	TypeOpenAI Type = "openai"
	TypeGemini Type = "gemini"
	TypeEcho   Type = "echo"
)

// Default is the backend used when none is configured.
const Default Type = TypeOpenAI

// IsValid returns true if the backend type is supported.
func (t Type) IsValid() bool {
	switch t {
	case TypeOpenAI, TypeGemini, TypeEcho:
		return true
	default:
		return false
	}
}
