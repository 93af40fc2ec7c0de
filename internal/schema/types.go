package schema

import (
	"fmt"
	"strings"
)

// Kind is the tagged union of variable kinds.
type Kind string

const (
	KindText    Kind = "scalar-text"
	KindChoice  Kind = "choice"
	KindBoolean Kind = "boolean"
	KindFile    Kind = "file-reference"
)

// ParseKind maps a configuration type tag to a Kind. Both the template
// tags (std, choose, bool, file) and the canonical names are accepted.
func ParseKind(tag string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "std", "text", string(KindText):
		return KindText, true
	case "choose", string(KindChoice):
		return KindChoice, true
	case "bool", string(KindBoolean):
		return KindBoolean, true
	case "file", string(KindFile):
		return KindFile, true
	default:
		return "", false
	}
}

type Variable struct {
	Name    string
	Kind    Kind
	Label   string
	Choices []string
	Default string
}

// Accepts reports whether value is well formed for the variable kind.
func (v Variable) Accepts(value string) bool {
	switch v.Kind {
	case KindChoice:
		for _, c := range v.Choices {
			if c == value {
				return true
			}
		}
		return false
	case KindBoolean:
		return value == "true" || value == "false"
	default:
		return true
	}
}

type Group struct {
	Key   string
	Label string
	Vars  []string
}

type Stage struct {
	Key    string
	Label  string
	Groups []string
}

type ErrorKind string

const (
	MissingReference ErrorKind = "missing_reference"
	DuplicateKey     ErrorKind = "duplicate_key"
	MalformedEntry   ErrorKind = "malformed_entry"
)

// SchemaError reports why an analysis type document was rejected.
type SchemaError struct {
	Kind   ErrorKind
	Path   string
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("schema %s at %s: %s", e.Kind, e.Path, e.Detail)
}

// Is matches any *SchemaError with the same Kind, so callers can test
// errors.Is(err, &SchemaError{Kind: MissingReference}).
func (e *SchemaError) Is(target error) bool {
	t, ok := target.(*SchemaError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}
