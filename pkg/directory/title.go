package directory

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/danpaxton/simple-script-ide/pkg/models"
)

// ErrInvalidTitle is matched by every *TitleError.
var ErrInvalidTitle = errors.New("invalid title")

// TitleError describes why a title was rejected.
type TitleError struct {
	Title  string
	Reason string
}

func (e *TitleError) Error() string {
	return fmt.Sprintf("invalid title %q: %s", e.Title, e.Reason)
}

func (e *TitleError) Unwrap() error { return ErrInvalidTitle }

// ValidateTitle checks that title has the form <name>.ss, that the name has
// no whitespace and at most models.MaxNameLength characters, and that no
// record in existing has the same title ignoring case.
func ValidateTitle(title string, existing []models.FileRecord) error {
	parts := strings.Split(title, ".")
	if len(parts) != 2 {
		return &TitleError{title, fmt.Sprintf("must have the form <name>.%s", models.Extension)}
	}
	name, ext := parts[0], parts[1]
	if name == "" {
		return &TitleError{title, "name is empty"}
	}
	if ext != models.Extension {
		return &TitleError{title, fmt.Sprintf("extension must be .%s", models.Extension)}
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return &TitleError{title, "name must not contain whitespace"}
	}
	if n := utf8.RuneCountInString(name); n > models.MaxNameLength {
		return &TitleError{title, fmt.Sprintf("name is %d characters, limit is %d", n, models.MaxNameLength)}
	}
	for _, f := range existing {
		if strings.EqualFold(f.Title, title) {
			return &TitleError{title, "a file with this name already exists"}
		}
	}
	return nil
}
