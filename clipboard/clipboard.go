// Package clipboard copies feedback text out of the session view.
package clipboard

import (
	"errors"
	"strings"

	cb "github.com/atotto/clipboard"
)

var ErrEmpty = errors.New("nothing to copy")

func Read() (string, error) {
	return cb.ReadAll()
}

// Copy places text on the system clipboard, trimmed of surrounding blank
// lines.
func Copy(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmpty
	}
	return cb.WriteAll(text)
}

// Available reports whether a clipboard utility was found.
func Available() bool {
	return !cb.Unsupported
}
