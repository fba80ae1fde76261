package shell

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	menuHeader       = regexp.MustCompile(`\w+:\n`)
	menuWord         = regexp.MustCompile(`\w+`)
	missingAccel     = regexp.MustCompile(`:\s*\+`)
	missingModifier  = regexp.MustCompile(`\+$`)
	ErrEmptyMenu     = errors.New("menu must be a non-empty string")
	ErrMenuNoHeaders = errors.New("menu must have at least one \"Name:\" header")
)

// MenuError points at the first invalid line of a menu.
type MenuError struct {
	// Line is 1-based.
	Line   int
	Text   string
	Reason string
}

func (e *MenuError) Error() string {
	return fmt.Sprintf("%s on line %d: %q", e.Reason, e.Line, e.Text)
}

// ValidateMenu checks the menu definition format before it is sent to the shell:
//
//	File:
//	  Open: o + CommandOrControl
//	  ---
//	  Quit: q + CommandOrControl;
//
// Every menu starts with a "Name:" header and ends with ';'. Items are "Label: key + Modifier".
func ValidateMenu(menu string) error {
	if strings.TrimSpace(menu) == "" {
		return ErrEmptyMenu
	}
	headers := len(menuHeader.FindAllString(menu, -1))
	if headers == 0 {
		return ErrMenuNoHeaders
	}
	terminators := strings.Count(menu, ";")
	if delta := headers - terminators; delta != 0 && delta != -1 {
		return fmt.Errorf("found %d ';' for %d menus", terminators, headers)
	}

	for i, line := range strings.Split(menu, "\n") {
		if strings.TrimSpace(line) == "" || strings.Contains(line, "---") {
			continue
		}
		var reason string
		switch {
		case menuWord.MatchString(line) && !strings.Contains(line, ":"):
			reason = "missing label"
		case missingAccel.MatchString(line):
			reason = "missing accelerator"
		case missingModifier.MatchString(line):
			reason = "missing modifier"
		}
		if reason != "" {
			return &MenuError{Line: i + 1, Text: line, Reason: reason}
		}
	}
	return nil
}
