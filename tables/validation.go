package tables

import (
	"fmt"
	"regexp"

	"github.com/liamcoop/datadictionary/dictionary"
)

const maxNameLength = 128

var (
	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)
)

// ValidateTableName checks a metadata table name: 1-128 characters, a letter
// or underscore followed by letters, digits or underscores.
func ValidateTableName(name string) error {
	return validate("table name", name, tableNamePattern)
}

// ValidateDataType checks a data type name: 1-128 characters of letters,
// digits, underscores, dots or dashes, not starting with a dot or dash.
func ValidateDataType(name string) error {
	return validate("data type", name, fieldNamePattern)
}

// ValidateFieldName applies the data type rules to a field name.
func ValidateFieldName(name string) error {
	return validate("field name", name, fieldNamePattern)
}

func validate(what, name string, pattern *regexp.Regexp) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: %s cannot be empty", dictionary.ErrInvalidInput, what)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %s length %d exceeds maximum of %d characters", dictionary.ErrInvalidInput, what, len(name), maxNameLength)
	}
	if !pattern.MatchString(name) {
		return fmt.Errorf("%w: invalid %s %q, must match %s", dictionary.ErrInvalidInput, what, name, pattern)
	}
	return nil
}
