package patient

import (
	"fmt"
	"strconv"
)

// Validation methods for ID number types.
const (
	ValidationNone        = ""
	ValidationUKNHSNumber = "uk_nhs_number"
)

// IDNumDefinition describes one type of ID number, e.g. "NHS number".
type IDNumDefinition struct {
	WhichIDNum       int    `json:"which_idnum"`
	Description      string `json:"description"`
	ShortDescription string `json:"short_description"`
	ValidationMethod string `json:"validation_method"`
}

// Validate checks value against the definition's validation method.
func (d *IDNumDefinition) Validate(value int64) error {
	if value <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalid, d.ShortDescription)
	}
	switch d.ValidationMethod {
	case ValidationNone:
		return nil
	case ValidationUKNHSNumber:
		if !IsValidNHSNumber(value) {
			return fmt.Errorf("%w: %d is not a valid NHS number", ErrInvalid, value)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown validation method %q", ErrInvalid, d.ValidationMethod)
	}
}

// IsValidNHSNumber applies the NHS mod-11 check digit algorithm to a
// ten-digit number.
func IsValidNHSNumber(n int64) bool {
	s := strconv.FormatInt(n, 10)
	if len(s) != 10 {
		return false
	}
	total := 0
	for i := 0; i < 9; i++ {
		total += int(s[i]-'0') * (10 - i)
	}
	check := 11 - total%11
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return false
	}
	return check == int(s[9]-'0')
}

// IDNum is one ID number held by a patient.
type IDNum struct {
	WhichIDNum int   `json:"which_idnum"`
	Value      int64 `json:"idnum_value"`
}
