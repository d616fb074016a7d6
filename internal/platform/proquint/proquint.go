// Package proquint renders 128-bit identifiers as pronounceable quintuplets
// ("lusab-babad-...") followed by a Luhn mod 16 check character, so patients
// can type their access key without ambiguity.
package proquint

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aiou"
)

var ErrInvalid = errors.New("invalid proquint")

// FromUUID encodes u as eight quints and a check character.
func FromUUID(u uuid.UUID) string {
	quints := make([]string, 0, 8)
	for i := 0; i < 16; i += 2 {
		quints = append(quints, encodeWord(uint16(u[i])<<8|uint16(u[i+1])))
	}
	body := strings.Join(quints, "-")
	return body + "-" + string(checkCharacter(strings.ReplaceAll(body, "-", "")))
}

// ToUUID decodes a proquint produced by FromUUID, verifying the check character.
func ToUUID(s string) (uuid.UUID, error) {
	var u uuid.UUID
	s = strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(s, "-")
	if len(parts) != 9 || len(parts[8]) != 1 {
		return u, ErrInvalid
	}
	if !Valid(s) {
		return u, ErrInvalid
	}
	for i, q := range parts[:8] {
		w, err := decodeWord(q)
		if err != nil {
			return u, err
		}
		u[2*i] = byte(w >> 8)
		u[2*i+1] = byte(w)
	}
	return u, nil
}

// Valid reports whether the Luhn mod 16 checksum over s holds.
func Valid(s string) bool {
	compact := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if compact == "" {
		return false
	}
	factor, sum := 1, 0
	for i := len(compact) - 1; i >= 0; i-- {
		v, ok := codePoint(compact[i])
		if !ok {
			return false
		}
		addend := v * factor
		sum += addend/16 + addend%16
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
	}
	return sum%16 == 0
}

func encodeWord(w uint16) string {
	b := [5]byte{
		consonants[(w>>12)&0xf],
		vowels[(w>>10)&0x3],
		consonants[(w>>6)&0xf],
		vowels[(w>>4)&0x3],
		consonants[w&0xf],
	}
	return string(b[:])
}

func decodeWord(q string) (uint16, error) {
	if len(q) != 5 {
		return 0, ErrInvalid
	}
	var w uint16
	for i := 0; i < 5; i++ {
		set, bits := consonants, 4
		if i%2 == 1 {
			set, bits = vowels, 2
		}
		idx := strings.IndexByte(set, q[i])
		if idx < 0 {
			return 0, ErrInvalid
		}
		w = w<<bits | uint16(idx)
	}
	return w, nil
}

func codePoint(c byte) (int, bool) {
	if i := strings.IndexByte(consonants, c); i >= 0 {
		return i, true
	}
	if i := strings.IndexByte(vowels, c); i >= 0 {
		return i, true
	}
	return 0, false
}

func checkCharacter(compact string) byte {
	factor, sum := 2, 0
	for i := len(compact) - 1; i >= 0; i-- {
		v, _ := codePoint(compact[i])
		addend := v * factor
		sum += addend/16 + addend%16
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
	}
	return consonants[(16-sum%16)%16]
}
