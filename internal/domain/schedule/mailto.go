package schedule

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrTemplate is returned for e-mail templates that use an unknown
// placeholder or anything other than a bare placeholder name.
var ErrTemplate = errors.New("invalid e-mail template")

// Placeholders are the names an e-mail template may use.
var Placeholders = []string{"access_key", "server_url"}

// RenderTemplate substitutes {name} placeholders from vars. "{{" and "}}"
// stand for literal braces. Field access, indexing and format specs are
// rejected.
func RenderTemplate(tpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(tpl); i++ {
		ch := tpl[i]
		switch ch {
		case '{':
			if i+1 < len(tpl) && tpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{'", ErrTemplate)
			}
			name := tpl[i+1 : i+1+end]
			if strings.ContainsAny(name, ".[]:!{ ") {
				return "", fmt.Errorf("%w: placeholder {%s} is not a plain name", ErrTemplate, name)
			}
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("%w: unknown placeholder {%s}", ErrTemplate, name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tpl) && tpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}'", ErrTemplate)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}

// ValidateTemplate checks tpl against the known placeholders.
func ValidateTemplate(tpl string) error {
	vars := make(map[string]string, len(Placeholders))
	for _, p := range Placeholders {
		vars[p] = ""
	}
	_, err := RenderTemplate(tpl, vars)
	return err
}

// MailtoURL builds a mailto: link for the schedule's invitation e-mail to
// address, with the template rendered from vars.
func MailtoURL(address string, s *Schedule, vars map[string]string) (string, error) {
	body, err := RenderTemplate(s.EmailTemplate, vars)
	if err != nil {
		return "", err
	}
	params := []string{
		"subject=" + escape(s.EmailSubject),
		"body=" + escape(body),
	}
	if s.EmailCC != "" {
		params = append(params, "cc="+escape(s.EmailCC))
	}
	if s.EmailBCC != "" {
		params = append(params, "bcc="+escape(s.EmailBCC))
	}
	return "mailto:" + address + "?" + strings.Join(params, "&"), nil
}

// escape percent-encodes s for a mailto query. Spaces become %20, which
// mail clients handle where '+' is taken literally.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
