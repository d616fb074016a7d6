// Package idpolicy implements the ID policy language groups use to decide
// whether a patient is sufficiently identified for upload or finalizing.
//
// A policy is a boolean expression over the terms forename, surname, dob,
// sex, address, gp, email, anyidnum, otheridnum and idnumN, combined with
// AND, OR, NOT and parentheses. Keywords are case-insensitive. NOT binds
// tighter than AND, which binds tighter than OR.
package idpolicy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// maxTabletAtoms bounds the exhaustive check in TabletValid.
const maxTabletAtoms = 16

// Info is what a policy is evaluated against: which identifying fields a
// patient has, and which ID numbers.
type Info struct {
	Forename bool
	Surname  bool
	DOB      bool
	Sex      bool
	Address  bool
	GP       bool
	Email    bool
	IDNums   map[int]bool
}

// Policy is a parsed ID policy.
type Policy struct {
	source string
	root   node
	// idnums holds every idnumN the policy mentions explicitly.
	idnums []int
}

// String returns the policy source text.
func (p *Policy) String() string { return p.source }

// IDNums returns the ID number types named explicitly in the policy.
func (p *Policy) IDNums() []int { return slices.Clone(p.idnums) }

// Empty reports whether the policy has no content. An empty policy is never
// satisfied.
func (p *Policy) Empty() bool { return p.root == nil }

// Satisfies reports whether info meets the policy.
func (p *Policy) Satisfies(info Info) bool {
	if p.root == nil {
		return false
	}
	return p.root.eval(info, p.idnums)
}

// Parse tokenizes and parses src. Empty or blank input yields an empty
// policy, which is valid but never satisfied.
func Parse(src string) (*Policy, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &Policy{source: strings.TrimSpace(src)}
	if len(toks) == 0 {
		return p, nil
	}

	ps := &parser{toks: toks}
	root, err := ps.parseOr()
	if err != nil {
		return nil, err
	}
	if ps.pos != len(ps.toks) {
		return nil, fmt.Errorf("idpolicy: unexpected %q at position %d", ps.toks[ps.pos].text, ps.pos+1)
	}
	p.root = root

	seen := map[int]bool{}
	collectIDNums(root, seen)
	for n := range seen {
		p.idnums = append(p.idnums, n)
	}
	slices.Sort(p.idnums)
	return p, nil
}

// Validate returns an error if src is not a syntactically valid policy, or
// if it names an ID number type not in known (known may be nil to skip that
// check).
func Validate(src string, known []int) error {
	p, err := Parse(src)
	if err != nil {
		return err
	}
	if known == nil {
		return nil
	}
	for _, n := range p.idnums {
		if !slices.Contains(known, n) {
			return fmt.Errorf("idpolicy: idnum%d is not a defined ID number type", n)
		}
	}
	return nil
}

// TabletValid reports whether every patient satisfying p has at least one ID
// number or the full demographic set (forename, surname, dob and sex). This
// is the minimum a finalize policy must demand.
func (p *Policy) TabletValid() (bool, error) {
	if p.root == nil {
		return false, nil
	}

	// Atoms: the seven demographic flags, each explicit idnum, and one
	// representative "other" idnum.
	const demographics = 7
	other := 0
	for _, n := range p.idnums {
		if n >= other {
			other = n + 1
		}
	}
	if other == 0 {
		other = 1
	}
	idnums := append(slices.Clone(p.idnums), other)

	atoms := demographics + len(idnums)
	if atoms > maxTabletAtoms {
		return false, fmt.Errorf("idpolicy: policy names too many ID numbers to verify (%d)", len(p.idnums))
	}

	for mask := 0; mask < 1<<atoms; mask++ {
		bit := func(i int) bool { return mask&(1<<i) != 0 }
		info := Info{
			Forename: bit(0),
			Surname:  bit(1),
			DOB:      bit(2),
			Sex:      bit(3),
			Address:  bit(4),
			GP:       bit(5),
			Email:    bit(6),
			IDNums:   map[int]bool{},
		}
		anyID := false
		for i, n := range idnums {
			if bit(demographics + i) {
				info.IDNums[n] = true
				anyID = true
			}
		}
		if !p.Satisfies(info) {
			continue
		}
		if !anyID && !(info.Forename && info.Surname && info.DOB && info.Sex) {
			return false, nil
		}
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokLParen tokenKind = iota
	tokRParen
	tokAnd
	tokOr
	tokNot
	tokTerm
)

type token struct {
	kind  tokenKind
	text  string
	idnum int
}

var terms = map[string]bool{
	"forename":   true,
	"surname":    true,
	"dob":        true,
	"sex":        true,
	"address":    true,
	"gp":         true,
	"email":      true,
	"anyidnum":   true,
	"otheridnum": true,
}

// tokenize splits src into policy tokens.
func tokenize(src string) ([]token, error) {
	var toks []token
	var word strings.Builder

	flush := func() error {
		if word.Len() == 0 {
			return nil
		}
		w := word.String()
		word.Reset()
		t, err := classify(w)
		if err != nil {
			return err
		}
		toks = append(toks, t)
		return nil
	}

	for _, r := range src {
		switch {
		case r == '(' || r == ')':
			if err := flush(); err != nil {
				return nil, err
			}
			if r == '(' {
				toks = append(toks, token{kind: tokLParen, text: "("})
			} else {
				toks = append(toks, token{kind: tokRParen, text: ")"})
			}
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			word.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return toks, nil
}

func classify(w string) (token, error) {
	lw := strings.ToLower(w)
	switch lw {
	case "and":
		return token{kind: tokAnd, text: w}, nil
	case "or":
		return token{kind: tokOr, text: w}, nil
	case "not":
		return token{kind: tokNot, text: w}, nil
	}
	if terms[lw] {
		return token{kind: tokTerm, text: lw}, nil
	}
	if rest, ok := strings.CutPrefix(lw, "idnum"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return token{}, fmt.Errorf("idpolicy: bad ID number term %q", w)
		}
		return token{kind: tokTerm, text: lw, idnum: n}, nil
	}
	return token{}, fmt.Errorf("idpolicy: unknown term %q", w)
}

// ---------------------------------------------------------------------------
// Parser (recursive descent)
// ---------------------------------------------------------------------------

type node interface {
	eval(info Info, mentioned []int) bool
}

type andNode struct{ left, right node }
type orNode struct{ left, right node }
type notNode struct{ inner node }
type termNode struct {
	name  string
	idnum int
}

func (n andNode) eval(info Info, m []int) bool { return n.left.eval(info, m) && n.right.eval(info, m) }
func (n orNode) eval(info Info, m []int) bool  { return n.left.eval(info, m) || n.right.eval(info, m) }
func (n notNode) eval(info Info, m []int) bool { return !n.inner.eval(info, m) }

func (n termNode) eval(info Info, mentioned []int) bool {
	switch n.name {
	case "forename":
		return info.Forename
	case "surname":
		return info.Surname
	case "dob":
		return info.DOB
	case "sex":
		return info.Sex
	case "address":
		return info.Address
	case "gp":
		return info.GP
	case "email":
		return info.Email
	case "anyidnum":
		for _, ok := range info.IDNums {
			if ok {
				return true
			}
		}
		return false
	case "otheridnum":
		for which, ok := range info.IDNums {
			if ok && !slices.Contains(mentioned, which) {
				return true
			}
		}
		return false
	default:
		return info.IDNums[n.idnum]
	}
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("idpolicy: unexpected end of policy")
	}
	switch t.kind {
	case tokNot:
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("idpolicy: missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokTerm:
		p.pos++
		return termNode{name: t.text, idnum: t.idnum}, nil
	default:
		return nil, fmt.Errorf("idpolicy: unexpected %q at position %d", t.text, p.pos+1)
	}
}

func collectIDNums(n node, seen map[int]bool) {
	switch v := n.(type) {
	case andNode:
		collectIDNums(v.left, seen)
		collectIDNums(v.right, seen)
	case orNode:
		collectIDNums(v.left, seen)
		collectIDNums(v.right, seen)
	case notNode:
		collectIDNums(v.inner, seen)
	case termNode:
		if v.idnum > 0 {
			seen[v.idnum] = true
		}
	}
}
