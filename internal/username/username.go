// Package username parses and recomposes Stratum worker usernames of the
// form L1Addr[.LnId[@Domain]][.WorkerSuffix].
package username

import "strings"

// MaxLength is the maximum accepted username length in bytes.
const MaxLength = 255

// Parsed is the decomposition of a worker username.
type Parsed struct {
	L1Addr       string
	LnID         string
	LnDomain     string
	HasLightning bool
	WorkerSuffix string
}

// Parse decomposes a username per the grammar: the first "." separates the
// L1 address; if the remainder contains "@", the portion up to "@" is the
// Lightning id and the portion from "@" to the next "." is the Lightning
// domain (possibly empty) and the remainder is the worker suffix; otherwise
// the whole remainder is the worker suffix.
func Parse(raw string) (Parsed, bool) {
	if len(raw) == 0 || len(raw) > MaxLength {
		return Parsed{}, false
	}

	dot := strings.IndexByte(raw, '.')
	if dot < 0 {
		return Parsed{L1Addr: raw}, true
	}

	p := Parsed{L1Addr: raw[:dot]}
	rest := raw[dot+1:]

	at := strings.IndexByte(rest, '@')
	if at < 0 {
		p.WorkerSuffix = rest
		return p, true
	}

	p.HasLightning = true
	p.LnID = rest[:at]

	afterAt := rest[at+1:]
	nextDot := strings.IndexByte(afterAt, '.')
	if nextDot < 0 {
		p.LnDomain = afterAt
		return p, true
	}

	p.LnDomain = afterAt[:nextDot]
	p.WorkerSuffix = afterAt[nextDot+1:]
	return p, true
}

// String recomposes the canonical username.
func (p Parsed) String() string {
	var b strings.Builder
	b.WriteString(p.L1Addr)

	if p.HasLightning {
		b.WriteByte('.')
		b.WriteString(p.LnID)
		b.WriteByte('@')
		b.WriteString(p.LnDomain)
		if p.WorkerSuffix != "" {
			b.WriteByte('.')
			b.WriteString(p.WorkerSuffix)
		}
		return b.String()
	}

	if p.WorkerSuffix != "" {
		b.WriteByte('.')
		b.WriteString(p.WorkerSuffix)
	}
	return b.String()
}
