// Package msname demangles the MSVC special names the RTTI walkers meet:
// type descriptors, base class descriptors, hierarchy descriptors, object
// locators and vftables. Full symbol demangling stays with the host;
// this covers the metadata names a stripped snapshot may lack.
package msname

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported = errors.New("msname: unsupported mangled form")
	ErrTruncated   = errors.New("msname: truncated mangled name")
	ErrBadName     = errors.New("msname: malformed mangled name")
)

// Demangle converts an MSVC-decorated RTTI or vftable name to the readable
// form the walkers parse. Any other decorated name is ErrUnsupported.
func Demangle(decorated string) (string, error) {
	switch {
	case strings.HasPrefix(decorated, "??_R"):
		return demangleRTTI(decorated[4:])
	case strings.HasPrefix(decorated, "??_7"):
		return demangleVftable(decorated[4:])
	}
	return "", ErrUnsupported
}

func demangleRTTI(rest string) (string, error) {
	if rest == "" {
		return "", ErrTruncated
	}
	p := &parser{in: rest[1:]}
	switch rest[0] {
	case '0':
		return p.typeDescriptor()
	case '1':
		return p.baseClassDescriptor()
	case '2':
		name, err := p.qualifiedName()
		if err != nil {
			return "", err
		}
		return name + "::`RTTI Base Class Array'", nil
	case '3':
		name, err := p.qualifiedName()
		if err != nil {
			return "", err
		}
		return name + "::`RTTI Class Hierarchy Descriptor'", nil
	case '4':
		name, err := p.qualifiedName()
		if err != nil {
			return "", err
		}
		return "const " + name + "::`RTTI Complete Object Locator'", nil
	}
	return "", ErrUnsupported
}

func demangleVftable(rest string) (string, error) {
	p := &parser{in: rest}
	name, err := p.qualifiedName()
	if err != nil {
		return "", err
	}
	return "const " + name + "::`vftable'", nil
}

type parser struct {
	in  string
	pos int
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.in) {
		return 0, false
	}
	return p.in[p.pos], true
}

func (p *parser) consume() (byte, error) {
	c, ok := p.peek()
	if !ok {
		return 0, ErrTruncated
	}
	p.pos++
	return c, nil
}

// typeDescriptor parses the tail of ??_R0: a tagged type followed by the
// storage suffix, e.g. ?AVFoo@@@8.
func (p *parser) typeDescriptor() (string, error) {
	c, err := p.consume()
	if err != nil {
		return "", err
	}
	if c != '?' {
		return "", ErrBadName
	}
	if c, err = p.consume(); err != nil {
		return "", err
	}
	if c != 'A' {
		return "", ErrBadName
	}

	tag, err := p.consume()
	if err != nil {
		return "", err
	}
	var kind string
	switch tag {
	case 'V':
		kind = "class"
	case 'U':
		kind = "struct"
	case 'T':
		kind = "union"
	case 'W':
		// Enums carry an extra underlying-type digit.
		if _, err := p.consume(); err != nil {
			return "", err
		}
		kind = "enum"
	default:
		return "", ErrUnsupported
	}

	name, err := p.qualifiedName()
	if err != nil {
		return "", err
	}
	return kind + " " + name + " `RTTI Type Descriptor'", nil
}

// baseClassDescriptor parses the tail of ??_R1: the member, pointer and
// vtable displacements, the attribute word, then the class name.
func (p *parser) baseClassDescriptor() (string, error) {
	var nums [4]int64
	for i := range nums {
		n, err := p.number()
		if err != nil {
			return "", err
		}
		nums[i] = n
	}
	name, err := p.qualifiedName()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s::`RTTI Base Class Descriptor at (%d,%d,%d,%d)'",
		name, nums[0], nums[1], nums[2], nums[3]), nil
}

// number decodes one mangled integer: an optional ? sign, then a single
// digit for values 1-10 or hex letters A-P terminated by @.
func (p *parser) number() (int64, error) {
	c, err := p.consume()
	if err != nil {
		return 0, err
	}
	negative := false
	if c == '?' {
		negative = true
		if c, err = p.consume(); err != nil {
			return 0, err
		}
	}

	var val int64
	if c >= '0' && c <= '9' {
		val = int64(c-'0') + 1
	} else {
		for c != '@' {
			if c < 'A' || c > 'P' {
				return 0, ErrBadName
			}
			val = val*16 + int64(c-'A')
			if c, err = p.consume(); err != nil {
				return 0, err
			}
		}
	}
	if negative {
		val = -val
	}
	return val, nil
}

// qualifiedName parses @-separated fragments up to the terminating @@ and
// joins them innermost-last. Template instantiations and back-references
// need the host's demangler and are reported unsupported.
func (p *parser) qualifiedName() (string, error) {
	var parts []string
	for {
		c, ok := p.peek()
		if !ok {
			return "", ErrTruncated
		}
		if c == '@' {
			p.pos++
			break
		}
		if c == '?' || (c >= '0' && c <= '9') {
			return "", ErrUnsupported
		}
		start := p.pos
		for {
			c, ok = p.peek()
			if !ok {
				return "", ErrTruncated
			}
			if c == '@' {
				break
			}
			p.pos++
		}
		if p.pos == start {
			return "", ErrBadName
		}
		parts = append(parts, p.in[start:p.pos])
		p.pos++
	}
	if len(parts) == 0 {
		return "", ErrBadName
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "::"), nil
}
