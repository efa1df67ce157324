// Package cxx provides demangled C++ name surgery: post-name extraction,
// overload keys, destructor and pure-virtual stub detection, and the
// class-name normalization passes that reconcile the two ABIs' different
// renderings of the same type.
package cxx

import (
	"regexp"
	"strings"
)

// PureStubPrefix marks unresolved pure-virtual slots emitted by the Itanium
// ABI (__cxa_pure_virtual and friends).
const PureStubPrefix = "__cxa"

// PostName strips any enclosing class qualification from a demangled
// function name, leaving everything past the last "::" before the argument
// list. "CTFPlayer::SOCacheUnsubscribed(...)" becomes "SOCacheUnsubscribed(...)".
func PostName(name string) string {
	head := name
	if paren := strings.Index(name, "("); paren >= 0 {
		head = name[:paren]
	}
	if i := strings.LastIndex(head, "::"); i >= 0 {
		return name[i+2:]
	}
	return name
}

// OverloadKey returns the post-name with its argument list removed. Two
// overloads of the same declared function share an overload key.
func OverloadKey(postName string) string {
	if paren := strings.Index(postName, "("); paren >= 0 {
		return postName[:paren]
	}
	return postName
}

// IsDestructor reports whether a demangled name denotes a destructor.
func IsDestructor(demangled string) bool {
	return strings.Contains(demangled, "::~")
}

// IsPureStub reports whether a mangled name is a pure-virtual placeholder
// rather than a resolvable function.
func IsPureStub(mangled string) bool {
	return strings.HasPrefix(mangled, PureStubPrefix)
}

var templateArgs = regexp.MustCompile(`<[^>]+>`)

// NormalizeClassName applies the first documented fixup pass to an
// MSVC-rendered class name so it can be looked up against Itanium-rendered
// keys: doubled pointer spacing, spaced const qualifiers, and boolean
// template arguments rendered as 1/0 instead of true/false.
func NormalizeClassName(name string) string {
	fixed := strings.ReplaceAll(name, "* *", "**")
	fixed = strings.ReplaceAll(fixed, "const &", "const&")
	fixed = strings.ReplaceAll(fixed, "const *", "const*")

	// Only rewrite 0/1 inside template argument lists, and only when the
	// token stands alone. Literal numeric arguments equal to 0 or 1 will
	// still be rewritten; this pass is best-effort, not authoritative.
	fixed = templateArgs.ReplaceAllStringFunc(fixed, replaceBoolTokens)
	return fixed
}

// CollapsePointerSpace applies the second fixup pass, removing a stray
// space before a pointer marker.
func CollapsePointerSpace(name string) string {
	return strings.ReplaceAll(name, " *", "*")
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}

func replaceBoolTokens(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '0' && c != '1' {
			sb.WriteByte(c)
			continue
		}
		prevWord := i > 0 && isWordByte(s[i-1])
		nextWord := i+1 < len(s) && isWordByte(s[i+1])
		if prevWord || nextWord {
			sb.WriteByte(c)
			continue
		}
		if c == '0' {
			sb.WriteString("false")
		} else {
			sb.WriteString("true")
		}
	}
	return sb.String()
}
