package ssa

import "strings"

// SignatureID identifies a Signature within a compilation unit.
type SignatureID uint32

// Signature is a function signature used by OpcodeCall / OpcodeCallIndirect.
type Signature struct {
	ID             SignatureID
	Params, Results []Type
	// used is never set by the builder: Builder.UsedSignatures reports
	// from the builder's own record of signatures seen on inserted
	// instructions instead.
	used bool
}

// String implements fmt.Stringer.
func (s *Signature) String() string {
	var b strings.Builder
	b.WriteString("sig")
	b.WriteString(":")
	for _, p := range s.Params {
		b.WriteString(" ")
		b.WriteString(p.String())
	}
	b.WriteString(" ->")
	for _, r := range s.Results {
		b.WriteString(" ")
		b.WriteString(r.String())
	}
	return b.String()
}

// FuncRef identifies a callee function, either by direct module-level
// index (for OpcodeCall) or indirectly via a table+signature pair
// (for OpcodeCallIndirect, resolved at runtime).
type FuncRef uint32
