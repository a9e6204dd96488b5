package artifact

import "strings"

// Type identifies which builder schema a template payload follows. The set is closed;
// the payload itself is never interpreted by the sync protocol.
type Type string

const (
	TypePage      Type = "page"
	TypeSection   Type = "section"
	TypeContainer Type = "container"
	TypeHeader    Type = "header"
	TypeFooter    Type = "footer"
	TypeSingle    Type = "single"
	TypeArchive   Type = "archive"
	TypePopup     Type = "popup"
	TypeLoopItem  Type = "loop-item"
	TypeKit       Type = "kit"
)

var knownTypes = map[Type]struct{}{
	TypePage:      {},
	TypeSection:   {},
	TypeContainer: {},
	TypeHeader:    {},
	TypeFooter:    {},
	TypeSingle:    {},
	TypeArchive:   {},
	TypePopup:     {},
	TypeLoopItem:  {},
	TypeKit:       {},
}

// Known reports whether t is one of the supported template types.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// ParseType normalises raw and reports whether it names a supported type.
func ParseType(raw string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Known()
}
