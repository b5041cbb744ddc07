package columnmap

import (
	"strings"

	"github.com/go-faster/errors"
)

// Kind is the semantic type a column contributes to a mapped row.
type Kind string

const (
	KindElement         Kind = "Element"
	KindTag             Kind = "Tag"
	KindFile            Kind = "File"
	KindCollection      Kind = "Collection"
	KindItemType        Kind = "ItemType"
	KindPublic          Kind = "Public"
	KindFeatured        Kind = "Featured"
	KindIdentifier      Kind = "Identifier"
	KindIdentifierField Kind = "IdentifierField"
	KindAction          Kind = "Action"
	KindRecordType      Kind = "RecordType"
	KindExtraData       Kind = "ExtraData"
	KindItem            Kind = "Item"

	// Deprecated kinds, kept so stored legacy imports stay decodable.
	KindSourceItemID     Kind = "SourceItemID"
	KindUpdateMode       Kind = "UpdateMode"
	KindUpdateIdentifier Kind = "UpdateIdentifier"
	KindRecordIdentifier Kind = "RecordIdentifier"
)

var kinds = []Kind{
	KindElement, KindTag, KindFile, KindCollection, KindItemType, KindPublic, KindFeatured,
	KindIdentifier, KindIdentifierField, KindAction, KindRecordType, KindExtraData, KindItem,
	KindSourceItemID, KindUpdateMode, KindUpdateIdentifier, KindRecordIdentifier,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Multi reports whether values of k accumulate across columns instead of last-writer-wins.
func (k Kind) Multi() bool {
	switch k {
	case KindElement, KindTag, KindFile, KindExtraData:
		return true
	}
	return false
}

// Deprecated reports whether k only exists for legacy formats.
func (k Kind) Deprecated() bool {
	switch k {
	case KindSourceItemID, KindUpdateMode, KindUpdateIdentifier, KindRecordIdentifier:
		return true
	}
	return false
}

// Action is the operation a row asks for.
type Action string

const (
	ActionUpdateElseCreate Action = "Update else create"
	ActionCreate           Action = "Create"
	ActionUpdate           Action = "Update"
	ActionAdd              Action = "Add"
	ActionReplace          Action = "Replace"
	ActionDelete           Action = "Delete"
	ActionSkip             Action = "Skip"
)

// DefaultAction is used when a row does not name an action.
const DefaultAction = ActionUpdateElseCreate

// ParseAction parses an action name, ignoring case, spaces and underscores.
// An empty value returns "" and no error.
func ParseAction(s string) (Action, error) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch key {
	case "":
		return "", nil
	case "updateelsecreate":
		return ActionUpdateElseCreate, nil
	case "create":
		return ActionCreate, nil
	case "update":
		return ActionUpdate, nil
	case "add":
		return ActionAdd, nil
	case "replace":
		return ActionReplace, nil
	case "delete":
		return ActionDelete, nil
	case "skip":
		return ActionSkip, nil
	}
	return "", errors.Wrapf(ErrInvalidValue, "action %q", s)
}

// Merges reports whether a is one of the metadata merge actions.
func (a Action) Merges() bool {
	return a == ActionUpdate || a == ActionAdd || a == ActionReplace
}

// Creates reports whether a may create a record when the row refers to none.
func (a Action) Creates() bool {
	return a == ActionCreate || a == ActionUpdateElseCreate
}

// ParseUpdateMode normalizes a legacy update mode cell. Empty means Update.
func ParseUpdateMode(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ActionUpdate, nil
	}
	mode := Action(strings.ToUpper(s[:1]) + s[1:])
	if !mode.Merges() {
		return "", errors.Wrapf(ErrInvalidValue, "update mode %q", s)
	}
	return mode, nil
}
