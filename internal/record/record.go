// Package record defines the record-store boundary used by the import engine.
//
// The engine never talks to a database directly. It creates, finds, updates
// and deletes Items, Files and Collections through the Store interface, which
// is implemented by internal/store/pgstore (PostgreSQL) and
// internal/store/memstore (in-memory, used by tests and dry runs).
package record

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// Type is the domain type of a record.
type Type string

const (
	TypeItem       Type = "Item"
	TypeFile       Type = "File"
	TypeCollection Type = "Collection"

	// TypeAny matches every type during resolution. Records are never created with it.
	TypeAny Type = "Any"
)

// ParseType parses a record type case-insensitively. An empty string returns "" and no error.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "item":
		return TypeItem, nil
	case "file":
		return TypeFile, nil
	case "collection":
		return TypeCollection, nil
	case "any":
		return TypeAny, nil
	}
	return "", errors.Errorf("unknown record type %q", s)
}

// Concrete reports whether t names a type records can be created with.
func (t Type) Concrete() bool {
	return t == TypeItem || t == TypeFile || t == TypeCollection
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Element is one entry of the metadata element dictionary, e.g. "Dublin Core:Title".
type Element struct {
	ID   int64
	Set  string
	Name string
}

// Qualified returns the "Set:Name" form of the element.
func (e Element) Qualified() string {
	return e.Set + ":" + e.Name
}

// SplitElementName splits "Set:Name" into its parts. ok is false when there is no colon
// or either side is empty.
func SplitElementName(qualified string) (set, name string, ok bool) {
	i := strings.Index(qualified, ":")
	if i <= 0 || i == len(qualified)-1 {
		return "", "", false
	}
	return strings.TrimSpace(qualified[:i]), strings.TrimSpace(qualified[i+1:]), true
}

// ElementText is one metadata value attached to a record.
type ElementText struct {
	ElementID int64  `json:"element_id"`
	Text      string `json:"text"`
	HTML      bool   `json:"html,omitempty"`
}

// Record is the common shape of Items, Files and Collections.
// Fields that do not apply to a type are left at their zero value.
type Record struct {
	ID   int64
	Type Type

	Public   bool
	Featured bool

	// Item only.
	CollectionID int64
	ItemTypeID   int64
	Tags         []string

	// File only.
	ItemID           int64
	Order            int
	Source           string // URL or local path the file was ingested from
	Filename         string // stored name
	OriginalFilename string
	Authentication   string // md5 of the content
	MimeType         string
	Size             int64

	Texts []ElementText
	Extra map[string]string
}

// TextsFor returns the element texts of r for one element, in order.
func (r *Record) TextsFor(elementID int64) []string {
	var out []string
	for _, t := range r.Texts {
		if t.ElementID == elementID {
			out = append(out, t.Text)
		}
	}
	return out
}

// FileField names a physical attribute a File can be looked up by.
type FileField string

const (
	FileFieldOriginalFilename FileField = "original_filename"
	FileFieldFilename         FileField = "filename"
	FileFieldAuthentication   FileField = "authentication"
)

// Store is the persistence API the import engine needs from the record store.
//
// Every method is an independent, immediately committed operation. Implementations
// return ErrNotFound (possibly wrapped) for missing records.
type Store interface {
	Get(ctx context.Context, t Type, id int64) (*Record, error)
	Insert(ctx context.Context, r *Record) (int64, error)
	// Update persists every field of r, replacing existing texts, tags and extra data.
	Update(ctx context.Context, r *Record) error
	// Delete removes a record. Deleting an item also deletes its files.
	Delete(ctx context.Context, t Type, id int64) error

	// FindByElementText returns the first record of type t (any type when t is "" or
	// TypeAny) carrying text for the element.
	FindByElementText(ctx context.Context, elementID int64, text string, t Type) (*Record, error)
	FindFile(ctx context.Context, field FileField, value string) (*Record, error)
	ItemFiles(ctx context.Context, itemID int64) ([]*Record, error)
	SetFileOrder(ctx context.Context, itemID int64, fileIDs []int64) error

	Element(ctx context.Context, set, name string) (*Element, error)
	ElementByID(ctx context.Context, id int64) (*Element, error)
	Elements(ctx context.Context) ([]Element, error)
	ItemTypeByName(ctx context.Context, name string) (int64, error)
}
