package columnmap

import (
	"github.com/JonMunkholm/csvimport/internal/record"
)

// ExtraDataMode controls what happens to ExtraData columns.
type ExtraDataMode string

const (
	ExtraDataIgnore ExtraDataMode = "ignore"
	ExtraDataManual ExtraDataMode = "manual"
)

// Default delimiters of the import form.
const (
	DefaultColumnDelimiter  = ","
	DefaultEnclosure        = `"`
	DefaultElementDelimiter = ""
	DefaultTagDelimiter     = ","
	DefaultFileDelimiter    = ","
)

// Report format delimiters are fixed.
const (
	ReportTagDelimiter  = ","
	ReportFileDelimiter = ","
)

// Defaults are the per-import fallback values applied when a row leaves a field empty.
type Defaults struct {
	Action          Action      `json:"action,omitempty" yaml:"action,omitempty"`
	RecordType      record.Type `json:"record_type,omitempty" yaml:"record_type,omitempty"`
	IdentifierField string      `json:"identifier_field,omitempty" yaml:"identifier_field,omitempty"`
	ItemTypeID      int64       `json:"item_type_id,omitempty" yaml:"item_type_id,omitempty"`
	CollectionID    int64       `json:"collection_id,omitempty" yaml:"collection_id,omitempty"`
	Public          bool        `json:"public,omitempty" yaml:"public,omitempty"`
	Featured        bool        `json:"featured,omitempty" yaml:"featured,omitempty"`

	ElementDelimiter string `json:"element_delimiter,omitempty" yaml:"element_delimiter,omitempty"`
	TagDelimiter     string `json:"tag_delimiter,omitempty" yaml:"tag_delimiter,omitempty"`
	FileDelimiter    string `json:"file_delimiter,omitempty" yaml:"file_delimiter,omitempty"`

	HTML              bool          `json:"html,omitempty" yaml:"html,omitempty"`
	CreateCollections bool          `json:"create_collections,omitempty" yaml:"create_collections,omitempty"`
	ExtraData         ExtraDataMode `json:"extra_data,omitempty" yaml:"extra_data,omitempty"`
	Automap           bool          `json:"automap,omitempty" yaml:"automap,omitempty"`
}

// WithFallbacks fills unset fields of d with the package defaults.
func (d Defaults) WithFallbacks() Defaults {
	if d.Action == "" {
		d.Action = DefaultAction
	}
	if d.RecordType == "" {
		d.RecordType = record.TypeItem
	}
	if d.IdentifierField == "" {
		d.IdentifierField = DefaultIdentifierField
	}
	if d.TagDelimiter == "" {
		d.TagDelimiter = DefaultTagDelimiter
	}
	if d.FileDelimiter == "" {
		d.FileDelimiter = DefaultFileDelimiter
	}
	if d.ExtraData == "" {
		d.ExtraData = ExtraDataIgnore
	}
	return d
}
