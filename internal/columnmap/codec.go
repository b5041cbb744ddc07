package columnmap

import (
	"bytes"
	"encoding/json"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

// Version is the current encoding version of stored mapping blobs.
//
// Version 1 is the flat list written by the first releases, with legacy type
// names such as "fileUrl" and "sourceItemId". Version 2 wraps maps in a
// document with an explicit version tag.
const Version = 2

type setDocument struct {
	Version int   `json:"version"`
	Maps    []Map `json:"maps"`
}

type defaultsDocument struct {
	Version int `json:"version"`
	Defaults
}

// legacyMap is the version 1 shape of a column map.
type legacyMap struct {
	Column    string `json:"column"`
	Type      string `json:"type"`
	Delimiter string `json:"delimiter"`
	IsHTML    bool   `json:"is_html"`
	ElementID int64  `json:"element_id"`
	Default   string `json:"default"`
	Create    bool   `json:"create_collections"`
}

var legacyKinds = map[string]Kind{
	"Element":          KindElement,
	"Tag":              KindTag,
	"File":             KindFile,
	"fileUrl":          KindFile,
	"Collection":       KindCollection,
	"ItemType":         KindItemType,
	"Public":           KindPublic,
	"Featured":         KindFeatured,
	"Identifier":       KindIdentifier,
	"IdentifierField":  KindIdentifierField,
	"Action":           KindAction,
	"RecordType":       KindRecordType,
	"ExtraData":        KindExtraData,
	"Item":             KindItem,
	"sourceItemId":     KindSourceItemID,
	"updateMode":       KindUpdateMode,
	"updateIdentifier": KindUpdateIdentifier,
	"recordIdentifier": KindRecordIdentifier,
}

// EncodeSet serializes s as a versioned document.
func EncodeSet(s Set) ([]byte, error) {
	if s == nil {
		s = Set{}
	}
	b, err := json.Marshal(setDocument{Version: Version, Maps: s})
	if err != nil {
		return nil, errors.Wrap(err, "encode column maps")
	}
	return b, nil
}

// DecodeSet parses a stored column-map blob of any supported version.
func DecodeSet(b []byte) (Set, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}

	if b[0] == '[' {
		return decodeLegacySet(b)
	}

	var head struct {
		Version int             `json:"version"`
		Maps    json.RawMessage `json:"maps"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, errors.Wrap(err, "decode column maps")
	}

	switch head.Version {
	case 1:
		return decodeLegacySet(head.Maps)
	case Version:
		var doc setDocument
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, errors.Wrap(err, "decode column maps")
		}
		s := Set(doc.Maps)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Errorf("unsupported column map version %d", head.Version)
}

func decodeLegacySet(b []byte) (Set, error) {
	var legacy []legacyMap
	if err := json.Unmarshal(b, &legacy); err != nil {
		return nil, errors.Wrap(err, "decode legacy column maps")
	}

	s := make(Set, 0, len(legacy))
	for _, lm := range legacy {
		kind, ok := legacyKinds[lm.Type]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownKind, "legacy type %q", lm.Type)
		}
		m := Map{
			Column: lm.Column,
			Kind:   kind,
			Options: Options{
				Delimiter:         lm.Delimiter,
				HTML:              lm.IsHTML,
				Default:           lm.Default,
				ElementID:         lm.ElementID,
				Single:            lm.Type == "fileUrl",
				CreateCollections: lm.Create,
			},
		}
		// Collection maps of version 1 always resolved while mapping.
		if kind == KindCollection {
			m.Options.Direct = true
		}
		s = append(s, m)
	}
	return s, nil
}

// MigrateLegacy adjusts a decoded set to the semantics of a deprecated format.
// format is the stored format name ("File", "Mix" or "Update"); other formats are returned unchanged.
func MigrateLegacy(format string, s Set) Set {
	out := make(Set, len(s))
	copy(out, s)

	for i, m := range out {
		switch format {
		case "File":
			if m.Kind == KindFile {
				out[i].Options.Single = true
			}
		case "Mix":
			if m.Kind == KindFile && m.Options.Delimiter == "" {
				out[i].Options.Single = true
			}
		case "Update":
			if m.Kind == KindUpdateIdentifier && m.Options.Default == "" {
				out[i].Options.Default = DefaultIdentifierField
			}
		}
	}
	return out
}

// EncodeDefaults serializes d as a versioned document.
func EncodeDefaults(d Defaults) ([]byte, error) {
	b, err := json.Marshal(defaultsDocument{Version: Version, Defaults: d})
	if err != nil {
		return nil, errors.Wrap(err, "encode defaults")
	}
	return b, nil
}

// legacyDefaults is the version 1 shape of the defaults blob.
type legacyDefaults struct {
	ItemTypeID        int64  `json:"item_type_id"`
	CollectionID      int64  `json:"collection_id"`
	IsPublic          bool   `json:"is_public"`
	IsFeatured        bool   `json:"is_featured"`
	ElementsAreHTML   bool   `json:"elements_are_html"`
	CreateCollections bool   `json:"create_collections"`
	ElementDelimiter  string `json:"element_delimiter"`
	TagDelimiter      string `json:"tag_delimiter"`
	FileDelimiter     string `json:"file_delimiter"`
	IdentifierField   string `json:"identifier_field"`
	Action            string `json:"action"`
	RecordType        string `json:"record_type"`
	ExtraData         string `json:"extra_data"`
}

// DecodeDefaults parses a stored defaults blob of any supported version.
func DecodeDefaults(b []byte) (Defaults, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return Defaults{}, nil
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Defaults{}, errors.Wrap(err, "decode defaults")
	}

	switch head.Version {
	case 0, 1:
		var ld legacyDefaults
		if err := json.Unmarshal(b, &ld); err != nil {
			return Defaults{}, errors.Wrap(err, "decode legacy defaults")
		}
		action, err := ParseAction(ld.Action)
		if err != nil {
			return Defaults{}, err
		}
		return Defaults{
			Action:            action,
			RecordType:        recordTypeOrEmpty(ld.RecordType),
			IdentifierField:   ld.IdentifierField,
			ItemTypeID:        ld.ItemTypeID,
			CollectionID:      ld.CollectionID,
			Public:            ld.IsPublic,
			Featured:          ld.IsFeatured,
			ElementDelimiter:  ld.ElementDelimiter,
			TagDelimiter:      ld.TagDelimiter,
			FileDelimiter:     ld.FileDelimiter,
			HTML:              ld.ElementsAreHTML,
			CreateCollections: ld.CreateCollections,
			ExtraData:         ExtraDataMode(ld.ExtraData),
		}, nil
	case Version:
		var doc defaultsDocument
		if err := json.Unmarshal(b, &doc); err != nil {
			return Defaults{}, errors.Wrap(err, "decode defaults")
		}
		return doc.Defaults, nil
	}
	return Defaults{}, errors.Errorf("unsupported defaults version %d", head.Version)
}

// MappingFile is the YAML document accepted by the command line tool.
type MappingFile struct {
	Defaults Defaults `yaml:"defaults"`
	Columns  []Map    `yaml:"columns"`
}

// DecodeYAML parses a human-edited mapping file.
func DecodeYAML(b []byte) (Defaults, Set, error) {
	var f MappingFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Defaults{}, nil, errors.Wrap(err, "decode mapping file")
	}

	s := Set(f.Columns)
	if err := s.Validate(); err != nil {
		return Defaults{}, nil, err
	}
	return f.Defaults, s, nil
}
