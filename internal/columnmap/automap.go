package columnmap

import (
	"strings"

	"github.com/JonMunkholm/csvimport/internal/record"
)

var specialColumns = map[string]Kind{
	"tag":             KindTag,
	"tags":            KindTag,
	"file":            KindFile,
	"files":           KindFile,
	"collection":      KindCollection,
	"itemtype":        KindItemType,
	"public":          KindPublic,
	"featured":        KindFeatured,
	"identifier":      KindIdentifier,
	"identifierfield": KindIdentifierField,
	"action":          KindAction,
	"recordtype":      KindRecordType,
	"item":            KindItem,
}

// AutoMap builds a set from header names. "Set:Name" headers map to the matching
// element, well-known names map to their kind, and everything else becomes extra
// data when d asks for it.
func AutoMap(columns []string, elements []record.Element, d Defaults) Set {
	byName := make(map[string]record.Element, len(elements))
	for _, el := range elements {
		byName[strings.ToLower(el.Qualified())] = el
	}

	var s Set
	for _, col := range columns {
		if set, name, ok := record.SplitElementName(col); ok {
			if el, found := byName[strings.ToLower(set+":"+name)]; found {
				s = append(s, Map{
					Column: col,
					Kind:   KindElement,
					Options: Options{
						Delimiter:   d.ElementDelimiter,
						HTML:        d.HTML,
						ElementID:   el.ID,
						ElementSet:  el.Set,
						ElementName: el.Name,
					},
				})
				continue
			}
		}

		key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(col)))
		if kind, ok := specialColumns[key]; ok {
			m := Map{Column: col, Kind: kind}
			switch kind {
			case KindTag:
				m.Options.Delimiter = d.TagDelimiter
			case KindFile:
				m.Options.Delimiter = d.FileDelimiter
			case KindCollection:
				m.Options.Direct = true
				m.Options.CreateCollections = d.CreateCollections
			case KindIdentifierField:
				m.Options.Default = d.IdentifierField
			}
			s = append(s, m)
			continue
		}

		if d.ExtraData == ExtraDataManual {
			s = append(s, Map{Column: col, Kind: KindExtraData})
		}
	}
	return s
}

func recordTypeOrEmpty(s string) record.Type {
	t, err := record.ParseType(s)
	if err != nil {
		return ""
	}
	return t
}
