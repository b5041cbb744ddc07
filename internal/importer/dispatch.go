package importer

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// Outcome is what happened to a processed row.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
	OutcomeSkipped Outcome = "skipped"
)

// errSkipRow marks a row the configuration asked to skip.
var errSkipRow = &RowError{Reason: "row skipped by action"}

// rowContext carries the collaborators of one row. It is rebuilt for every run.
type rowContext struct {
	imp      *model.Import
	defaults columnmap.Defaults
	res      *Resolver
	mut      *Mutator
	imports  model.Repository
}

// dispatch applies the row policy of the import format to row.
func (rc *rowContext) dispatch(ctx context.Context, row columnmap.MappedRow) (Outcome, error) {
	switch rc.imp.Format {
	case model.FormatManage:
		return rc.manage(ctx, row)
	case model.FormatReport, model.FormatLegacyItem:
		if _, err := rc.mut.AddItem(ctx, row, ""); err != nil {
			return "", err
		}
		return OutcomeCreated, nil
	case model.FormatLegacyFile:
		return rc.legacyFile(ctx, row)
	case model.FormatLegacyMix:
		return rc.legacyMix(ctx, row)
	case model.FormatLegacyUpdate:
		return rc.legacyUpdate(ctx, row)
	}
	return "", errors.Errorf("unsupported format %q", rc.imp.Format)
}

// inferType guesses the record type of a row that does not name one.
func (rc *rowContext) inferType(row columnmap.MappedRow, identifierField string) record.Type {
	switch {
	case row.Collection != "" || row.CollectionID != 0 || row.ItemType != "" || len(row.Files) > 1:
		return record.TypeItem
	case row.Item != "":
		return record.TypeFile
	}
	if _, physical := fileField(identifierField); physical {
		return record.TypeFile
	}
	if rc.defaults.RecordType.Concrete() {
		return rc.defaults.RecordType
	}
	return record.TypeItem
}

func (rc *rowContext) manage(ctx context.Context, row columnmap.MappedRow) (Outcome, error) {
	action := row.Action
	if action == "" {
		action = rc.defaults.Action
	}
	if action == columnmap.ActionSkip {
		return "", errSkipRow
	}

	identifierField := row.IdentifierField
	if identifierField == "" {
		identifierField = rc.defaults.IdentifierField
	}
	identifierField = normalizeField(identifierField)

	recordType := row.RecordType
	if !recordType.Concrete() {
		recordType = rc.inferType(row, identifierField)
	}

	identifier := row.Identifier
	target, err := rc.res.lookup(ctx, identifier, recordType, identifierField)
	if err != nil {
		return "", err
	}

	// A file row that finds nothing may name its file by original filename.
	if target == nil && recordType == record.TypeFile && len(row.Files) == 1 {
		byName, err := rc.res.lookup(ctx, row.Files[0], record.TypeFile, FieldOriginalFilename)
		if err != nil {
			return "", err
		}
		if byName != nil {
			target, identifier, identifierField = byName, row.Files[0], FieldOriginalFilename
		}
	}

	// A new file for an item: the action addressed the item, the file is still created.
	if target == nil && recordType == record.TypeFile && row.Item != "" && !action.Creates() {
		action = columnmap.ActionCreate
	}

	if identifier == "" || target == nil {
		if !action.Creates() {
			if identifier == "" {
				return "", rowErrorf("cannot %s a %s without identifier", strings.ToLower(string(action)), recordType)
			}
			return "", rowErrorf("no %s found for %s %q", recordType, identifierField, identifier)
		}
		target, action = nil, columnmap.ActionCreate
	}
	if action == columnmap.ActionUpdateElseCreate {
		action = columnmap.ActionUpdate
	}

	return rc.apply(ctx, action, target, row, recordType, identifier, identifierField)
}

// apply runs a resolved action against target, which is nil when the row refers to no
// existing record.
func (rc *rowContext) apply(ctx context.Context, action columnmap.Action, target *record.Record, row columnmap.MappedRow,
	recordType record.Type, identifier, identifierField string,
) (Outcome, error) {
	switch action {
	case columnmap.ActionSkip:
		return "", errSkipRow

	case columnmap.ActionCreate:
		if target != nil && (identifierField != FieldInternalID || target.Type == recordType) {
			return "", rowErrorf("%s %q already exists as %s %d", identifierField, identifier, target.Type, target.ID)
		}
		var err error
		switch recordType {
		case record.TypeItem:
			_, err = rc.mut.AddItem(ctx, row, identifier)
		case record.TypeFile:
			_, err = rc.mut.AddFile(ctx, rc.res, row, identifier)
		case record.TypeCollection:
			_, err = rc.mut.AddCollection(ctx, row, identifier)
		default:
			err = rowErrorf("cannot create a record of type %q", recordType)
		}
		if err != nil {
			return "", err
		}
		return OutcomeCreated, nil

	case columnmap.ActionUpdate, columnmap.ActionAdd, columnmap.ActionReplace:
		if target == nil {
			return "", rowErrorf("no %s found for %s %q", recordType, identifierField, identifier)
		}
		if _, err := rc.mut.Update(ctx, target, row, action); err != nil {
			return "", err
		}
		rc.imp.UpdatedRecordCount++
		return OutcomeUpdated, nil

	case columnmap.ActionDelete:
		if target == nil {
			return "", rowErrorf("no %s found for %s %q", recordType, identifierField, identifier)
		}
		if err := rc.mut.Delete(ctx, target); err != nil {
			return "", err
		}
		rc.imp.UpdatedRecordCount++
		return OutcomeDeleted, nil
	}
	return "", rowErrorf("unsupported action %q", action)
}

// itemField is the identifier field used to find the item a file row points to.
// Physical file fields cannot identify items, so they fall back to the internal id.
func itemField(identifierField string) string {
	if _, physical := fileField(identifierField); physical {
		return FieldInternalID
	}
	return identifierField
}

// legacyFile updates the metadata of existing files, found by id or original filename.
func (rc *rowContext) legacyFile(ctx context.Context, row columnmap.MappedRow) (Outcome, error) {
	if len(row.Files) != 1 {
		return "", rowErrorf("a file row needs exactly one file, got %d", len(row.Files))
	}
	ref := row.Files[0]

	field := FieldOriginalFilename
	if _, numeric := columnmap.ParseID(ref); numeric {
		field = FieldInternalID
	}
	file, err := rc.res.lookup(ctx, ref, record.TypeFile, field)
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", rowErrorf("file %q not found", ref)
	}
	if _, err := rc.mut.Update(ctx, file, row, columnmap.ActionAdd); err != nil {
		return "", err
	}
	rc.imp.UpdatedRecordCount++
	return OutcomeUpdated, nil
}

// legacyMix creates items and files. File rows reference an item created earlier in the
// same run through its source item id.
func (rc *rowContext) legacyMix(ctx context.Context, row columnmap.MappedRow) (Outcome, error) {
	recordType := row.RecordType
	if !recordType.Concrete() {
		recordType = record.TypeItem
		if len(row.Files) == 1 && row.SingleFile {
			recordType = record.TypeFile
		}
	}

	switch recordType {
	case record.TypeItem:
		if _, err := rc.mut.AddItem(ctx, row, row.SourceItemID); err != nil {
			return "", err
		}
	case record.TypeCollection:
		if _, err := rc.mut.AddCollection(ctx, row, row.SourceItemID); err != nil {
			return "", err
		}
	case record.TypeFile:
		if row.SourceItemID == "" {
			return "", rowErrorf("file row without source item id")
		}
		entry, err := rc.imports.FindLogged(ctx, rc.imp.ID, row.SourceItemID, record.TypeItem)
		if errors.Is(err, model.ErrNotFound) {
			return "", rowErrorf("no item imported with source item id %q", row.SourceItemID)
		}
		if err != nil {
			return "", errors.Wrap(err, "find source item")
		}
		if len(row.Files) != 1 {
			return "", rowErrorf("a file row needs exactly one file, got %d", len(row.Files))
		}
		if _, err := rc.mut.addFileTo(ctx, entry.RecordID, row, ""); err != nil {
			return "", err
		}
	}
	return OutcomeCreated, nil
}

// legacyUpdate updates existing records found through the declared update identifier.
func (rc *rowContext) legacyUpdate(ctx context.Context, row columnmap.MappedRow) (Outcome, error) {
	field := row.UpdateIdentifier
	if field == "" {
		field = FieldInternalID
	}
	recordType := row.RecordType
	if !recordType.Concrete() {
		recordType = record.TypeItem
	}
	mode := row.UpdateMode
	if mode == "" {
		mode = columnmap.ActionUpdate
	}

	target, err := rc.res.lookup(ctx, row.RecordIdentifier, recordType, field)
	if err != nil {
		return "", err
	}
	if target == nil {
		return "", rowErrorf("no %s found for %s %q", recordType, field, row.RecordIdentifier)
	}
	if _, err := rc.mut.Update(ctx, target, row, mode); err != nil {
		return "", err
	}
	rc.imp.UpdatedRecordCount++
	return OutcomeUpdated, nil
}
