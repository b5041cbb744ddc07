package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/model"
)

type runOptions struct {
	format    string
	mapping   string
	automap   bool
	delimiter string
	enclosure string
	batchSize int
	ownerID   int64
	dryRun    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <file.csv>",
		Short: "Create an import from a CSV file and run it",
		Long: `Create an import from a CSV file and run it in the foreground.

Columns are mapped by a YAML mapping file:

  defaults:
    action: Update
    identifier_field: Dublin Core:Identifier
  columns:
    - column: Title
      kind: Element
      options:
        element_name: Dublin Core:Title

With --automap, columns named like an element ("Dublin Core:Title") or a
well-known field ("tags", "files") are mapped without a mapping file.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", string(model.FormatManage), "Import format: ManageRecords, Report, Item")
	cmd.Flags().StringVarP(&opts.mapping, "mapping", "m", "", "YAML mapping file")
	cmd.Flags().BoolVar(&opts.automap, "automap", false, "Map columns from their headers")
	cmd.Flags().StringVar(&opts.delimiter, "delimiter", ",", "Column delimiter")
	cmd.Flags().StringVar(&opts.enclosure, "enclosure", `"`, "Field enclosure")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Rows per task; 0 uses IMPORT_BATCH_SIZE")
	cmd.Flags().Int64Var(&opts.ownerID, "owner", 0, "Owner id of created records")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Run against an in-memory store; nothing is saved")
	return cmd
}

func runImport(cmd *cobra.Command, root *rootOptions, opts runOptions, file string) error {
	ctx := cmd.Context()

	delimiter, err := singleRune("delimiter", opts.delimiter)
	if err != nil {
		return err
	}
	enclosure, err := singleRune("enclosure", opts.enclosure)
	if err != nil {
		return err
	}
	if opts.batchSize < 0 {
		return withCode(exitUsage, errors.New("--batch-size must be non-negative"))
	}
	if opts.mapping == "" && !opts.automap {
		return withCode(exitUsage, errors.New("either --mapping or --automap is required"))
	}

	var (
		defaults columnmap.Defaults
		maps     columnmap.Set
	)
	if opts.mapping != "" {
		b, err := os.ReadFile(opts.mapping)
		if err != nil {
			return withCode(exitUsage, errors.Wrap(err, "read mapping file"))
		}
		if defaults, maps, err = columnmap.DecodeYAML(b); err != nil {
			return withCode(exitValidation, err)
		}
	}
	if opts.automap {
		defaults.Automap = true
	}

	s, err := openSession(ctx, opts.dryRun)
	if err != nil {
		return err
	}
	defer s.Close()

	path, err := stageFile(s, file)
	if err != nil {
		return err
	}
	imp, err := s.engine.Create(ctx, importer.CreateParams{
		Format:           model.Format(opts.format),
		FilePath:         path,
		OriginalFilename: filepath.Base(file),
		Delimiter:        delimiter,
		Enclosure:        enclosure,
		Defaults:         defaults,
		ColumnMaps:       maps,
		BatchSize:        opts.batchSize,
		OwnerID:          opts.ownerID,
		Queue:            true,
	})
	if imp == nil && !s.dryRun {
		_ = ingest.UploadDir(s.cfg.Import.StorageDir).Remove(path)
	}
	if err != nil {
		return err
	}

	return report(cmd, root, s, imp.ID)
}

// stageFile copies file into the upload directory so that the server can resume
// the import later. Dry runs read the file in place.
func stageFile(s *session, file string) (string, error) {
	info, err := os.Stat(file)
	if err != nil {
		return "", withCode(exitUsage, err)
	}
	if info.IsDir() {
		return "", withCode(exitUsage, errors.Errorf("%s is a directory", file))
	}
	if limit := int64(s.cfg.Import.MaxFileSize); limit > 0 && info.Size() > limit {
		return "", withCode(exitValidation, errors.Wrapf(ingest.ErrTooLarge, "%s is %d bytes, limit is %s", file, info.Size(), s.cfg.Import.MaxFileSize))
	}
	if s.dryRun {
		return filepath.Abs(file)
	}

	f, err := os.Open(file)
	if err != nil {
		return "", withCode(exitUsage, err)
	}
	defer f.Close()
	path, err := ingest.UploadDir(s.cfg.Import.StorageDir).Store(f)
	if err != nil {
		if errors.Is(err, ingest.ErrUnsupportedFile) {
			return "", withCode(exitValidation, err)
		}
		return "", err
	}
	return path, nil
}

// report waits for the import to settle and prints it. The import is printed even
// when the run fails or is interrupted.
func report(cmd *cobra.Command, root *rootOptions, s *session, id int64) error {
	ctx := cmd.Context()
	imp, runErr := s.settle(ctx, id)
	if imp == nil {
		return runErr
	}
	sum, err := summarize(context.WithoutCancel(ctx), s.engine.Imports(), imp)
	if err != nil {
		return err
	}
	sum.DryRun = s.dryRun
	if err := printSummary(cmd.OutOrStdout(), sum, root.json); err != nil {
		return err
	}
	return runErr
}

func singleRune(name, v string) (rune, error) {
	if utf8.RuneCountInString(v) != 1 {
		return 0, withCode(exitUsage, fmt.Errorf("--%s must be a single character, got %q", name, v))
	}
	r, _ := utf8.DecodeRuneInString(v)
	return r, nil
}
