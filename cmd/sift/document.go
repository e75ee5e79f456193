package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cuemby/sift/internal/tasks"
)

var documentCmd = &cobra.Command{
	Use:     "document",
	Aliases: []string{"doc"},
	Short:   "Add, update, delete and clear documents",
}

var documentAddCmd = &cobra.Command{
	Use:   "add UID",
	Short: "Stage an NDJSON file and enqueue a documentAdditionOrUpdate task",
	Long: `Reads newline-delimited JSON documents from --file (or stdin), stages
them as an update file, and enqueues a documentAdditionOrUpdate task with
the chosen merge method.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		filePath, _ := cmd.Flags().GetString("file")
		method, _ := cmd.Flags().GetString("method")
		primaryKey, _ := cmd.Flags().GetString("primary-key")
		allowCreate, _ := cmd.Flags().GetBool("allow-index-creation")

		var mergeMethod tasks.MergeMethod
		switch method {
		case "replace", "":
			mergeMethod = tasks.MethodReplace
		case "update":
			mergeMethod = tasks.MethodUpdate
		default:
			return fmt.Errorf("unknown --method %q (want replace or update)", method)
		}

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		contentUUID, count, err := stageNDJSON(e, filePath)
		if err != nil {
			return err
		}

		details := tasks.DocumentAdditionOrUpdateDetails{
			IndexUID:           uid,
			Method:             mergeMethod,
			ContentUUID:        contentUUID,
			DocumentsCount:     count,
			AllowIndexCreation: allowCreate,
		}
		if primaryKey != "" {
			details.PrimaryKey = &primaryKey
		}
		t, err := e.tasks.Register(tasks.KindDocumentAdditionOrUpdate, details, &contentUUID, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing document addition: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

// stageNDJSON reads either a JSON array or NDJSON from path (or stdin when
// path is empty), re-encodes every document as one NDJSON line in the
// update-file store, and returns its content uuid and document count.
func stageNDJSON(e *engine, path string) (string, int64, error) {
	var r io.Reader
	if path == "" || path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", 0, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading document payload: %w", err)
	}

	var docs []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(data, &docs); err != nil {
			return "", 0, fmt.Errorf("parsing JSON array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			docs = append(docs, json.RawMessage(cp))
		}
		if err := scanner.Err(); err != nil {
			return "", 0, fmt.Errorf("scanning NDJSON: %w", err)
		}
	}

	id, f, err := e.files.Create()
	if err != nil {
		return "", 0, err
	}
	w := bufio.NewWriter(f)
	for _, d := range docs {
		if _, err := w.Write(d); err != nil {
			f.Close()
			return "", 0, err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			f.Close()
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", 0, err
	}
	if err := e.files.Persist(f); err != nil {
		return "", 0, err
	}
	return id, int64(len(docs)), nil
}

var documentDeleteCmd = &cobra.Command{
	Use:   "delete UID ID...",
	Short: "Enqueue a documentDeletion task for the given document ids",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		ids := args[1:]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		details := tasks.DocumentDeletionDetails{IndexUID: uid, DocumentIDs: ids, ProvidedIDs: int64(len(ids))}
		t, err := e.tasks.Register(tasks.KindDocumentDeletion, details, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing document deletion: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var documentDeleteByFilterCmd = &cobra.Command{
	Use:   "delete-by-filter UID FILTER",
	Short: "Enqueue a documentDeletionByFilter task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, filterExpr := args[0], args[1]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		details := tasks.DocumentDeletionByFilterDetails{IndexUID: uid, Filter: filterExpr}
		t, err := e.tasks.Register(tasks.KindDocumentDeletionByFilter, details, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing document deletion by filter: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var documentClearCmd = &cobra.Command{
	Use:   "clear UID",
	Short: "Enqueue a documentClear task, removing every document from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.tasks.Register(tasks.KindDocumentClear, tasks.DocumentClearDetails{IndexUID: uid}, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing document clear: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

func init() {
	documentAddCmd.Flags().String("file", "", "NDJSON or JSON-array file to stage (default: stdin)")
	documentAddCmd.Flags().String("method", "replace", "Merge method: replace or update")
	documentAddCmd.Flags().String("primary-key", "", "Primary key attribute, if the index doesn't have one yet")
	documentAddCmd.Flags().Bool("allow-index-creation", true, "Create the index if it does not exist")

	documentCmd.AddCommand(documentAddCmd)
	documentCmd.AddCommand(documentDeleteCmd)
	documentCmd.AddCommand(documentDeleteByFilterCmd)
	documentCmd.AddCommand(documentClearCmd)
}
