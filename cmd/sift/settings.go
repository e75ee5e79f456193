package main

import (
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or update an index's settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get UID",
	Short: "Print an index's current settings as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		handle, err := e.indexes.Get(uid)
		if err != nil {
			return fmt.Errorf("resolving index %s: %w", uid, err)
		}

		var out []byte
		err = handle.Env.View(func(tx store.Tx) error {
			settings, err := indexengine.LoadSettings(tx)
			if err != nil {
				return err
			}
			out, err = json.MarshalIndent(settings, "", "  ")
			return err
		})
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var settingsUpdateCmd = &cobra.Command{
	Use:   "update UID",
	Short: "Enqueue a settingsUpdate task from a tri-state settings JSON file",
	Long: `Reads a Settings document (the same tri-state {"state", "value"} shape
LoadSettings returns) from --file (or stdin) and enqueues a
settingsUpdate task merging it over the index's current settings.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		filePath, _ := cmd.Flags().GetString("file")

		var data []byte
		var err error
		if filePath == "" || filePath == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(filePath)
		}
		if err != nil {
			return fmt.Errorf("reading settings payload: %w", err)
		}

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		details := tasks.SettingsUpdateDetails{IndexUID: uid, NewSettings: json.RawMessage(data)}
		t, err := e.tasks.Register(tasks.KindSettingsUpdate, details, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing settings update: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset UID",
	Short: "Enqueue a settingsUpdate task that resets every field to default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		reset := indexengine.Settings{
			DisplayedAttributes:  indexengine.Tri[[]string]{State: indexengine.TriReset},
			SearchableAttributes: indexengine.Tri[[]string]{State: indexengine.TriReset},
			FilterableAttributes: indexengine.Tri[[]indexengine.FilterableAttribute]{State: indexengine.TriReset},
			SortableAttributes:   indexengine.Tri[[]string]{State: indexengine.TriReset},
			RankingRules:         indexengine.Tri[[]indexengine.RankingRule]{State: indexengine.TriReset},
			StopWords:            indexengine.Tri[[]string]{State: indexengine.TriReset},
			Synonyms:             indexengine.Tri[map[string][]string]{State: indexengine.TriReset},
			DistinctAttribute:    indexengine.Tri[*string]{State: indexengine.TriReset},
			TypoTolerance:        indexengine.Tri[indexengine.TypoTolerance]{State: indexengine.TriReset},
			Pagination:           indexengine.Tri[indexengine.Pagination]{State: indexengine.TriReset},
			Faceting:             indexengine.Tri[indexengine.Faceting]{State: indexengine.TriReset},
		}
		raw, err := json.Marshal(reset)
		if err != nil {
			return err
		}

		details := tasks.SettingsUpdateDetails{IndexUID: uid, NewSettings: raw, IsDeletion: true}
		t, err := e.tasks.Register(tasks.KindSettingsUpdate, details, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing settings reset: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

func init() {
	settingsUpdateCmd.Flags().String("file", "", "Settings JSON file (default: stdin)")

	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsUpdateCmd)
	settingsCmd.AddCommand(settingsResetCmd)
}
