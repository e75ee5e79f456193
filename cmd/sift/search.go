package main

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cuemby/sift/internal/filter"
	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/search"
	"github.com/cuemby/sift/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search UID QUERY",
	Short: "Run a search query against an index and print the JSON result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		var text string
		if len(args) == 2 {
			text = args[1]
		}

		filterExpr, _ := cmd.Flags().GetString("filter")
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")
		sortKeys, _ := cmd.Flags().GetStringSlice("sort")
		facets, _ := cmd.Flags().GetStringSlice("facets")
		attributes, _ := cmd.Flags().GetStringSlice("attributes-to-retrieve")
		cropLength, _ := cmd.Flags().GetInt("crop-length")
		matchAll, _ := cmd.Flags().GetBool("match-all")

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		handle, err := e.indexes.Get(uid)
		if err != nil {
			return fmt.Errorf("resolving index %s: %w", uid, err)
		}

		q := search.Query{
			IndexUID:             uid,
			Text:                 text,
			Offset:               offset,
			Limit:                limit,
			SortKeys:             sortKeys,
			FacetsRequested:      facets,
			AttributesToRetrieve: attributes,
			CropLength:           cropLength,
		}
		if matchAll {
			q.Strategy = search.MatchAll
		}

		var result search.Result
		err = handle.Env.View(func(tx store.Tx) error {
			settings, err := indexengine.LoadSettings(tx)
			if err != nil {
				return err
			}
			idx := indexengine.NewTxFilterIndex(tx, settings)

			if strings.TrimSpace(filterExpr) != "" {
				tree, err := filter.Parse(filterExpr)
				if err != nil {
					return err
				}
				q.Filter = tree
			}

			result, err = search.Run(tx, settings, idx, q)
			return err
		})
		if err != nil {
			return fmt.Errorf("running search: %w", err)
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	searchCmd.Flags().String("filter", "", "Filter expression")
	searchCmd.Flags().Int("offset", 0, "Pagination offset")
	searchCmd.Flags().Int("limit", 20, "Pagination limit")
	searchCmd.Flags().StringSlice("sort", nil, "Sort keys, e.g. price:asc")
	searchCmd.Flags().StringSlice("facets", nil, "Facet attributes to aggregate distributions for")
	searchCmd.Flags().StringSlice("attributes-to-retrieve", nil, "Attributes to project into each hit")
	searchCmd.Flags().Int("crop-length", 0, "Crop length for the formatted/highlighted result")
	searchCmd.Flags().Bool("match-all", false, "Require every query term to match instead of falling back to the last-term-dropped strategy")
}
