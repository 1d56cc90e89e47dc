package main

import (
	"encoding/json"

	"forum_hierarchy/internal/domain/forum/model"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <node-id>",
	Short: "Print a node with its stored aggregate and revision log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		node, err := components.Repo.GetNode(ctx, args[0])
		if err != nil {
			return err
		}
		agg, err := components.Forum.Aggregate(ctx, args[0])
		if err != nil {
			return err
		}
		revisions, err := components.Forum.Revisions(ctx, args[0])
		if err != nil {
			return err
		}

		out := struct {
			Node      *model.Node      `json:"node"`
			Aggregate *model.Aggregate `json:"aggregate"`
			Revisions []model.Revision `json:"revisions"`
		}{node, agg, revisions}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
