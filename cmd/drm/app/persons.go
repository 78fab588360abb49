// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/darkroomlabs/darkroom/pkg/store"
)

func newPersonsCommand() *cobra.Command {
	personsCmd := &cobra.Command{
		Use:   "persons",
		Short: "Inspect and administer the person graph",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persons",
		RunE:  personsListCmdFunc,
	}
	listCmd.Flags().String("name", "", "Filter by display name substring")

	renameCmd := &cobra.Command{
		Use:   "rename",
		Short: "Rename a person",
		RunE:  personsRenameCmdFunc,
	}
	renameCmd.Flags().String("id", "", "Person id")
	renameCmd.Flags().String("name", "", "New display name")
	_ = renameCmd.MarkFlagRequired("id")
	_ = renameCmd.MarkFlagRequired("name")

	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge source persons into a target",
		RunE:  personsMergeCmdFunc,
	}
	mergeCmd.Flags().String("target", "", "Target person id")
	mergeCmd.Flags().StringArray("source", nil, "Source person id (repeatable)")
	_ = mergeCmd.MarkFlagRequired("target")
	_ = mergeCmd.MarkFlagRequired("source")

	personsCmd.AddCommand(listCmd, renameCmd, mergeCmd)
	return personsCmd
}

func personsListCmdFunc(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd.Context(), configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	name, _ := cmd.Flags().GetString("name")
	persons, total, err := app.Store.ListPersons(cmd.Context(), store.PersonFilter{
		Name:     name,
		PageSize: 100,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFACES\tSTATUS")
	for _, p := range persons {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.DisplayName, p.MemberCount, p.Status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d persons\n", len(persons), total)
	return nil
}

func personsRenameCmdFunc(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd.Context(), configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	if err := app.Store.RenamePerson(cmd.Context(), id, name); err != nil {
		return err
	}
	fmt.Printf("person %s renamed to %q\n", id, name)
	return nil
}

func personsMergeCmdFunc(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd.Context(), configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	target, _ := cmd.Flags().GetString("target")
	sources, _ := cmd.Flags().GetStringArray("source")
	merged, err := app.Store.MergePersons(cmd.Context(), target, sources)
	if err != nil {
		return err
	}
	fmt.Printf("merged %d persons into %s (%d faces)\n",
		len(sources), merged.ID, merged.MemberCount)
	return nil
}
