package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"atapbridge/internal/portal"
)

var (
	createType  string
	fieldsFile  string
	changesFile string
)

// profilesCmd groups the CRUD operations against portal profiles.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List, search, fetch, create and update portal profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all profiles visible to the session",
	RunE:  runProfilesList,
}

var profilesSearchCmd = &cobra.Command{
	Use:   "search [name]",
	Short: "Find a profile by exact name",
	Long: `Searches the profile listing for an exact (case-insensitive) name match.

Exactly one match resolves to the full profile. Zero matches is an error,
and more than one match is reported as ambiguous together with the
candidate rows - the adapter never picks one silently.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfilesSearch,
}

var profilesGetCmd = &cobra.Command{
	Use:   "get [type] [id]",
	Short: "Fetch one profile by collection and id",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilesGet,
}

var profilesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a profile from a JSON field map",
	Long: `Creates a profile from the flat field map in --fields.

The portal answers a successful create with a redirect. When the redirect
carries the new id it is printed; otherwise the result is marked pending
and the id can be recovered with 'atap profiles search'.`,
	RunE: runProfilesCreate,
}

var profilesUpdateCmd = &cobra.Command{
	Use:   "update [type] [id]",
	Short: "Update a profile with the changes in a JSON field map",
	Long: `Applies the field changes in --fields on top of the profile's current
form snapshot and resubmits the whole form (the portal blanks any field
left out of a submission, so partial bodies are never sent).`,
	Args: cobra.ExactArgs(2),
	RunE: runProfilesUpdate,
}

func init() {
	profilesCreateCmd.Flags().StringVarP(&createType, "type", "t", "individuals", "Profile collection (individuals or companies)")
	profilesCreateCmd.Flags().StringVarP(&fieldsFile, "fields", "f", "", "JSON file with the field map (required)")
	profilesCreateCmd.MarkFlagRequired("fields")

	profilesUpdateCmd.Flags().StringVarP(&changesFile, "fields", "f", "", "JSON file with the changed fields (required)")
	profilesUpdateCmd.MarkFlagRequired("fields")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesSearchCmd)
	profilesCmd.AddCommand(profilesGetCmd)
	profilesCmd.AddCommand(profilesCreateCmd)
	profilesCmd.AddCommand(profilesUpdateCmd)
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := adapter.Open(ctx); err != nil {
		return err
	}
	rows, err := adapter.List(ctx)
	if err != nil {
		return err
	}
	return printJSON(rows)
}

func runProfilesSearch(cmd *cobra.Command, args []string) error {
	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := adapter.Open(ctx); err != nil {
		return err
	}

	profile, err := adapter.Search(ctx, args[0])
	if err != nil {
		var ambiguous *portal.AmbiguousError
		if errors.As(err, &ambiguous) {
			// Surface the candidates so a human can pick.
			fmt.Fprintf(os.Stderr, "%v\n", ambiguous)
			return printJSON(map[string]interface{}{
				"error":   "ambiguous",
				"matches": ambiguous.Matches,
			})
		}
		return err
	}
	return printJSON(profile)
}

func runProfilesGet(cmd *cobra.Command, args []string) error {
	typ, err := portal.ParseEntityType(args[0])
	if err != nil {
		return err
	}
	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := adapter.Open(ctx); err != nil {
		return err
	}
	profile, err := adapter.FetchByID(ctx, typ, args[1])
	if err != nil {
		return err
	}
	return printJSON(profile)
}

func runProfilesCreate(cmd *cobra.Command, args []string) error {
	typ, err := portal.ParseEntityType(createType)
	if err != nil {
		return err
	}
	fields, err := readFieldMap(fieldsFile)
	if err != nil {
		return err
	}

	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := adapter.Open(ctx); err != nil {
		return err
	}
	result, err := adapter.Create(ctx, typ, fields)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runProfilesUpdate(cmd *cobra.Command, args []string) error {
	typ, err := portal.ParseEntityType(args[0])
	if err != nil {
		return err
	}
	changes, err := readFieldMap(changesFile)
	if err != nil {
		return err
	}

	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := adapter.Open(ctx); err != nil {
		return err
	}
	profile, err := adapter.Update(ctx, typ, args[1], changes)
	if err != nil {
		return err
	}
	return printJSON(profile)
}

// readFieldMap loads a flat {"field": "value"} JSON file.
func readFieldMap(path string) (portal.FormSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field map: %w", err)
	}
	var fields portal.FormSnapshot
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse field map: %w", err)
	}
	return fields, nil
}
