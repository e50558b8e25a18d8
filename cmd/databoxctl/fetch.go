package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newFetchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [databox] [input-json]",
		Short: "Fetch once and print the result",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, input, err := parseArgs(args)
			if err != nil {
				return err
			}
			s, err := opts.open(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer s.close()

			data, err := s.databox.Fetch(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
}

// parseArgs splits the optional databox name and JSON fetch input.
func parseArgs(args []string) (name string, input any, err error) {
	if len(args) > 0 {
		name = args[0]
	}
	if len(args) > 1 {
		if err = json.Unmarshal([]byte(args[1]), &input); err != nil {
			return "", nil, errors.Wrap(err, "invalid input json")
		}
	}
	return name, input, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
