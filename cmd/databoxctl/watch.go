package main

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/databox/internal/core/databox/storage"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var noFetch bool
	cmd := &cobra.Command{
		Use:   "watch [databox] [input-json]",
		Short: "Follow a databox and print its data on every change",
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

			changes := make(chan struct{}, 1)
			raw := s.databox.Storage()
			if _, err = raw.OnDataChange(func(storage.Change) {
				select {
				case changes <- struct{}{}:
				default:
				}
			}); err != nil {
				return err
			}

			if !noFetch {
				if _, err = s.databox.Fetch(cmd.Context(), input); err != nil {
					return err
				}
			}

			for {
				select {
				case <-changes:
					if err = printJSON(cmd, raw.GetData(false)); err != nil {
						return err
					}
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&noFetch, "no-fetch", false, "only print pushed changes")
	return cmd
}
