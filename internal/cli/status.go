package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/warren-db/warren/internal/bus"
	"github.com/warren-db/warren/internal/store"
)

// NewStatusCommand creates the status command: it connects to the
// configured backend and prints record counts.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store contents summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			registry, err := cfg.Registry()
			if err != nil {
				return err
			}
			st := store.New(b, registry, bus.New(nil), nil)
			defer st.Close()

			total, err := st.Count(ctx, store.Filter{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend:  %s\n", b.Name())
			fmt.Fprintf(out, "records:  %d\n", total)

			types := registry.Types()
			sort.Strings(types)
			for _, typ := range types {
				n, err := st.Count(ctx, store.Filter{Type: typ})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-24s %d\n", typ, n)
			}
			return nil
		},
	}
}
