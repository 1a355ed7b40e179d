package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/license"
	"github.com/mmeshcher/plugin-storefront/internal/model"
)

// adminService: операции сервиса, доступные из утилиты.
type adminService interface {
	ExportOrdersCSV(ctx context.Context, w io.Writer, marketingOnly bool) error
	ExportSubscribersCSV(ctx context.Context, w io.Writer) error
	RenameEmail(ctx context.Context, oldEmail, newEmail string) (int64, error)
	AddSubscriber(ctx context.Context, email string) error
	IssueReplacementLicense(ctx context.Context, email, family string) (string, error)
}

type opener func(ctx context.Context) (adminService, func(), error)

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "storectl",
		Short:         "Administrative tasks for the plugin storefront",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(exportCmd(open))
	rootCmd.AddCommand(renameEmailCmd(open))
	rootCmd.AddCommand(addSubscriberCmd(open))
	rootCmd.AddCommand(issueLicenseCmd(open))
	rootCmd.AddCommand(validateKeyCmd())
	rootCmd.AddCommand(catalogCmd())

	return rootCmd
}

// withService открывает сервис на время выполнения команды.
func withService(cmd *cobra.Command, open opener, fn func(ctx context.Context, svc adminService) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}

func exportCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "export [orders|subscribers]",
		Short:     "Export orders or marketing subscribers as CSV",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"orders", "subscribers"},
		RunE: func(cmd *cobra.Command, args []string) error {
			marketing, _ := cmd.Flags().GetBool("marketing")
			outPath, _ := cmd.Flags().GetString("out")

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			return withService(cmd, open, func(ctx context.Context, svc adminService) error {
				switch args[0] {
				case "orders":
					return svc.ExportOrdersCSV(ctx, w, marketing)
				case "subscribers":
					return svc.ExportSubscribersCSV(ctx, w)
				default:
					return fmt.Errorf("unknown export %q, want orders or subscribers", args[0])
				}
			})
		},
	}

	cmd.Flags().BoolP("marketing", "m", false, "Only orders with marketing consent")
	cmd.Flags().StringP("out", "o", "", "Write CSV to file instead of stdout")

	return cmd
}

func renameEmailCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rename-email [old] [new]",
		Short: "Move all orders from one email address to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(ctx context.Context, svc adminService) error {
				n, err := svc.RenameEmail(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %d order(s)\n", n)
				return nil
			})
		},
	}
}

func addSubscriberCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "add-subscriber [email]",
		Short: "Add an address to the marketing list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(ctx context.Context, svc adminService) error {
				if err := svc.AddSubscriber(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s\n", args[0])
				return nil
			})
		},
	}
}

func issueLicenseCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-license [email]",
		Short: "Issue and email a replacement license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, _ := cmd.Flags().GetString("family")
			return withService(cmd, open, func(ctx context.Context, svc adminService) error {
				key, err := svc.IssueReplacementLicense(ctx, args[0], family)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}

	cmd.Flags().StringP("family", "f", "", "License family (defaults to the main licensed plugin)")

	return cmd
}

func validateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-key [key]",
		Short: "Check the format and checksum of a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, _ := cmd.Flags().GetString("family")
			key := strings.TrimSpace(args[0])
			if family == "" {
				family = license.Family(key)
			}
			if !license.Validate(key, strings.ToUpper(family)) {
				return fmt.Errorf("license key is not valid for family %q", family)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid %s key\n", strings.ToUpper(family))
			return nil
		},
	}

	cmd.Flags().StringP("family", "f", "", "Expected license family")

	return cmd
}

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List catalog products and their installers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range cat.Products() {
				platforms := make([]string, 0, len(p.Files))
				for _, pl := range model.Platforms {
					if _, ok := p.Files[pl]; ok {
						platforms = append(platforms, string(pl))
					}
				}
				sort.Strings(platforms)
				fam := "-"
				if p.License != nil {
					fam = p.License.Family
				}
				fmt.Fprintf(out, "%-4s %-22s %-10s %s\n", p.ID, p.Name, fam, strings.Join(platforms, ","))
			}
			return nil
		},
	}
}
