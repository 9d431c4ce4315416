// Package cache inspects and prunes the persistent cache store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dinoproject/dinocache/internal/app"
	"github.com/dinoproject/dinocache/internal/conf"
	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/logger"
)

// EnvFunc loads settings and builds the logger.
type EnvFunc func() (*conf.Settings, logger.Logger, error)

// Namespace is one row of "cache list".
type Namespace struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Active  bool   `json:"active"`
}

// Command returns the cache command group.
func Command(env EnvFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune cache namespaces",
	}
	cmd.AddCommand(listCommand(env), pruneCommand(env))
	return cmd
}

func listCommand(env EnvFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cache namespaces with their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(env, func(st *app.Storage) error {
				rows, err := List(cmd.Context(), st)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}
				return printTable(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func pruneCommand(env EnvFunc) *cobra.Command {
	var (
		keep  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete every namespace except one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, log, err := env()
			if err != nil {
				return err
			}
			if keep == "" {
				keep = settings.Cache.Version
			}
			st, err := app.OpenStorage(settings, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			deleted, err := Prune(cmd.Context(), st, keep, force)
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "namespace to keep (default cache.version)")
	cmd.Flags().BoolVar(&force, "force", false, "prune even when the kept namespace is not the active one")
	return cmd
}

func withStorage(env EnvFunc, fn func(*app.Storage) error) error {
	settings, log, err := env()
	if err != nil {
		return err
	}
	st, err := app.OpenStorage(settings, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(st)
}

// List returns every namespace in st.
func List(ctx context.Context, st *app.Storage) ([]Namespace, error) {
	active, err := activeVersion(st)
	if err != nil {
		return nil, err
	}
	names, err := st.Store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Namespace, 0, len(names))
	for _, name := range names {
		ns, err := st.Store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		n, err := ns.Len(ctx)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Namespace{Name: name, Entries: n, Active: name == active})
	}
	return rows, nil
}

// Prune deletes every namespace except keep. Deleting the namespace of the
// active version requires force. Failures do not stop other deletions.
func Prune(ctx context.Context, st *app.Storage, keep string, force bool) ([]string, error) {
	active, err := activeVersion(st)
	if err != nil {
		return nil, err
	}
	if active != "" && active != keep && !force {
		return nil, errors.Newf("active version is %q; pass --force to delete it", active).
			Component("cli").
			Category(errors.CategoryValidation).
			Build()
	}

	names, err := st.Store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if name == keep {
			continue
		}
		ok, err := st.Store.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}

func activeVersion(st *app.Storage) (string, error) {
	if st.States == nil {
		return "", nil
	}
	return st.States.ActiveVersion()
}

func printTable(w io.Writer, rows []Namespace) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tENTRIES\tACTIVE")
	for _, r := range rows {
		active := ""
		if r.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Name, r.Entries, active)
	}
	return tw.Flush()
}
