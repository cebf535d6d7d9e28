package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/depot/internal/domain"
	"github.com/oriys/depot/internal/metrics"
	"github.com/oriys/depot/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func putCmd() *cobra.Command {
	var (
		id   string
		kind string
	)

	cmd := &cobra.Command{
		Use:   "put [key=value...]",
		Short: "Create or update a record",
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttributes(args)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.New().String()
			}

			s, err := openStore(cmd.Context(), cfg, metrics.Noop{})
			if err != nil {
				return err
			}
			defer s.Close()

			now := time.Now()
			rec, ok, err := s.Fetch(cmd.Context(), id)
			if err != nil {
				return err
			}
			if ok {
				if kind != "" {
					rec.Kind = kind
				}
				rec.Merge(attrs, now)
			} else {
				rec = domain.NewRecord(id, kind, attrs, now)
			}
			if err := rec.Validate(); err != nil {
				return err
			}

			if err := s.Save(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Println(rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Record ID (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "", "Record kind")

	return cmd
}

func getCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), cfg, metrics.Noop{})
			if err != nil {
				return err
			}
			defer s.Close()

			rec, ok, err := s.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("record not found: %s", args[0])
			}
			return printRecord(rec, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json, yaml")

	return cmd
}

func printRecord(rec *domain.Record, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(rec); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

func listCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List records",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), cfg, metrics.Noop{})
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.FetchAll(cmd.Context())
			if err != nil {
				return err
			}
			if kind != "" {
				recs = storage.Filter(recs, domain.HasKind(kind))
			}

			if len(recs) == 0 {
				fmt.Println("No records")
				return nil
			}

			sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tATTRIBUTES\tUPDATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.ID,
					r.Kind,
					truncate(formatAttributes(r.Attributes), 60),
					r.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only list records of this kind")

	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Short:   "Delete a record",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), cfg, metrics.Noop{})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Record deleted: %s\n", args[0])
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to delete every record without --force")
			}
			s, err := openStore(cmd.Context(), cfg, metrics.Noop{})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("All records deleted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm deletion")

	return cmd
}

// parseAttributes turns key=value arguments into a map.
func parseAttributes(args []string) (map[string]string, error) {
	attrs := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", arg)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func formatAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, ",")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
