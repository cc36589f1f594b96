package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"buildcore/internal/digest"
	"buildcore/internal/engine"
)

func (a *app) casCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cas",
		Short: "Inspect and populate the content store",
	}

	put := &cobra.Command{
		Use:   "put FILE...",
		Short: "Store files and print their digests; - reads stdin",
		Args:  args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, files []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				for _, f := range files {
					data, err := readInput(cmd.InOrStdin(), f)
					if err != nil {
						return err
					}
					d, err := e.Store().Store(ctx, data)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "%s\t%s\n", d, f)
				}
				return nil
			})
		},
	}

	var out string
	get := &cobra.Command{
		Use:   "get DIGEST",
		Short: "Write a blob to stdout or to --output",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			d, err := parseDigest(argv[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				data, err := e.Store().Load(ctx, d)
				if err != nil {
					return &ExitError{Code: ExitFailure, Err: err}
				}
				if out == "" {
					_, err = a.stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	get.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")

	has := &cobra.Command{
		Use:   "has DIGEST...",
		Short: "Report which blobs are present; exits 1 if any is missing",
		Args:  args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ds := make([]digest.Digest, 0, len(argv))
			for _, s := range argv {
				d, err := parseDigest(s)
				if err != nil {
					return err
				}
				ds = append(ds, d)
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				missing, err := e.Store().FindMissing(ctx, ds)
				if err != nil {
					return err
				}
				absent := make(map[digest.Digest]bool, len(missing))
				for _, d := range missing {
					absent[d] = true
				}
				for _, d := range ds {
					state := "present"
					if absent[d] {
						state = "missing"
					}
					fmt.Fprintf(a.stdout, "%s\t%s\n", d, state)
				}
				if len(missing) > 0 {
					return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%d of %d blobs missing", len(missing), len(ds))}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(put, get, has)
	return cmd
}

func (a *app) withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	c, err := a.config()
	if err != nil {
		return err
	}
	e, err := a.open(ctx, c)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func parseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return digest.Digest{}, invalidInvocationf("invalid digest %q: %v", s, err)
	}
	return d, nil
}
