package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetops/director/pkg/compile"
)

type validateOpts struct {
	*rootOpts
	planOpts
}

func newValidate(parent *rootOpts) *validateOpts {
	return &validateOpts{rootOpts: parent}
}

func (opts *validateOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a deployment can be compiled, and report what needs compiling.",
		Example: makeExample(
			"director validate -m deploy.yml -r app.yml -r compiled-db.yml --stemcells stemcells.yml",
		),
		RunE: opts.RunE,
	}
	opts.planOpts.addFlags(cmd.Flags())
	return cmd
}

func (opts *validateOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	plan, err := opts.plan()
	if err != nil {
		return err
	}
	store, closeStore, err := opts.store(opts.logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	finder := compile.NewFinder(store, opts.logger)
	if err := compile.NewValidator(plan.Releases, finder).Validate(ctx, plan.InstanceGroups); err != nil {
		if verr, ok := err.(*compile.ValidationError); ok {
			for _, f := range verr.Faults {
				fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", f)
			}
			return fmt.Errorf("deployment %s has %d problems", plan.Name, len(verr.Faults))
		}
		return err
	}

	graph, err := compile.NewGenerator(plan.Releases, finder, opts.logger).Generate(ctx, plan.InstanceGroups)
	if err != nil {
		return err
	}
	unresolved := graph.Unresolved()
	fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s needs %d packages, %d to compile\n", plan.Name, graph.Len(), len(unresolved))
	for _, r := range unresolved {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", r)
	}
	return nil
}
