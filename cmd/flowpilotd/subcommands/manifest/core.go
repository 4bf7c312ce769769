//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package manifest implements flowpilotd's `manifest lint` and
// `manifest list` subcommands, grounded on the teacher's mpe lint
// command's file-by-file ✓/✗ reporting style, generalized to FlowPilot's
// manifest schema instead of PolicyDomain YAML/Rego.
package manifest

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/flowpilot/flowpilot/pkg/manifest"
)

// ExecuteLint loads every manifest under --dir (or FLOWPILOT_MANIFEST_DIR)
// and reports per-policy success/failure.
func ExecuteLint(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.String("dir")

	reg, err := manifest.NewRegistry(dir)
	if err != nil {
		fmt.Printf("✗ %s\n", err)
		return fmt.Errorf("manifest lint failed")
	}

	for _, name := range reg.ListNames() {
		m, _ := reg.GetByName(name)
		fmt.Printf("✓ %s: package=%s, %d attributes, %d persona titles\n",
			name, m.RulePackage, len(m.Attributes), len(m.PersonaConfig.PersonaTitles))
	}
	fmt.Printf("All checks passed: %d manifest(s) validated successfully\n", len(reg.ListNames()))
	return nil
}

// ExecuteList prints the names of every loaded manifest, one per line.
func ExecuteList(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.String("dir")

	reg, err := manifest.NewRegistry(dir)
	if err != nil {
		return err
	}
	for _, name := range reg.ListNames() {
		fmt.Println(name)
	}
	return nil
}
