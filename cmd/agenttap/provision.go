package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"agenttap/internal/app"
)

var agentBindings = map[string]string{
	"agent.version":  "agent-version",
	"agent.repo":     "agent-repo",
	"agent.base_url": "agent-url",
	"agent.manifest": "manifest",
	"agent.platform": "platform",
	"agent.arch":     "arch",
}

func addAgentFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("agent-version", "", `agent version or "latest"`)
	f.String("agent-repo", "", "owner/repo queried to resolve \"latest\"")
	f.String("agent-url", "", "agent download URL template ({version}, {platform}, {arch})")
	f.String("manifest", "", "digest manifest (default ~/.agenttap/digests.yaml)")
	f.String("platform", "", "target platform: android, ios, linux")
	f.String("arch", "", "target architecture: arm, arm64, x86, x86_64")
	f.String("digest", "", "expected agent digest (sha256:HEX or blake3:HEX); overrides the manifest")
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func (c *cli) provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Download and verify the agent for a platform and architecture",
		Long: `Download the agent binary for the configured platform and architecture
into the cache, verify it against the digest manifest and remove other
cached versions for the same platform and architecture.

An agent without a known digest is rejected. Pin one with --digest or add
it to ~/.agenttap/digests.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, agentBindings)
			if err != nil {
				return err
			}
			e, err := c.setup(cfg)
			if err != nil {
				return err
			}
			defer e.close()

			svc := e.service()
			ctx := cmd.Context()
			ver, err := e.resolveVersion(ctx)
			if err != nil {
				return err
			}
			plat, arch, err := cfg.Target()
			if err != nil {
				return err
			}
			if err := e.pinDigest(cmd, app.AgentKey(plat, arch, ver)); err != nil {
				return err
			}

			artifact, err := svc.ProvisionAgent(ctx, plat, arch, ver)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s\n  path:   %s\n  digest: %s\n", artifact.Key, artifact.Path, artifact.Digest)
			return nil
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func (c *cli) cleanCmd() *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached agent versions",
		Long: `Remove cached agent binaries for the configured platform and architecture.
With --keep, that version is retained and every other one is removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, map[string]string{
				"agent.platform": "platform",
				"agent.arch":     "arch",
			})
			if err != nil {
				return err
			}
			e, err := c.setup(cfg)
			if err != nil {
				return err
			}
			defer e.close()

			plat, arch, err := cfg.Target()
			if err != nil {
				return err
			}
			prefix := app.AgentKey(plat, arch, "").Prefix()
			removed, err := e.provisioner.Cleanup(prefix, app.AgentExt, strings.TrimPrefix(keep, "v"))
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(c.out, "nothing to remove")
				return nil
			}
			for _, p := range removed {
				fmt.Fprintf(c.out, "removed %s\n", filepath.Join(e.store.Root(), filepath.FromSlash(p)))
			}
			return nil
		},
	}
	cmd.Flags().String("platform", "", "target platform: android, ios, linux")
	cmd.Flags().String("arch", "", "target architecture: arm, arm64, x86, x86_64")
	cmd.Flags().StringVar(&keep, "keep", "", "version to keep")
	return cmd
}
