package main

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type inspectedNode struct {
	Reference string `json:"reference"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	PrivateIP string `json:"private_ip"`
	PublicIP  string `json:"public_ip"`
	SSHKey    string `json:"ssh_key,omitempty"`
}

type inspectedCluster struct {
	ClusterID    string          `json:"cluster_id"`
	Backend      string          `json:"backend"`
	Variant      string          `json:"variant"`
	WorkspaceDir string          `json:"workspace_dir,omitempty"`
	Nodes        []inspectedNode `json:"nodes"`
}

func (p *provider) inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the nodes of a cluster",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := p.discover(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			inspected := inspect(c)
			switch output := viper.GetString(flags.Output); output {
			case "json":
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(inspected)
			case "table":
			default:
				return fmt.Errorf("unknown output format '%s'", output)
			}

			cmd.Printf("%-10s %s\n", "Cluster:", inspected.ClusterID)
			cmd.Printf("%-10s %s\n", "Backend:", inspected.Backend)
			cmd.Printf("%-10s %s\n", "Variant:", inspected.Variant)
			if inspected.WorkspaceDir != "" {
				cmd.Printf("%-10s %s\n", "Workspace:", inspected.WorkspaceDir)
			}
			cmd.Println()

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Reference", "Role", "Private IP", "Public IP", "Name"})
			for _, n := range inspected.Nodes {
				t.AppendRow(table.Row{n.Reference, n.Role, n.PrivateIP, n.PublicIP, n.Name})
			}
			t.Render()
			return nil
		},
	}

	fs := cmd.Flags()
	addClusterIDFlag(fs)
	fs.StringP(flags.Output, "o", "table", "output format (table, json)")
	return cmd
}

func inspect(c *cluster.Cluster) inspectedCluster {
	return inspectedCluster{
		ClusterID:    c.ID(),
		Backend:      string(c.Backend().Kind()),
		Variant:      string(c.Variant()),
		WorkspaceDir: c.WorkspaceDir(),
		Nodes: lo.Map(c.References(), func(r cluster.Reference, _ int) inspectedNode {
			return inspectedNode{
				Reference: r.Name,
				Role:      string(r.Role),
				Name:      r.Node.Name(),
				PrivateIP: addressString(r.Node.PrivateAddress()),
				PublicIP:  addressString(r.Node.PublicAddress()),
				SSHKey:    r.Node.SSHKeyPath(),
			}
		}),
	}
}

func addressString(addr netip.Addr) string {
	return lo.Ternary(addr.IsValid(), addr.String(), "")
}
