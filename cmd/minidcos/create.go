package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/gammadia/minidcos/cmd/minidcos/log"
	"github.com/gammadia/minidcos/cmd/minidcos/ui"
	"github.com/gammadia/minidcos/installer"
	"github.com/gammadia/minidcos/platform"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func (p *provider) createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create INSTALLER",
		Short: "Create a DC/OS cluster",
		Long: `Create a DC/OS cluster from a local installer script.

DC/OS Enterprise clusters get a default superuser "admin" with password
"admin", fault domains disabled and, when one is found, a license. The license
is taken from the license_key_contents of --extra-config, then from the file
given with --license-key, then from the file named by DCOS_LICENSE_KEY_PATH.`,
		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			spinner := ui.NewSpinner("Creating cluster configuration")
			settings, err := p.readCreateSettings(ctx, args[0])
			if err != nil {
				spinner.Fail()
				return err
			}
			spinner.Success("Configuration created")

			spinner = ui.NewSpinner("Creating cluster nodes")
			c, err := cluster.Create(ctx, settings.backend, cluster.Options{
				ClusterID:     viper.GetString(flags.ClusterID),
				Masters:       viper.GetInt(flags.Masters),
				Agents:        viper.GetInt(flags.Agents),
				PublicAgents:  viper.GetInt(flags.PublicAgents),
				Variant:       settings.variant,
				WorkspaceBase: settings.workspaceBase,
				Logger:        log.Base,
			})
			if err != nil {
				spinner.Fail()
				return fmt.Errorf("%w. Try %q for troubleshooting help.", err, p.doctorCommand())
			}
			if err := installer.CopyToMasters(ctx, c.Masters(), settings.copies); err != nil {
				spinner.Fail()
				return errors.Join(err, c.Destroy(context.WithoutCancel(ctx)))
			}
			spinner.Success("Cluster nodes created")

			spinner = ui.NewSpinner("Installing DC/OS")
			err = installer.InstallFromPath(ctx, c, settings.installerPath, settings.extraConfig, "", settings.genconf, installer.Options{
				Variant:        settings.variant,
				Security:       viper.GetString(flags.SecurityMode),
				LicenseKeyPath: viper.GetString(flags.LicenseKey),
				Doctor:         p.doctorCommand(),
				WorkspaceBase:  settings.workspaceBase,
				Logger:         log.Base,
			})
			if err != nil {
				spinner.Fail()
				return err
			}
			spinner.Success("DC/OS installed")

			if viper.GetBool(flags.WaitForDCOS) {
				return p.wait(cmd, c)
			}

			cmd.Println(color.HiGreenString("Cluster %q started.", c.ID()))
			cmd.Printf("Run \"%s %s wait --%s %s\" to wait for DC/OS to become ready.\n", minidcosCmd.Name(), p.name, flags.ClusterID, c.ID())
			return nil
		},
	}

	fs := cmd.Flags()
	addClusterIDFlag(fs)
	addWaitFlags(fs)
	fs.Int(flags.Masters, 1, "number of master nodes")
	fs.Int(flags.Agents, 1, "number of agent nodes")
	fs.Int(flags.PublicAgents, 1, "number of public agent nodes")
	fs.String(flags.Variant, string(platform.Auto), "DC/OS variant of the installer (auto, oss, enterprise)")
	fs.String(flags.WorkspaceDir, "", "directory the cluster workspace is created in (default the system temporary directory)")
	fs.String(flags.ExtraConfig, "", "YAML file of extra installer configuration")
	fs.String(flags.LicenseKey, "", "license file of a DC/OS Enterprise cluster")
	fs.String(flags.SecurityMode, "", "security mode of a DC/OS Enterprise cluster (disabled, permissive, strict)")
	fs.String(flags.GenconfDir, "", "directory whose files are copied into the genconf directory of the installer")
	fs.StringArray(flags.CopyToMaster, nil, "file or directory copied to every master before installation, as <local path>:<remote path>")
	fs.Bool(flags.WaitForDCOS, false, "wait for DC/OS to be ready after installation")
	return cmd
}

type createSettings struct {
	backend       backend.Backend
	installerPath string
	variant       platform.Variant
	workspaceBase string
	extraConfig   map[string]any
	copies        []installer.FileCopy
	genconf       []installer.FileCopy
}

// readCreateSettings validates everything the command needs before any node
// is created, including the installer variant.
func (p *provider) readCreateSettings(ctx context.Context, installerArg string) (*createSettings, error) {
	settings := &createSettings{}

	installerPath, err := homedir.Expand(installerArg)
	if err != nil {
		return nil, err
	}
	if settings.installerPath, err = filepath.Abs(installerPath); err != nil {
		return nil, err
	}

	if settings.workspaceBase, err = homedir.Expand(viper.GetString(flags.WorkspaceDir)); err != nil {
		return nil, err
	}
	if settings.extraConfig, err = readExtraConfig(viper.GetString(flags.ExtraConfig)); err != nil {
		return nil, err
	}

	for _, item := range viper.GetStringSlice(flags.CopyToMaster) {
		fileCopy, err := installer.ParseFileCopy(item)
		if err != nil {
			return nil, err
		}
		settings.copies = append(settings.copies, fileCopy)
	}
	if dir := viper.GetString(flags.GenconfDir); dir != "" {
		if dir, err = homedir.Expand(dir); err != nil {
			return nil, err
		}
		if settings.genconf, err = installer.GenconfFiles(dir); err != nil {
			return nil, err
		}
	}

	variant, err := platform.ParseVariant(viper.GetString(flags.Variant))
	if err != nil {
		return nil, err
	}
	settings.variant, err = installer.ResolveVariant(ctx, variant, settings.installerPath, nil, settings.workspaceBase, p.doctorCommand())
	if err != nil {
		return nil, err
	}

	if settings.backend, err = p.open(ctx); err != nil {
		return nil, err
	}
	return settings, nil
}
