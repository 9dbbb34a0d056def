/*
Copyright © 2024 The bootupd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coreos/bootupd/pkg/bootupd"
	"github.com/coreos/bootupd/pkg/config"
	"github.com/coreos/bootupd/pkg/logging"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// installOptions mirrors the install command's flags, decoded from Viper via
// mapstructure the way the teacher assembles its own RunConfig.
type installOptions struct {
	Device         string `mapstructure:"device"`
	Configs        string `mapstructure:"configs"`
	UpdateFirmware bool   `mapstructure:"update-firmware"`
}

func main() {
	// Load a .env file, if present, into the process environment. No flag
	// below takes its value from an environment variable.
	_ = godotenv.Load()

	var debug bool
	var sysroot string
	var componentsFile string

	root := &cobra.Command{
		Use:           "bootupd",
		Short:         "Manage updatable boot-firmware components",
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose logging")
	root.PersistentFlags().StringVar(&sysroot, "sysroot", "/", "path to the target system root")
	root.PersistentFlags().StringVar(&componentsFile, "components-config", "", "override components.yaml path (dev/test only)")

	engine := func() (*bootupd.Engine, error) {
		log := logging.New()
		if debug {
			log.SetDebug()
		}
		var override *config.ComponentOverride
		if componentsFile != "" {
			o, err := config.LoadComponentOverride(componentsFile)
			if err != nil {
				return nil, err
			}
			override = o
		}
		return &bootupd.Engine{
			Runner:            sysiface.NewOSRunner(),
			Mounter:           sysiface.NewOSMounter(),
			Sys:               sysiface.NewOSSyscall(),
			Fs:                sysiface.NewOSFs(),
			Log:               log,
			ComponentOverride: override,
		}, nil
	}

	root.AddCommand(installCmd(engine), generateUpdateMetadataCmd(engine), updateCmd(engine),
		adoptAndUpdateCmd(engine), validateCmd(engine), statusCmd(engine, &sysroot))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func installCmd(newEngine func() (*bootupd.Engine, error)) *cobra.Command {
	v := viper.New()
	opts := installOptions{Configs: "static"}

	cmd := &cobra.Command{
		Use:   "install SOURCE_ROOT DEST_ROOT",
		Short: "Install all applicable components into a freshly-composed root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v.BindPFlags(cmd.Flags())
			var decoded installOptions
			if err := mapstructure.Decode(v.AllSettings(), &decoded); err != nil {
				return err
			}
			if decoded.Device != "" {
				opts.Device = decoded.Device
			}

			e, err := newEngine()
			if err != nil {
				return err
			}
			return e.Install(args[0], args[1], opts.Device, opts.UpdateFirmware, opts.Configs != "none")
		},
	}
	cmd.Flags().StringVar(&opts.Device, "device", "", "whole-disk device to install BIOS/EFI onto")
	cmd.Flags().StringVar(&opts.Configs, "configs", opts.Configs, "grub config strategy: none|static|static-uuid")
	cmd.Flags().BoolVar(&opts.UpdateFirmware, "update-firmware", false, "also update the EFI boot entry's firmware target")
	return cmd
}

func generateUpdateMetadataCmd(newEngine func() (*bootupd.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-update-metadata SYSROOT",
		Short: "Refresh each component's available-update metadata from an OS tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			return e.GenerateUpdateMetadata(args[0])
		},
	}
}

func updateCmd(newEngine func() (*bootupd.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "update SYSROOT COMPONENT",
		Short: "Apply an available update to an installed component",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			result, err := e.Update(args[0], args[1])
			if err != nil {
				return err
			}
			if result.AtLatestVersion {
				fmt.Println("already at the latest available version")
				return nil
			}
			fmt.Printf("updated %s: %s -> %s\n", args[1], result.Previous.Version, result.New.Version)
			return nil
		},
	}
}

func adoptAndUpdateCmd(newEngine func() (*bootupd.Engine, error)) *cobra.Command {
	var withStaticConfig bool
	cmd := &cobra.Command{
		Use:   "adopt-and-update SYSROOT COMPONENT",
		Short: "Adopt an unmanaged component installation and update it in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			update, err := e.AdoptAndUpdate(args[0], args[1], withStaticConfig)
			if err != nil {
				return err
			}
			fmt.Printf("adopted and updated %s to %s\n", args[1], update.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withStaticConfig, "with-static-configs", false, "also migrate to the static GRUB config tree")
	return cmd
}

func validateCmd(newEngine func() (*bootupd.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate SYSROOT COMPONENT",
		Short: "Verify an installed component's on-disk content matches its recorded state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			return e.Validate(args[0], args[1])
		},
	}
}

func statusCmd(newEngine func() (*bootupd.Engine, error), sysroot *string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installed/pending/updatable state of every component",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			st, err := e.Status(*sysroot)
			if err != nil {
				return err
			}
			if verbose {
				fmt.Println(litter.Sdump(st))
				return nil
			}
			if !st.SupportedArchitecture {
				fmt.Println("unsupported architecture")
				return nil
			}
			for _, c := range st.Components {
				switch {
				case c.Installed == nil:
					fmt.Printf("%s: not installed\n", c.Name)
				case c.Updatable:
					fmt.Printf("%s: %s (update available)\n", c.Name, c.Installed.Meta.Version)
				default:
					fmt.Printf("%s: %s\n", c.Name, c.Installed.Meta.Version)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "dump the full status structure")
	return cmd
}
