package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rebac-core/pkg/sdk"
)

func newSDKClient(cmd *cobra.Command) *sdk.Client {
	addr, _ := cmd.Flags().GetString("server")
	return sdk.NewClient(addr)
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://127.0.0.1:8080", "rebacd server address")
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage a tenant's schema",
}

var schemaUploadCmd = &cobra.Command{
	Use:   "upload TENANT FILE",
	Short: "Upload a new schema version from a YAML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, path := args[0], args[1]
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		version, err := newSDKClient(cmd).UploadSchema(ctx, tenant, source)
		if err != nil {
			return err
		}
		fmt.Printf("uploaded schema version %d for tenant %q\n", version, tenant)
		return nil
	},
}

var schemaActivateCmd = &cobra.Command{
	Use:   "activate TENANT VERSION",
	Short: "Activate a previously uploaded schema version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return schemaTransition(cmd, args, false)
	},
}

var schemaRollbackCmd = &cobra.Command{
	Use:   "rollback TENANT VERSION",
	Short: "Roll back to a previously active schema version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return schemaTransition(cmd, args, true)
	},
}

func schemaTransition(cmd *cobra.Command, args []string, rollback bool) error {
	tenant := args[0]
	var version int
	if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
		return fmt.Errorf("invalid version %q: %w", args[1], err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client := newSDKClient(cmd)
	if rollback {
		if err := client.RollbackSchema(ctx, tenant, version); err != nil {
			return err
		}
		fmt.Printf("rolled back tenant %q to schema version %d\n", tenant, version)
		return nil
	}
	if err := client.ActivateSchema(ctx, tenant, version); err != nil {
		return err
	}
	fmt.Printf("activated schema version %d for tenant %q\n", version, tenant)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{schemaUploadCmd, schemaActivateCmd, schemaRollbackCmd} {
		addServerFlag(c)
		schemaCmd.AddCommand(c)
	}
}

var grantCmd = &cobra.Command{
	Use:   "grant TENANT SOURCE TARGET TYPE CAPABILITY",
	Short: "Grant a permission edge",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, source, target, relType, capability := args[0], args[1], args[2], args[3], args[4]

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		result, err := newSDKClient(cmd).Grant(ctx, tenant, source, target, relType,
			map[string]any{"capability": capability})
		if err != nil {
			return err
		}
		fmt.Printf("granted edge %s (version %d)\n", result.EdgeID, result.Version)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke TENANT SOURCE TARGET TYPE CAPABILITY",
	Short: "Revoke a permission edge by its (source, target, type, capability) tuple",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, source, target, relType, capability := args[0], args[1], args[2], args[3], args[4]

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		version, err := newSDKClient(cmd).RevokeByTuple(ctx, tenant, relType, source, target, capability)
		if err != nil {
			return err
		}
		fmt.Printf("revoked (version %d)\n", version)
		return nil
	},
}

var canCmd = &cobra.Command{
	Use:   "can TENANT SUBJECT CAPABILITY OBJECT",
	Short: "Check whether subject holds capability on object",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, subject, capability, object := args[0], args[1], args[2], args[3]

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		allowed, latency, err := newSDKClient(cmd).Can(ctx, tenant, subject, capability, object)
		if err != nil {
			return err
		}
		fmt.Printf("%t (%s)\n", allowed, latency)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{grantCmd, revokeCmd, canCmd} {
		addServerFlag(c)
	}
}
