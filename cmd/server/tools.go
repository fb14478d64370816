package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/factory"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/target"
	"marketplace-auth/internal/util"
)

// createAdminCmd is the only way to create an admin; the role cannot be self-assigned
func createAdminCmd() *cobra.Command {
	var email, phone, name, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a verified admin account in the configured user store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			defer util.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			t, err := target.Parse(phone, email, cfg.OTP.DefaultRegion)
			if err != nil {
				return err
			}
			if cfg.Backends.Users == config.BackendMemory {
				return errors.New("create-admin needs a persistent user backend")
			}

			f, err := factory.NewFactory(ctx, cfg)
			if err != nil {
				return err
			}
			defer f.Close()

			users := f.ServiceFactory().UserService()
			user, err := users.CreateUser(ctx, &service.UserCreateRequest{
				Name:            name,
				Target:          t,
				Password:        password,
				Role:            models.RoleAdmin,
				AllowPrivileged: true,
			})
			if err != nil {
				return err
			}
			if _, err := users.MarkTargetVerified(ctx, user.UserID, t.Kind); err != nil {
				return err
			}
			fmt.Println(user.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&phone, "phone", "", "admin phone")
	cmd.Flags().StringVar(&name, "name", "Administrator", "display name")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func genSigningKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-signing-key",
		Short: "Generate an Ed25519 key pair for JWT_PRIVATE_KEY and JWT_PUBLIC_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, public, err := service.GenerateEd25519Key()
			if err != nil {
				return err
			}
			fmt.Printf("JWT_SIGNING_METHOD=ed25519\nJWT_PRIVATE_KEY=%s\nJWT_PUBLIC_KEY=%s\n", seed, public)
			return nil
		},
	}
}

// benchHashCmd helps pick argon2 costs for the target hardware
func benchHashCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "bench-hash",
		Short: "Measure argon2id hashing time with the configured parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if iterations <= 0 {
				return errors.New("iterations must be positive")
			}
			elapsed := hashing.NewHasher(cfg).Benchmark(iterations)
			if elapsed == 0 {
				return errors.New("benchmark failed")
			}
			fmt.Printf("%d hashes in %s (%s per hash, memory=%dKiB time=%d parallelism=%d)\n",
				iterations, elapsed, elapsed/time.Duration(iterations),
				cfg.Hashing.Argon2MemoryCost, cfg.Hashing.Argon2TimeCost, cfg.Hashing.Argon2Parallelism)
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 20, "number of hashes")
	return cmd
}
