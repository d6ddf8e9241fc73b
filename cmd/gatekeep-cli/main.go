package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/client"
	"github.com/denizumutdereli/gatekeep/pkg/core"
)

func main() {
	var connectStr string

	c := &cli{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	rootCmd := &cobra.Command{
		Use:   "gatekeep-cli",
		Short: "gatekeep CLI - account client for gatekeep servers",
		Long:  "A command-line client that drives the gatekeep account API, fetching a captcha token for every gated call.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if connectStr == "" {
				connectStr = os.Getenv("GATEKEEP_URL")
			}
			if connectStr == "" {
				connectStr = "gatekeep://localhost:8080"
			}
			info, err := core.ParseConnString(connectStr)
			if err != nil {
				return fmt.Errorf("invalid connection string: %w", err)
			}
			c.conn = info
			c.api = client.NewAPI(info.BaseURL(), c.httpClient)
			c.api.SetSession(info.Session)
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&connectStr, "connect", "", "Connection string (gatekeep://[session@]host[:port])")
	rootCmd.PersistentFlags().StringVar(&c.captchaToken, "captcha-token", "", "Use this provider token instead of the server's dev challenge endpoint")

	// ── Health ──────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.plain(cmd.Context(), c.api.Health())
		},
	})

	// ── Auth ────────────────────────────────────────────────
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			return c.mutate(cmd.Context(), captcha.ActionRegister, c.api.Register(client.RegisterRequest{
				Email: email, Username: username, Password: password,
			}))
		},
	}
	registerCmd.Flags().String("email", "", "Email address")
	registerCmd.Flags().String("username", "", "Username")
	registerCmd.Flags().String("password", "", "Password")
	rootCmd.AddCommand(registerCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "login [email-or-username] [password]",
		Short: "Start a session and print its connection string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.mutate(cmd.Context(), captcha.ActionLogin, c.api.Login(client.LoginRequest{
				Login: args[0], Password: args[1],
			})); err != nil {
				return err
			}
			return c.printSessionHint()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.plain(cmd.Context(), c.api.Logout())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "verify [token]",
		Short: "Confirm an email address with the token that was sent to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd.Context(), captcha.ActionVerify, c.api.VerifyEmail(args[0]))
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "forgot-password [email]",
		Short: "Request a password reset token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd.Context(), captcha.ActionForgotPassword, c.api.ForgotPassword(args[0]))
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset-password [token] [new-password]",
		Short: "Set a new password with a reset token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd.Context(), captcha.ActionResetPassword, c.api.ResetPassword(args[0], args[1]))
		},
	})

	// ── Profile ─────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "me",
		Short: "Show the account behind the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.plain(cmd.Context(), c.api.Me())
		},
	})

	profileCmd := &cobra.Command{
		Use:   "update-profile [user-id]",
		Short: "Replace the editable profile (PUT)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var in client.ProfileRequest
			in.Email, _ = f.GetString("email")
			in.Username, _ = f.GetString("username")
			in.DisplayName, _ = f.GetString("display-name")
			in.Bio, _ = f.GetString("bio")
			return c.mutate(cmd.Context(), captcha.ActionUpdateProfile, c.api.UpdateProfile(args[0], in))
		},
	}
	addProfileFlags(profileCmd)
	rootCmd.AddCommand(profileCmd)

	setCmd := &cobra.Command{
		Use:   "set [user-id]",
		Short: "Change only the given profile fields (PATCH)",
		Long: `Change only the fields passed as flags. Changing the password
requires --current-password.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			changed := func(name string) *string {
				if !f.Changed(name) {
					return nil
				}
				v, _ := f.GetString(name)
				return &v
			}
			in := client.FieldsRequest{
				Email:           changed("email"),
				Username:        changed("username"),
				DisplayName:     changed("display-name"),
				Bio:             changed("bio"),
				Password:        changed("password"),
				CurrentPassword: changed("current-password"),
			}
			return c.mutate(cmd.Context(), captcha.ActionUpdateFields, c.api.UpdateFields(args[0], in))
		},
	}
	addProfileFlags(setCmd)
	setCmd.Flags().String("password", "", "New password")
	setCmd.Flags().String("current-password", "", "Current password (required with --password)")
	rootCmd.AddCommand(setCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete-account [user-id]",
		Short: "Delete the account and end all of its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			return c.mutate(cmd.Context(), captcha.ActionDeleteAccount, c.api.DeleteAccount(args[0], password))
		},
	}
	deleteCmd.Flags().String("password", "", "Account password")
	rootCmd.AddCommand(deleteCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func addProfileFlags(cmd *cobra.Command) {
	cmd.Flags().String("email", "", "Email address")
	cmd.Flags().String("username", "", "Username")
	cmd.Flags().String("display-name", "", "Display name")
	cmd.Flags().String("bio", "", "Short bio")
}
