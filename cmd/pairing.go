package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/pairing"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing approvals",
	}
	cmd.AddCommand(pairingApproveCmd(), pairingListCmd(), pairingRevokeCmd())
	return cmd
}

func openPairingStore() (*pairing.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return pairing.Open(filepath.Join(cfg.StateDirPath(), "pairing.db"))
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing request by code",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openPairingStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer store.Close()

			req, err := store.Approve(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "approve failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Approved %s on %s (chat %s)\n", req.SenderID, req.Channel, req.ChatID)
		},
	}
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending requests and approved senders",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openPairingStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer store.Close()

			pending, err := store.ListPending()
			if err != nil {
				fmt.Fprintf(os.Stderr, "list pending failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Pending requests:")
			if len(pending) == 0 {
				fmt.Println("  (none)")
			}
			for _, p := range pending {
				fmt.Printf("  %s  %s/%s (chat %s, requested %s)\n",
					p.Code, p.Channel, p.SenderID, p.ChatID, p.CreatedAt.Format("2006-01-02 15:04"))
			}

			paired, err := store.ListPaired("")
			if err != nil {
				fmt.Fprintf(os.Stderr, "list paired failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Approved senders:")
			if len(paired) == 0 {
				fmt.Println("  (none)")
			}
			for _, p := range paired {
				fmt.Printf("  %s/%s (approved %s)\n",
					p.Channel, p.SenderID, p.ApprovedAt.Format("2006-01-02 15:04"))
			}
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <channel> <sender-id>",
		Short: "Revoke an approved sender",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openPairingStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer store.Close()

			if err := store.Revoke(args[1], args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "revoke failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Revoked %s on %s\n", args[1], args[0])
		},
	}
}
