package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/channel-hub/internal/middleware"
	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/signature"
	"github.com/mmeshcher/channel-hub/internal/validation"
)

type globalOptions struct {
	addr     string
	token    string
	operator string
	secret   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "hubctl",
		Short:         "Operator tool for the channel hub",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.addr, "addr", envOr("HUB_ADDRESS", "http://localhost:8080"), "hub address")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("HUB_TOKEN"), "operator bearer token")
	cmd.PersistentFlags().StringVar(&opts.operator, "operator", envOr("HUB_OPERATOR", "hubctl"), "operator name used with --secret")
	cmd.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("OPERATOR_SECRET"), "operator secret to mint a token")

	cmd.AddCommand(settleCmd(opts))
	cmd.AddCommand(jobCmd(opts))
	cmd.AddCommand(jobsCmd(opts))
	cmd.AddCommand(statsCmd(opts))
	cmd.AddCommand(dueCmd(opts))
	cmd.AddCommand(signCmd())
	cmd.AddCommand(tokenCmd(opts))

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *globalOptions) client() *apiClient {
	token := o.token
	if token == "" && o.secret != "" {
		token = middleware.NewOperatorAuth(o.secret).Token(o.operator)
	}
	return newAPIClient(o.addr, token)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func payeeArg(args []string) (string, error) {
	payee, ok := validation.NormalizeOwnerID(args[0])
	if !ok {
		return "", fmt.Errorf("invalid payee id %q", args[0])
	}
	return payee, nil
}

func settleCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "settle [payeeId]",
		Short: "Run settlement for a payee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payee, err := payeeArg(args)
			if err != nil {
				return err
			}

			var job model.SettlementJob
			status, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/settlement/"+payee, map[string]bool{"force": force}, &job)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("settlement %s: %s", job.Status, job.FailureReason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore the payee schedule")

	return cmd
}

func jobCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job [id]",
		Short: "Show a settlement job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job model.SettlementJob
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/settlement/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func jobsCmd(opts *globalOptions) *cobra.Command {
	var active bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List settlement jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/settlement/jobs"
			if active {
				path += "?active=true"
			}

			jobs := []model.SettlementJob{}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &jobs); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(w, "%s  %-10s %-20s %12s  %s\n", j.ID, j.Status, j.Stage, j.TotalAmount, j.PayeeID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "only pending and processing jobs")

	return cmd
}

func statsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show settlement statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st model.Stats
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/settlement/stats", nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func dueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "due [payeeId]",
		Short: "Check whether a payee is due for settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payee, err := payeeArg(args)
			if err != nil {
				return err
			}

			var resp struct {
				Due bool `json:"due"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/settlement/"+payee+"/due", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Due)
			return nil
		},
	}
}

type signedInstruction struct {
	PayerID   string       `json:"payerId"`
	PayeeID   string       `json:"payeeId"`
	Amount    model.Amount `json:"amount"`
	Signature string       `json:"signature"`
	Message   string       `json:"message"`
}

func signCmd() *cobra.Command {
	var keyHex string

	cmd := &cobra.Command{
		Use:   "sign [payeeId] [amount]",
		Short: "Sign a payment authorization offline",
		Long:  "Sign a payment authorization with a payer private key and print the request body for /api/payments/clear.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyHex == "" {
				keyHex = os.Getenv("PAYER_KEY")
			}
			if keyHex == "" {
				return fmt.Errorf("payer key is required (--key or PAYER_KEY)")
			}

			payee, err := payeeArg(args)
			if err != nil {
				return err
			}
			amount, err := model.ParseAmount(args[1])
			if err != nil {
				return err
			}

			payer, err := signature.Address(keyHex)
			if err != nil {
				return err
			}
			payer, _ = validation.NormalizeOwnerID(payer)

			msg := signature.AuthorizationMessage(payer, payee, amount)
			sig, _, err := signature.Sign(keyHex, []byte(msg))
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), signedInstruction{
				PayerID:   payer,
				PayeeID:   payee,
				Amount:    amount,
				Signature: sig,
				Message:   msg,
			})
		},
	}

	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "payer private key in hex")

	return cmd
}

func tokenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print an operator token for --operator signed with --secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return fmt.Errorf("operator secret is required (--secret or OPERATOR_SECRET)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), middleware.NewOperatorAuth(opts.secret).Token(opts.operator))
			return nil
		},
	}
}
