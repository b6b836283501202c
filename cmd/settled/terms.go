package main

import (
	"encoding/json"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/replay"
)

func newTermsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "terms",
		Short: "Print the payment terms the server advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			fw := replay.NewFirewall(nil)
			defer fw.Close()
			gate, err := newGate(cfg, fw)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(gate.Challenge(""))
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signer key and print it with its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := solana.NewRandomPrivateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address: %s\n", chain.Address(key.PublicKey()))
			fmt.Fprintf(out, "key:     %s\n", key)
			return nil
		},
	}
}
