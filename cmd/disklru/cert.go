package main

import (
	"log/slog"

	"github.com/lucasew/disklru/internal/proxy"
	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generates the CA certificate and key used to intercept HTTPS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		outCert, err := cmd.Flags().GetString("out-cert")
		if err != nil {
			return err
		}
		outKey, err := cmd.Flags().GetString("out-key")
		if err != nil {
			return err
		}

		slog.Info("Generating CA certificate and key", "cert", outCert, "key", outKey)
		if err := proxy.GenerateCA(outCert, outKey); err != nil {
			return err
		}
		slog.Info("Successfully generated CA certificate and key")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certCmd)

	certCmd.Flags().String("out-cert", "ca.pem", "Output path for the CA certificate")
	certCmd.Flags().String("out-key", "ca-key.pem", "Output path for the CA private key")
}
