package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stocksage/stocksage/gateway/internal/interfaces/cli"
)

const (
	cliVersion = "0.3.0"
	cliName    = "sage"
)

func main() {
	var (
		serverURL    string
		deployment   string
		systemPrompt string
	)

	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "StockSage — conversational stock analysis",
		Long:  "Terminal client for the StockSage gateway. Streams answers, shows tool activity as it happens, renders markdown.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Run(cli.Options{
				ServerURL:    serverURL,
				Deployment:   deployment,
				SystemPrompt: systemPrompt,
				Version:      cliVersion,
			})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "gateway base URL")
	rootCmd.Flags().StringVarP(&deployment, "deployment", "d", "", "model deployment (overrides the gateway default)")
	rootCmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "extra system prompt for this session")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the gateway connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(serverURL)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDoctor(serverURL string) error {
	fmt.Printf("◇ StockSage Doctor v%s\n\n", cliVersion)

	client := cli.NewClient(serverURL, "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		fmt.Printf("  \033[91m✗\033[0m gateway: %v\n", err)
	} else {
		fmt.Printf("  \033[92m✓\033[0m gateway: %s\n", serverURL)
	}
	return nil
}
