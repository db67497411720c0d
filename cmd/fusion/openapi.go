package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fusion_api/internal/openapi"
)

var (
	flagFormat   string
	flagBasePath string
)

var openapiCmd = &cobra.Command{
	Use:   "openapi",
	Short: "Print the API document",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc := openapi.Build(flagBasePath)
		var (
			out []byte
			err error
		)
		switch flagFormat {
		case "json":
			out, err = doc.JSON()
		case "yaml", "yml":
			out, err = doc.YAML()
		default:
			return fmt.Errorf("unknown format %q, want json or yaml", flagFormat)
		}
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	openapiCmd.Flags().StringVar(&flagFormat, "format", "json", "output format: json or yaml")
	openapiCmd.Flags().StringVar(&flagBasePath, "base-path", "", "path prefix advertised as the first server, e.g. /dev")
}
