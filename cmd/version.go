package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/previewd/internal/version"
)

var (
	versionFormat OutputFormat
	versionShort  bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for previewd, including the embedded
compiler engine version.

Examples:
  previewd version                 # Version and commit
  previewd version --detailed      # Build details
  previewd version --format json   # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	addFormatFlag(versionCmd, &versionFormat)
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
	versionCmd.Flags().Bool("detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	detailed, _ := cmd.Flags().GetBool("detailed")
	info := version.GetBuildInfo()

	return writeOutput(cmd.OutOrStdout(), versionFormat, info, func(w io.Writer) error {
		switch {
		case versionShort:
			_, err := fmt.Fprintln(w, version.GetShortVersion())
			return err
		case detailed:
			return outputVersionDetailed(w)
		default:
			return outputVersionDefault(w, info)
		}
	})
}

func outputVersionDefault(w io.Writer, info *version.BuildInfo) error {
	fmt.Fprintf(w, "previewd %s", info.Version)
	if info.GitCommit != "unknown" && len(info.GitCommit) >= 7 {
		fmt.Fprintf(w, " (%s)", info.GitCommit[:7])
	}
	if info.Dirty {
		fmt.Fprint(w, " (dirty)")
	}
	fmt.Fprintln(w)

	if !info.BuildTime.IsZero() {
		fmt.Fprintf(w, "Built: %s\n", info.BuildTime.Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(w, "Engine: esbuild %s\n", info.EngineVersion)
	fmt.Fprintf(w, "Go: %s\n", info.GoVersion)
	_, err := fmt.Fprintf(w, "Platform: %s\n", info.Platform)
	return err
}

func outputVersionDetailed(w io.Writer) error {
	fmt.Fprintln(w, version.GetDetailedVersion())
	if version.IsDirty() {
		fmt.Fprintln(w, "Working directory: dirty")
	}
	buildType := "development"
	if version.IsRelease() {
		buildType = "release"
	}
	_, err := fmt.Fprintf(w, "Build type: %s\n", buildType)
	return err
}
