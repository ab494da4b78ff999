package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/ipamctl/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns populated Options, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Options, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("ipamctl", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
ipamctl - dependency-aware bulk importer for network inventory.

Usage:
  ipamctl [options] [ROWS_PATH]

Arguments:
  ROWS_PATH
    Path to the CSV file describing the resources to create, update or delete.

Options:
`)
		flagSet.PrintDefaults()
	}

	rowsFlag := flagSet.String("rows", "", "Path to the CSV rows file.")
	rFlag := flagSet.String("r", "", "Path to the CSV rows file (shorthand).")
	configFlag := flagSet.String("config", "", "Path to the HCL configuration file.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Plan and validate everything without touching the remote service.")
	allowDangerousFlag := flagSet.Bool("allow-dangerous-operations", false, "Permit deletes of blocks, networks and zones.")
	statusAddrFlag := flagSet.String("status-addr", "", "Listen address for the health and metrics HTTP server. Empty disables it.")
	reportFlag := flagSet.String("report", "", "Path to write the JSON run report. Empty disables it.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *rowsFlag != "" {
		path = *rowsFlag
	} else if *rFlag != "" {
		path = *rFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Rows path determined.", "path", path)

	if path == "" {
		slog.Debug("No rows path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "" && logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	opts, err := app.NewOptions(app.Options{
		ConfigPath:               *configFlag,
		RowsPath:                 path,
		DryRun:                   *dryRunFlag,
		AllowDangerousOperations: *allowDangerousFlag,
		StatusAddr:               *statusAddrFlag,
		ReportPath:               *reportFlag,
		LogFormat:                logFormat,
		LogLevel:                 logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return opts, false, nil
}
