package app

import (
	"flag"
	"fmt"
	"os"
)

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: validate")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configValidate(args []string) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "./vitalq.yaml", "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		return configValidateError(*format, err.Error())
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return configValidateError(*format, err.Error())
	}

	res := cfg.Validate()
	if *format == "text" {
		msg := FormatValidationText(res)
		if res.OK {
			fmt.Fprintln(os.Stdout, msg)
			return 0
		}
		fmt.Fprintln(os.Stderr, msg)
		return 1
	}

	out, err := FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	if res.OK {
		fmt.Fprintln(os.Stdout, out)
		return 0
	}
	fmt.Fprintln(os.Stderr, out)
	return 1
}

// configValidateError emits a validation failure in the requested format.
func configValidateError(format, msg string) int {
	res := ValidationResult{
		OK:     false,
		Errors: []string{msg},
	}
	if format == "text" {
		fmt.Fprintln(os.Stderr, FormatValidationText(res))
		return 1
	}
	out, err := FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(os.Stderr, msg)
		return 1
	}
	fmt.Fprintln(os.Stderr, out)
	return 1
}
