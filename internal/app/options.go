package app

import "errors"

// Options holds everything an App instance needs to run one import.
type Options struct {
	ConfigPath string
	RowsPath   string

	DryRun                   bool
	AllowDangerousOperations bool

	LogFormat  string
	LogLevel   string
	StatusAddr string
	ReportPath string
}

func NewOptions(opts Options) (*Options, error) {
	if opts.RowsPath == "" {
		return nil, errors.New("RowsPath is a required configuration field and cannot be empty")
	}
	return &opts, nil
}
