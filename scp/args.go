package scp

import (
	"io"

	"github.com/spf13/pflag"
)

// Options are the flags of a remote "scp" invocation.
type Options struct {
	// To is set by -t: the peer is sending, we receive.
	To bool
	// From is set by -f: the peer is receiving, we send.
	From bool
	// Recursive is set by -r.
	Recursive bool
	// DirTarget is set by -d: the target must be a directory.
	DirTarget bool
	// Preserve is set by -p. Times are sent but never applied on receive.
	Preserve bool
	// Verbose counts -v flags.
	Verbose int
	// Path is the single target path.
	Path string
}

// Direction is "upload" for -t and "download" for -f.
func (o *Options) Direction() string {
	if o.To {
		return "upload"
	}
	return "download"
}

// ParseArgs parses the arguments following "scp".
func ParseArgs(args []string) (*Options, error) {
	o := &Options{}
	flags := pflag.NewFlagSet("scp", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.BoolVarP(&o.To, "to", "t", false, "copy to (sink mode)")
	flags.BoolVarP(&o.From, "from", "f", false, "copy from (source mode)")
	flags.BoolVarP(&o.Recursive, "recursive", "r", false, "recursively copy entire directories")
	flags.BoolVarP(&o.DirTarget, "directory", "d", false, "target should be a directory")
	flags.BoolVarP(&o.Preserve, "preserve", "p", false, "preserve modification times")
	flags.CountVarP(&o.Verbose, "verbose", "v", "verbose mode")
	if err := flags.Parse(args); err != nil {
		return nil, errorf(StatusUsage, "%s", err)
	}
	if o.To && o.From {
		return nil, errorf(StatusArgs, "-t and -f can't be combined")
	}
	if !o.To && !o.From {
		return nil, errorf(StatusArgs, "missing -t or -f argument")
	}
	paths := flags.Args()
	if len(paths) != 1 {
		return nil, errorf(StatusArgs, "scp takes exactly one path")
	}
	o.Path = paths[0]
	return o, nil
}
