// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/zeno/internal/telemetry"
)

// Version information, set at build time.
var (
	Version   = telemetry.ServiceVersion
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// COMMANDS
// =============================================================================

// Command identifies a top-level subcommand.
type Command int

const (
	CmdChat Command = iota
	CmdServe
	CmdImage
	CmdStatus
	CmdConfig
	CmdVersion
	CmdHelp
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdChat:
		return "chat"
	case CmdServe:
		return "serve"
	case CmdImage:
		return "image"
	case CmdStatus:
		return "status"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Args holds the parsed command line.
type Args struct {
	Command Command

	// Global flags
	ConfigPath string
	Quiet      bool
	Verbose    bool
	JSON       bool

	// Chat and image flags
	Model    string
	RelayURL string
	UserID   string
	Output   string
	Prompt   string
	List     bool

	// Serve flags
	Host string
	Port int

	// Config subcommand
	Subcommand string
	ConfigKey  string
	ConfigVal  string

	// Raw holds the command's arguments after the command name.
	Raw []string
}

// UsageError reports a malformed command line.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

const usageText = `zeno - streaming chat relay and terminal client

Usage:
  zeno [command] [flags]

Commands:
  chat               Interactive chat through a relay (default)
  serve              Run the relay server
  image PROMPT       Generate an image and save it to a file
  status             Show relay status and available image models
  config <sub>       Manage configuration (show, get, set, keys, path)
  version            Show version information
  help               Show this help

Global flags:
  -c, --config PATH  Config file (default ~/.zeno/config.toml)
  -q, --quiet        Minimal output
  -v, --verbose      Log to stderr as well as the log file
      --json         Machine-readable output (status, config, version)

Chat flags:
  -m, --model ID     Chat model (default from config)
      --relay URL    Relay base URL
      --user ID      Mirror conversations under this user id

Image flags:
  -m, --model ID     Image model id (default from config)
  -o, --output FILE  Output file (default zeno-<time>.<ext>)
      --list         List image models and exit

Serve flags:
      --host HOST    Listen host
  -p, --port PORT    Listen port

Chat commands:
  /new /list /open N /rename TITLE /pin /delete /model ID
  /regen /edit TEXT /branch N /attach PATH /image PROMPT /export [FILE]
  /history /tokens /help /quit
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer, asJSON bool) {
	if asJSON {
		fmt.Fprintf(w, "{\"version\":%q,\"commit\":%q,\"built\":%q}\n", Version, GitCommit, BuildDate)
		return
	}
	fmt.Fprintf(w, "zeno %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
}

// =============================================================================
// PARSING
// =============================================================================

var boolFlags = []string{"q", "quiet", "v", "verbose", "json", "list", "h", "help"}

// Parse parses argv, excluding the program name.
func Parse(argv []string) (*Args, error) {
	args := &Args{Command: CmdChat}

	rest := argv
	if len(argv) > 0 && !strings.HasPrefix(argv[0], "-") {
		cmd, ok := lookupCommand(argv[0])
		if !ok {
			return nil, &UsageError{Message: fmt.Sprintf("unknown command: %s", argv[0])}
		}
		args.Command = cmd
		rest = argv[1:]
	}
	args.Raw = rest

	p := NewArgParser(rest, boolFlags...)
	if p.BoolFlag("h", "help") {
		args.Command = CmdHelp
		return args, nil
	}

	args.ConfigPath = p.Flag("c", "config")
	args.Quiet = p.BoolFlag("q", "quiet")
	args.Verbose = p.BoolFlag("v", "verbose")
	args.JSON = p.BoolFlag("json")
	args.Model = p.Flag("m", "model")
	args.RelayURL = p.Flag("relay")
	args.UserID = p.Flag("user")

	switch args.Command {
	case CmdServe:
		args.Host = p.Flag("host")
		if v := p.Flag("p", "port"); v != "" {
			port, err := ParsePositiveInt(v, "port")
			if err != nil || port > 65535 {
				return nil, &UsageError{Message: fmt.Sprintf("invalid port: %s", v)}
			}
			args.Port = port
		}

	case CmdImage:
		args.Output = p.Flag("o", "output")
		args.List = p.BoolFlag("list")
		args.Prompt = strings.Join(p.PositionalFrom(0), " ")
		if args.Prompt == "" && !args.List {
			return nil, &UsageError{Message: "image requires a prompt"}
		}

	case CmdConfig:
		args.Subcommand = p.Subcommand()
		if args.Subcommand == "" {
			args.Subcommand = "show"
		}
		args.ConfigKey = p.Positional(1)
		args.ConfigVal = strings.Join(p.PositionalFrom(2), " ")
		switch args.Subcommand {
		case "show", "keys", "path":
		case "get":
			if args.ConfigKey == "" {
				return nil, &UsageError{Message: "config get requires a key"}
			}
		case "set":
			if args.ConfigKey == "" || p.PositionalCount() < 3 {
				return nil, &UsageError{Message: "config set requires a key and a value"}
			}
		default:
			return nil, &UsageError{Message: fmt.Sprintf("unknown config subcommand: %s", args.Subcommand)}
		}
	}

	return args, nil
}

func lookupCommand(name string) (Command, bool) {
	switch strings.ToLower(name) {
	case "chat":
		return CmdChat, true
	case "serve", "server":
		return CmdServe, true
	case "image", "img":
		return CmdImage, true
	case "status":
		return CmdStatus, true
	case "config":
		return CmdConfig, true
	case "version":
		return CmdVersion, true
	case "help":
		return CmdHelp, true
	}
	return 0, false
}
