// zeno - streaming chat relay and terminal client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/zeno/internal/cli"
)

func main() {
	args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		var usage *cli.UsageError
		if errors.As(err, &usage) {
			cli.PrintUsage(os.Stderr)
			os.Exit(2)
		}
		os.Exit(1)
	}

	switch args.Command {
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout, args.JSON)
	case cli.CmdServe:
		err = cli.HandleServe(args)
	case cli.CmdImage:
		err = cli.HandleImage(args)
	case cli.CmdStatus:
		err = cli.HandleStatus(args)
	case cli.CmdConfig:
		err = cli.HandleConfig(args)
	default:
		err = cli.HandleChat(args)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
