// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/zeno/internal/config"
)

// HandleConfig runs config show, get, set, keys and path.
func HandleConfig(args *Args) error {
	return runConfig(os.Stdout, args)
}

func runConfig(w io.Writer, args *Args) error {
	path := args.ConfigPath
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return err
		}
		path = p
	}

	switch args.Subcommand {
	case "path":
		fmt.Fprintln(w, path)
		return nil

	case "keys":
		for _, k := range config.GetAllKeys() {
			fmt.Fprintln(w, k)
		}
		return nil

	case "set":
		return configSet(w, path, args.ConfigKey, args.ConfigVal)
	}

	cfg, _, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}

	switch args.Subcommand {
	case "get":
		val, err := cfg.Get(args.ConfigKey)
		if err != nil {
			return err
		}
		if config.IsSecretKey(args.ConfigKey) && val != "" {
			val = "[REDACTED]"
		}
		if args.JSON {
			return json.NewEncoder(w).Encode(val)
		}
		fmt.Fprintln(w, formatValue(val))
		return nil

	default:
		if args.JSON {
			// String redacts credentials
			fmt.Fprintln(w, cfg.String())
			return nil
		}
		fmt.Fprintln(w, TitleStyle.Render("Zeno Configuration"))
		fmt.Fprintf(w, "%s%s\n\n", RenderLabel("File"), DimStyle.Render(path))
		for _, k := range config.GetAllKeys() {
			val, err := cfg.Get(k)
			if err != nil {
				continue
			}
			s := formatValue(val)
			if config.IsSecretKey(k) && s != "" {
				s = "[REDACTED]"
			}
			fmt.Fprintf(w, "%s%s\n", RenderLabel(k, 28), ValueStyle.Render(s))
		}
		return nil
	}
}

// configSet updates one key in the file at path. Environment overrides are
// not applied, so they are never written to disk.
func configSet(w io.Writer, path, key, value string) error {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if err := config.LoadTOML(cfg, path); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg, path); err != nil {
		return err
	}

	shown := value
	if config.IsSecretKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Fprintf(w, "%s %s = %s\n", RenderStatus("ok"), key, shown)
	return nil
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case []string:
		return strings.Join(t, ", ")
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
