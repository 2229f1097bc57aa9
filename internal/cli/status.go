// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeranaias/zeno/internal/client"
)

const statusTimeout = 10 * time.Second

// StatusReport is the output of the status command.
type StatusReport struct {
	Relay       string              `json:"relay"`
	Reachable   bool                `json:"reachable"`
	Error       string              `json:"error,omitempty"`
	Status      *client.Status      `json:"status,omitempty"`
	ImageModels []client.ImageModel `json:"imageModels,omitempty"`
}

// HandleStatus reports what the relay can do.
func HandleStatus(args *Args) error {
	cfg, _, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	logger, logCloser := clientLogger(cfg, args.Verbose)
	defer logCloser.Close()

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	report := collectStatus(ctx, newRelayClient(cfg, args, logger))
	if args.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(os.Stdout, report)
	if !report.Reachable {
		return fmt.Errorf("relay unreachable: %s", report.Error)
	}
	return nil
}

func collectStatus(ctx context.Context, c *client.Client) *StatusReport {
	report := &StatusReport{Relay: c.BaseURL()}
	st, err := c.Status(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Reachable = true
	report.Status = st
	if st.ImageGeneration {
		if models, err := c.ImageModels(ctx); err == nil {
			report.ImageModels = models
		}
	}
	return report
}

func printStatus(w io.Writer, r *StatusReport) {
	fmt.Fprintln(w, TitleStyle.Render("Zeno Relay Status"))
	fmt.Fprintln(w, RenderSeparator(40))

	if !r.Reachable {
		fmt.Fprintf(w, "%s%s %s\n", RenderLabel("Relay"), RenderStatus("fail"), r.Relay)
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Error"), ErrorStyle.Render(r.Error))
		return
	}

	fmt.Fprintf(w, "%s%s %s\n", RenderLabel("Relay"), RenderStatus("ok"), r.Relay)
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Chat"), availability(r.Status.Chat))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Image generation"), availability(r.Status.ImageGeneration))
	if r.Status.Model != "" {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Default model"), ValueStyle.Render(r.Status.Model))
	}

	if len(r.ImageModels) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, SectionStyle.Render("Image models"))
		for _, m := range r.ImageModels {
			fmt.Fprintf(w, "  %s%s\n", RenderLabel(m.ID, 18), DimStyle.Render(m.Name))
		}
	}
}

func availability(ok bool) string {
	if ok {
		return RenderStatus("ok")
	}
	return RenderStatus("missing") + DimStyle.Render(" credentials not configured")
}
