// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/zeno/internal/client"
	"github.com/jeranaias/zeno/internal/util"
)

// HandleImage generates one image, or lists the image models with --list.
func HandleImage(args *Args) error {
	cfg, _, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	logger, logCloser := clientLogger(cfg, args.Verbose)
	defer logCloser.Close()

	c := newRelayClient(cfg, args, logger)
	ctx := context.Background()

	if args.List {
		models, err := c.ImageModels(ctx)
		if err != nil {
			return err
		}
		if args.JSON {
			return json.NewEncoder(os.Stdout).Encode(models)
		}
		for _, m := range models {
			fmt.Printf("%s%s\n", RenderLabel(m.ID), ValueStyle.Render(m.Name))
		}
		return nil
	}

	model := args.Model
	if model == "" {
		model = cfg.Client.ImageModel
	}
	if !args.Quiet {
		fmt.Fprintf(os.Stderr, "%s %s\n", DimStyle.Render("Generating with"), model)
	}

	path, err := generateImageFile(ctx, c, args.Prompt, model, args.Output)
	if err != nil {
		return err
	}
	if args.JSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"path": path, "model": model})
	}
	fmt.Println(path)
	return nil
}

// generateImageFile requests an image and writes it to output, or to a
// timestamped file in the working directory. It returns the path written.
func generateImageFile(ctx context.Context, c *client.Client, prompt, model, output string) (string, error) {
	uri, err := c.Image(ctx, prompt, model)
	if err != nil {
		return "", err
	}
	mediaType, data, err := client.DecodeDataURI(uri)
	if err != nil {
		return "", err
	}
	if output == "" {
		output = fmt.Sprintf("zeno-%s%s", time.Now().Format("20060102-150405"), imageExt(mediaType))
	}
	if err := util.AtomicWriteFile(output, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return output, nil
}

func imageExt(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".img"
	}
}
