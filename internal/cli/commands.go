// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jeranaias/zeno/internal/conversation"
	"github.com/jeranaias/zeno/internal/export"
	"github.com/jeranaias/zeno/internal/relay"
	"github.com/jeranaias/zeno/internal/util"
)

// maxAttachmentBytes bounds one attached image file.
const maxAttachmentBytes = 10 << 20

var (
	errNoConversation = errors.New("no conversation selected")
	errNothingToRedo  = errors.New("nothing to regenerate")
)

const chatHelp = `Commands:
  /new               Start a new conversation
  /list              List conversations
  /open N            Switch to conversation N from /list
  /rename TITLE      Rename the current conversation
  /pin               Pin or unpin the current conversation
  /delete            Delete the current conversation
  /model [ID]        Show or change the chat model
  /regen             Regenerate the last reply as a new branch
  /edit TEXT         Replace your last message as a new branch
  /branch N          Show branch N of the last message
  /attach PATH       Attach an image to your next message
  /image PROMPT      Generate an image and save it
  /export [FILE]     Export the active branch (.md, .json or .html)
  /history           Show the active branch
  /tokens            Estimate the prompt size of the next request
  /help              Show this help
  /quit              Exit
`

// handleSlashCommand runs one command. It returns false when the session
// should end.
func (s *ChatSession) handleSlashCommand(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return false, nil

	case "help", "h", "?":
		fmt.Fprint(s.out, chatHelp)

	case "new":
		s.store.CreateConversation()
		s.pendingImages = nil
		fmt.Fprintln(s.out, SuccessStyle.Render("Started a new conversation."))

	case "list", "ls":
		s.listConversations()

	case "open":
		return true, s.openConversation(arg)

	case "rename":
		id := s.store.CurrentID()
		if id == "" {
			return true, errNoConversation
		}
		if err := s.store.RenameConversation(id, arg); err != nil {
			return true, err
		}
		fmt.Fprintf(s.out, "Renamed to %s\n", ValueStyle.Render(s.store.Current().GetTitle()))

	case "pin":
		id := s.store.CurrentID()
		if id == "" {
			return true, errNoConversation
		}
		pinned, err := s.store.TogglePin(id)
		if err != nil {
			return true, err
		}
		if pinned {
			fmt.Fprintln(s.out, "Pinned.")
		} else {
			fmt.Fprintln(s.out, "Unpinned.")
		}

	case "delete":
		id := s.store.CurrentID()
		if id == "" {
			return true, errNoConversation
		}
		if err := s.store.DeleteConversation(id); err != nil {
			return true, err
		}
		fmt.Fprintln(s.out, WarningStyle.Render("Conversation deleted."))
		if conv := s.store.Current(); conv != nil {
			fmt.Fprintf(s.out, "Now in %s\n", ValueStyle.Render(conv.GetTitle()))
		}

	case "model":
		if arg == "" {
			fmt.Fprintf(s.out, "%s%s\n", RenderLabel("Model"), ValueStyle.Render(s.store.CurrentModel()))
			return true, nil
		}
		if len(arg) > relay.MaxModelLength {
			return true, fmt.Errorf("model id exceeds %d characters", relay.MaxModelLength)
		}
		s.store.SetModel(arg)
		fmt.Fprintf(s.out, "Model set to %s\n", ValueStyle.Render(arg))

	case "regen", "retry":
		return true, s.regenerate(ctx)

	case "edit":
		if arg == "" {
			return true, fmt.Errorf("usage: /edit TEXT")
		}
		return true, s.editLast(ctx, arg)

	case "branch":
		return true, s.selectBranch(arg)

	case "attach":
		return true, s.attach(arg)

	case "image", "img":
		if arg == "" {
			return true, fmt.Errorf("usage: /image PROMPT")
		}
		path, err := generateImageFile(ctx, s.client, arg, s.cfg.Client.ImageModel, "")
		if err != nil {
			return true, err
		}
		fmt.Fprintf(s.out, "%s %s\n", RenderStatus("ok"), path)

	case "export":
		return true, s.export(arg)

	case "history":
		s.printTranscript()

	case "tokens":
		req := s.buildRequest(s.store.ActivePath())
		fmt.Fprintf(s.out, "%s~%d tokens in %d messages\n",
			RenderLabel("Prompt"), relay.EstimatePromptTokens(req), len(req.Messages))

	default:
		return true, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return true, nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func (s *ChatSession) listConversations() {
	metas := s.store.Conversations()
	if len(metas) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("No conversations yet."))
		return
	}
	current := s.store.CurrentID()
	for i, m := range metas {
		marker := " "
		if m.ID == current {
			marker = "*"
		}
		pin := ""
		if m.Pinned {
			pin = " [pinned]"
		}
		title := util.TruncateWidth(m.Title, 48)
		fmt.Fprintf(s.out, "%s %2d. %s%s %s\n", marker, i+1, title, pin,
			DimStyle.Render(fmt.Sprintf("(%d messages, %s)", m.MessageCount, m.UpdatedAt.Format("2006-01-02 15:04"))))
	}
}

func (s *ChatSession) openConversation(arg string) error {
	n, err := ParsePositiveInt(arg, "conversation number")
	if err != nil {
		return err
	}
	metas := s.store.Conversations()
	if n > len(metas) {
		return fmt.Errorf("no conversation %d (have %d)", n, len(metas))
	}
	if err := s.store.SelectConversation(metas[n-1].ID); err != nil {
		return err
	}
	s.pendingImages = nil
	fmt.Fprintln(s.out, TitleStyle.UnsetMarginBottom().Render(metas[n-1].Title))
	s.printTranscript()
	return nil
}

// =============================================================================
// BRANCHING
// =============================================================================

// regenerate adds a new reply alongside the last assistant message. When the
// path ends in a user message, a reply is added under it.
func (s *ChatSession) regenerate(ctx context.Context) error {
	path := s.store.ActivePath()
	if len(path) == 0 {
		return errNothingToRedo
	}
	last := path[len(path)-1]

	history := path
	if last.Role == conversation.RoleAssistant {
		history = path[:len(path)-1]
	}
	if len(history) == 0 {
		return errNothingToRedo
	}

	var placeholder conversation.Message
	var err error
	if last.Role == conversation.RoleAssistant {
		placeholder, err = s.store.Branch(last.ID, conversation.NewMessage(conversation.RoleAssistant, ""))
	} else {
		placeholder, err = s.store.AppendToPath(conversation.RoleAssistant, "", nil)
	}
	if err != nil {
		return err
	}
	return s.generate(ctx, history, placeholder.ID)
}

// editLast branches the most recent user message with new text and asks for
// a fresh reply.
func (s *ChatSession) editLast(ctx context.Context, text string) error {
	path := s.store.ActivePath()
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == conversation.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no message to edit")
	}

	edited := conversation.NewMessage(conversation.RoleUser, text)
	edited.Images = path[idx].Images
	if _, err := s.store.Branch(path[idx].ID, edited); err != nil {
		return err
	}

	history := s.store.ActivePath()
	placeholder, err := s.store.AppendToPath(conversation.RoleAssistant, "", nil)
	if err != nil {
		return err
	}
	return s.generate(ctx, history, placeholder.ID)
}

// selectBranch switches the last message on the path to its N-th sibling.
// Without N it shows the branch position.
func (s *ChatSession) selectBranch(arg string) error {
	path := s.store.ActivePath()
	if len(path) == 0 {
		return errNoConversation
	}
	last := path[len(path)-1]
	info, err := s.store.Siblings(last.ID)
	if err != nil {
		return err
	}
	if arg == "" {
		fmt.Fprintf(s.out, "Branch %d of %d\n", info.Index+1, info.Count)
		return nil
	}

	n, err := ParsePositiveInt(arg, "branch number")
	if err != nil {
		return err
	}
	if n > info.Count {
		return fmt.Errorf("no branch %d (have %d)", n, info.Count)
	}
	parent := info.ParentKey
	if parent == conversation.RootKey {
		parent = ""
	}
	s.store.SelectBranch(parent, n-1)
	s.printTranscript()
	return nil
}

// =============================================================================
// ATTACHMENTS AND EXPORT
// =============================================================================

// attach reads an image file into a data URI for the next message.
func (s *ChatSession) attach(path string) error {
	if path == "" {
		return fmt.Errorf("usage: /attach PATH")
	}
	if len(s.pendingImages) >= relay.MaxImagesPerMessage {
		return fmt.Errorf("at most %d images per message", relay.MaxImagesPerMessage)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot attach %s: %w", path, err)
	}
	if info.Size() > maxAttachmentBytes {
		return fmt.Errorf("%s is larger than %d MB", path, maxAttachmentBytes>>20)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot attach %s: %w", path, err)
	}

	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return fmt.Errorf("%s is not an image (%s)", path, mediaType)
	}
	s.pendingImages = append(s.pendingImages,
		"data:"+mediaType+";base64,"+base64.StdEncoding.EncodeToString(data))
	fmt.Fprintf(s.out, "Attached %s (%d pending)\n", path, len(s.pendingImages))
	return nil
}

// export writes the active branch of the current conversation. The file
// extension picks the format; Markdown is the default.
func (s *ChatSession) export(filename string) error {
	conv := s.store.Current()
	if conv == nil {
		return errNoConversation
	}
	if filename == "" {
		filename = export.Filename(conv.GetTitle(), ".md")
	}
	doc := export.NewDocument(conv, s.store.ActivePath())
	if err := export.WriteFile(filename, doc, export.ForFilename(filename, nil)); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s exported to %s\n", RenderStatus("ok"), filename)
	return nil
}
