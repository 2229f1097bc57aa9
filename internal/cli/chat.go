// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/zeno/internal/client"
	"github.com/jeranaias/zeno/internal/config"
	"github.com/jeranaias/zeno/internal/conversation"
	"github.com/jeranaias/zeno/internal/relay"
	"github.com/jeranaias/zeno/internal/retry"
	"github.com/jeranaias/zeno/internal/storage"
)

// DefaultFlushInterval is how often a streaming reply is written to the store.
const DefaultFlushInterval = 500 * time.Millisecond

// =============================================================================
// INPUT HISTORY
// =============================================================================

// LineReader reads one line of user input.
type LineReader interface {
	ReadInput(prompt string) (string, error)
}

// ChatCLI provides line editing and persistent input history.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a line editor whose history lives in dataDir.
func NewChatCLI(dataDir string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(dataDir, "chat_history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line with the given prompt. Non-blank input is added to
// the history.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		// SECURITY: history can contain prompts, keep it owner-only
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// SessionOptions configures a ChatSession.
type SessionOptions struct {
	Store  *conversation.Store
	Client *client.Client
	Config *config.Config
	Logger *slog.Logger

	// Out receives the transcript, ErrOut error messages.
	Out    io.Writer
	ErrOut io.Writer

	// Markdown buffers each reply and renders it with glamour once complete.
	// Otherwise deltas are written as they arrive.
	Markdown bool

	// FlushInterval throttles store writes while streaming.
	FlushInterval time.Duration
}

// ChatSession is one interactive chat: the conversation store, the relay
// client and the images attached to the next message.
type ChatSession struct {
	store    *conversation.Store
	client   *client.Client
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	errOut   io.Writer
	markdown bool
	flush    time.Duration

	pendingImages []string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewChatSession creates a session.
func NewChatSession(opts SessionOptions) *ChatSession {
	s := &ChatSession{
		store:    opts.Store,
		client:   opts.Client,
		cfg:      opts.Config,
		logger:   opts.Logger,
		out:      opts.Out,
		errOut:   opts.ErrOut,
		markdown: opts.Markdown,
		flush:    opts.FlushInterval,
	}
	if s.cfg == nil {
		s.cfg = config.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.errOut == nil {
		s.errOut = s.out
	}
	if s.flush <= 0 {
		s.flush = DefaultFlushInterval
	}
	return s
}

// Interrupt cancels the reply being streamed, if any. It reports whether
// there was one.
func (s *ChatSession) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

func (s *ChatSession) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// =============================================================================
// REPL
// =============================================================================

// HandleChat runs the interactive chat command.
func HandleChat(args *Args) error {
	cfg, _, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	if args.UserID != "" {
		cfg.Client.UserID = args.UserID
	}

	logger, logCloser := clientLogger(cfg, args.Verbose)
	defer logCloser.Close()

	opts := conversation.Options{
		Local:        storage.NewSnapshotStore(cfg.DataDir()),
		UserID:       cfg.Client.UserID,
		DefaultModel: cfg.DefaultModel,
		Logger:       logger,
	}

	var docs *storage.DocumentStore
	if cfg.Client.UserID != "" && cfg.Storage.RemoteSync {
		docs, err = storage.OpenDocumentStore(filepath.Join(cfg.DataDir(), "documents.db"))
		if err != nil {
			logger.Warn("DOCUMENT_STORE_UNAVAILABLE", "error", err)
		} else {
			defer docs.Close()
			opts.Remote = docs
		}
	}

	store := conversation.New(opts)
	if docs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), conversation.RemoteTimeout)
		convs, err := docs.ListConversations(ctx, cfg.Client.UserID)
		cancel()
		if err != nil {
			logger.Warn("REMOTE_LOAD_FAILED", "error", err)
		} else if n := store.Import(convs); n > 0 {
			logger.Info("REMOTE_IMPORTED", "conversations", n)
		}
	}
	if args.Model != "" {
		store.SetModel(args.Model)
	}

	session := NewChatSession(SessionOptions{
		Store:    store,
		Client:   newRelayClient(cfg, args, logger),
		Config:   cfg,
		Logger:   logger,
		Out:      os.Stdout,
		ErrOut:   os.Stderr,
		Markdown: IsStdoutTTY(),
	})

	var reader LineReader
	if IsTTY() {
		cli := NewChatCLI(cfg.DataDir())
		defer cli.Close()
		reader = cli
	} else {
		reader = newPlainReader(os.Stdin)
	}

	// Ctrl+C while a reply streams cancels the reply, not the program
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for sig := range sigChan {
			if session.Interrupt() {
				continue
			}
			if sig == syscall.SIGTERM {
				os.Exit(0)
			}
			os.Exit(130)
		}
	}()

	if !args.Quiet {
		session.printBanner()
	}
	return session.Run(context.Background(), reader)
}

// Run reads input until EOF, an aborted prompt or /quit.
func (s *ChatSession) Run(ctx context.Context, in LineReader) error {
	for {
		input, err := in.ReadInput(UserStyle.Render("you> "))
		if err != nil {
			fmt.Fprintln(s.out)
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := s.handleSlashCommand(ctx, input)
			if err != nil {
				s.printError(err)
			}
			if !keepGoing {
				return nil
			}
			continue
		}

		if err := s.Send(ctx, input); err != nil {
			s.printError(err)
		}
	}
}

func (s *ChatSession) printBanner() {
	fmt.Fprintln(s.out, TitleStyle.Render("Zeno"))
	fmt.Fprintf(s.out, "%s%s\n", RenderLabel("Model"), ValueStyle.Render(s.store.CurrentModel()))
	fmt.Fprintf(s.out, "%s%s\n", RenderLabel("Relay"), ValueStyle.Render(s.client.BaseURL()))
	if conv := s.store.Current(); conv != nil {
		fmt.Fprintf(s.out, "%s%s\n", RenderLabel("Conversation"), ValueStyle.Render(conv.GetTitle()))
	}
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, Ctrl+D to exit."))
	fmt.Fprintln(s.out)
}

func (s *ChatSession) printError(err error) {
	var rerr *retry.Error
	msg := err.Error()
	if errors.As(err, &rerr) {
		msg = rerr.UserMessage()
	}
	fmt.Fprintf(s.errOut, "%s %s\n", ErrorStyle.Render("[Error]"), msg)
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// Send appends a user message, with any attached images, to the active path
// and streams the reply under it.
func (s *ChatSession) Send(ctx context.Context, text string) error {
	if _, err := s.store.AppendToPath(conversation.RoleUser, text, s.pendingImages); err != nil {
		return err
	}
	s.pendingImages = nil

	history := s.store.ActivePath()
	placeholder, err := s.store.AppendToPath(conversation.RoleAssistant, "", nil)
	if err != nil {
		return err
	}
	return s.generate(ctx, history, placeholder.ID)
}

// generate streams a reply to history into the assistant message id.
func (s *ChatSession) generate(ctx context.Context, history []conversation.Message, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer s.Interrupt()

	req := s.buildRequest(history)

	fmt.Fprint(s.out, AssistantStyle.Render(conversation.RoleAssistant.DisplayName()+": "))

	var (
		printed   string
		lastFlush time.Time
		current   string
	)
	onUpdate := func(acc string) {
		current = acc
		if s.markdown {
			fmt.Fprintf(s.out, "\r%s %s", AssistantStyle.Render(conversation.RoleAssistant.DisplayName()+":"),
				DimStyle.Render(fmt.Sprintf("... %d chars", len([]rune(acc)))))
		} else {
			if strings.HasPrefix(acc, printed) {
				fmt.Fprint(s.out, acc[len(printed):])
			} else {
				// A retry restarted the reply
				fmt.Fprint(s.out, "\n"+acc)
			}
			printed = acc
		}
		if time.Since(lastFlush) >= s.flush {
			lastFlush = time.Now()
			if err := s.store.UpdateMessageContent(id, acc); err != nil {
				s.logger.Warn("MESSAGE_UPDATE_FAILED", "message", id, "error", err)
			}
		}
	}

	start := time.Now()
	content, err := s.client.Chat(ctx, req, onUpdate)
	if s.markdown {
		fmt.Fprint(s.out, "\r\033[K")
	}

	cancelled := ctx.Err() != nil

	if err != nil {
		final := ""
		if cancelled {
			final = current
		}
		if uerr := s.store.UpdateMessageContent(id, final); uerr != nil {
			s.logger.Warn("MESSAGE_UPDATE_FAILED", "message", id, "error", uerr)
		}
		if !cancelled {
			if !s.markdown {
				fmt.Fprintln(s.out)
			}
			s.logger.Warn("CHAT_FAILED", "model", req.Model, "error", err)
			return err
		}
		content = final
	}

	if err := s.store.UpdateMessageContent(id, content); err != nil {
		return err
	}
	switch {
	case s.markdown && content != "":
		s.printAssistant(content)
	case s.markdown:
	case strings.HasPrefix(content, printed):
		fmt.Fprintln(s.out, content[len(printed):])
	default:
		fmt.Fprintln(s.out, "\n"+content)
	}
	if cancelled {
		fmt.Fprintln(s.errOut, WarningStyle.Render("[Cancelled]"))
		return nil
	}
	s.logger.Info("CHAT_COMPLETE", "model", req.Model,
		"chars", len(content), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// buildRequest converts history into a relay request. Empty messages, such
// as failed replies, are left out, and only the most recent messages that
// fit the relay limit are sent.
func (s *ChatSession) buildRequest(history []conversation.Message) *relay.ChatRequest {
	msgs := make([]relay.ChatMessage, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" && len(m.Images) == 0 {
			continue
		}
		msgs = append(msgs, relay.ChatMessage{
			Role:    m.Role.String(),
			Content: m.Content,
			Images:  m.Images,
		})
	}
	if len(msgs) > relay.MaxMessageCount {
		msgs = msgs[len(msgs)-relay.MaxMessageCount:]
	}

	return &relay.ChatRequest{
		Messages:     msgs,
		Model:        s.store.CurrentModel(),
		CustomPrompt: s.cfg.Client.CustomPrompt,
		UserName:     s.cfg.Client.UserName,
		Memories:     s.cfg.Client.Memories,
	}
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

func (s *ChatSession) printAssistant(content string) {
	fmt.Fprint(s.out, AssistantStyle.Render(conversation.RoleAssistant.DisplayName()+":")+"\n")
	fmt.Fprint(s.out, renderMarkdown(content))
}

// printTranscript writes the active path with branch positions.
func (s *ChatSession) printTranscript() {
	path := s.store.ActivePath()
	if len(path) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("(empty conversation)"))
		return
	}
	for _, m := range path {
		label := m.Role.DisplayName()
		if info, err := s.store.Siblings(m.ID); err == nil && info.Count > 1 {
			label += fmt.Sprintf(" (%d/%d)", info.Index+1, info.Count)
		}
		style := UserStyle
		if m.Role == conversation.RoleAssistant {
			style = AssistantStyle
		}

		content := m.Content
		if n := len(m.Images); n > 0 {
			content += fmt.Sprintf("\n[%d image(s) attached]", n)
		}
		if m.Role == conversation.RoleAssistant && s.markdown {
			fmt.Fprintln(s.out, style.Render(label+":"))
			fmt.Fprint(s.out, renderMarkdown(content))
			continue
		}
		if s.markdown {
			content = WrapText(content, 0)
		}
		fmt.Fprintf(s.out, "%s %s\n", style.Render(label+":"), content)
	}
}

// plainReader reads lines from a non-terminal input without echoing a prompt.
type plainReader struct {
	scanner *bufio.Scanner
}

func newPlainReader(r io.Reader) *plainReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), relay.MaxContentLength)
	return &plainReader{scanner: sc}
}

// ReadInput returns the next line, or io.EOF.
func (p *plainReader) ReadInput(string) (string, error) {
	if p.scanner.Scan() {
		return p.scanner.Text(), nil
	}
	if err := p.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
