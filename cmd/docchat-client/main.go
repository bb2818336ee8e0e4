// Command docchat-client chats with a document through a docchat server from
// the terminal, by text or by voice.
//
// Each line typed on stdin is sent as a user turn. In voice mode the default
// microphone streams continuously and responses are spoken through the
// default output device. Type /mute to toggle the microphone and /quit to
// leave.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/cyohan21/ai-document/pkg/audio"
	"github.com/cyohan21/ai-document/pkg/audio/capture"
	"github.com/cyohan21/ai-document/pkg/audio/device"
	"github.com/cyohan21/ai-document/pkg/audio/playback"
	"github.com/cyohan21/ai-document/pkg/chat"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	serverURL := flag.String("server", "ws://localhost:5000/api/ai", "relay prefix of the docchat server")
	modeFlag := flag.String("mode", "text", "session mode: text or voice")
	docPath := flag.String("document", "", "path to a text file used as document context")
	docName := flag.String("name", "", "document name shown to the assistant (default: file name)")
	history := flag.String("history", "", "load and save the conversation to this JSON file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	lvl := slog.LevelWarn
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	mode, err := chat.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
		return 2
	}

	opts := chat.Options{
		ServerURL: *serverURL,
		Mode:      mode,
		APIKey:    os.Getenv("OPENAI_API_KEY"),
	}
	if *docPath != "" {
		text, name, err := readDocument(*docPath, *docName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
			return 1
		}
		opts.DocumentText, opts.DocumentName = text, name
	}

	conv := chat.NewConversation()
	if *history != "" {
		if conv, err = chat.LoadConversation(*history); err != nil {
			fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
			return 1
		}
		for _, m := range conv.Messages() {
			printMessage(m)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Session ───────────────────────────────────────────────────────────────
	copts := []chat.Option{chat.WithLogger(logger), chat.WithObserver(newPrinter(conv).observe)}
	var player *playback.Scheduler
	if mode == chat.ModeVoice {
		player = playback.New(device.SpeakerFactory(audio.SampleRate, logger), playback.WithLogger(logger))
		copts = append(copts, chat.WithPlayer(player))
	}

	client, err := chat.Dial(ctx, opts, conv, copts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
		return 1
	}
	defer client.Close()

	var mic *capture.Pipeline
	if mode == chat.ModeVoice {
		mic = capture.New(device.NewMicrophone(audio.SampleRate, logger), client, capture.WithLogger(logger))
		if err := mic.Start(ctx); err != nil {
			var de *capture.DeviceError
			if !errors.As(err, &de) {
				fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
				return 1
			}
			// Voice output still works; input falls back to typing.
			fmt.Println("[system] " + de.Kind.Hint())
			mic = nil
		} else {
			defer mic.Stop()
			fmt.Println("[system] Listening. Type /mute to toggle the microphone.")
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	code := loop(ctx, client, mic, lines(os.Stdin), runErr)

	if *history != "" {
		if err := conv.Save(*history); err != nil {
			fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
			code = 1
		}
	}
	return code
}

// loop feeds user input to the session until it ends.
func loop(ctx context.Context, client *chat.Client, mic *capture.Pipeline, input <-chan string, runErr <-chan error) int {
	for {
		select {
		case <-ctx.Done():
			return 0

		case err := <-runErr:
			if err != nil {
				fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
				return 1
			}
			fmt.Println("[system] Disconnected.")
			return 0

		case line, ok := <-input:
			if !ok {
				return 0
			}
			switch cmd := strings.TrimSpace(line); cmd {
			case "":
			case "/quit", "/exit":
				return 0
			case "/mute":
				if mic == nil {
					fmt.Println("[system] Microphone is not active.")
					continue
				}
				mic.SetMuted(!mic.Muted())
				if mic.Muted() {
					fmt.Println("[system] Microphone muted.")
				} else {
					fmt.Println("[system] Microphone live.")
				}
			default:
				if err := client.SendText(ctx, cmd); err != nil {
					fmt.Fprintf(os.Stderr, "docchat-client: %v\n", err)
				}
			}
		}
	}
}

// lines streams r line by line. The channel closes at EOF.
func lines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// readDocument loads a UTF-8 text file to use as context. name defaults to
// the file's base name.
func readDocument(path, name string) (text, docName string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read document: %w", err)
	}
	if !utf8.Valid(data) {
		return "", "", fmt.Errorf("read document %q: not UTF-8 text", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return strings.TrimSpace(string(data)), name, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// printer renders streamed events as they arrive.
type printer struct {
	conv      *chat.Conversation
	streaming bool
}

func newPrinter(conv *chat.Conversation) *printer { return &printer{conv: conv} }

func (p *printer) observe(ev chat.Event) {
	switch ev.Type {
	case "connected":
		p.endStream()
		fmt.Println("[system] " + ev.Message)
	case "error":
		p.endStream()
		msg := ev.Message
		if msg == "" && ev.Error != nil {
			msg = ev.Error.Message
		}
		fmt.Println("[system] Error: " + msg)
	case "response.text.delta":
		if !p.streaming {
			fmt.Print("assistant: ")
			p.streaming = true
		}
		fmt.Print(ev.Delta)
	case "response.text.done", "response.done":
		p.endStream()
	case "response.audio_transcript.done":
		p.endStream()
		// The conversation has already folded the deltas into a message.
		if m, ok := p.conv.Last(); ok && m.Role == chat.RoleAssistant {
			fmt.Println("assistant (spoken): " + m.Content)
		}
	case "conversation.item.input_audio_transcription.completed":
		if t := strings.TrimSpace(ev.Transcript); t != "" {
			fmt.Println("you (spoken): " + t)
		}
	}
}

func (p *printer) endStream() {
	if p.streaming {
		fmt.Println()
		p.streaming = false
	}
}

func printMessage(m chat.Message) {
	switch m.Role {
	case chat.RoleSystem:
		fmt.Println("[system] " + m.Content)
	default:
		fmt.Printf("%s: %s\n", m.Role, m.Content)
	}
}
