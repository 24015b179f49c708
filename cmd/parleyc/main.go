package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/InsulaLabs/parley/client"
	"github.com/fatih/color"
)

var (
	logger     *slog.Logger
	serverURL  string
	user       string
	userHeader string
	skipVerify bool
	verbose    bool
)

func init() {
	flag.StringVar(&serverURL, "server", envOr("PARLEY_SERVER", "http://127.0.0.1:8450"), "Server base URL")
	flag.StringVar(&user, "user", os.Getenv("PARLEY_USER"), "User to act as")
	flag.StringVar(&userHeader, "header", "X-Parley-User", "Header carrying the user identity")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	if user == "" {
		fail("no user given, use --user or PARLEY_USER")
	}

	cli, err := client.NewClient(&client.Config{
		BaseURL:    serverURL,
		User:       user,
		UserHeader: userHeader,
		SkipVerify: skipVerify,
		Logger:     logger,
	})
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, cmdArgs := args[0], args[1:]
	switch command {
	case "upload":
		handleUpload(ctx, cli, cmdArgs)
	case "download":
		handleDownload(ctx, cli, cmdArgs)
	case "conversation":
		handleConversation(ctx, cli, cmdArgs)
	case "conversations":
		handleConversations(ctx, cli)
	case "send":
		handleSend(ctx, cli, cmdArgs)
	case "history":
		handleHistory(ctx, cli, cmdArgs)
	case "listen":
		handleListen(ctx, cli)
	case "status":
		handleStatus(ctx, cli)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: parleyc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  upload <file> [mediaType]\n")
	fmt.Fprintf(os.Stderr, "  download <digest> [outFile]\n")
	fmt.Fprintf(os.Stderr, "  conversation <member> [member...]\n")
	fmt.Fprintf(os.Stderr, "  conversations\n")
	fmt.Fprintf(os.Stderr, "  send <conversationId> <text> [nonce]\n")
	fmt.Fprintf(os.Stderr, "  history <conversationId> [limit]\n")
	fmt.Fprintf(os.Stderr, "  listen\n")
	fmt.Fprintf(os.Stderr, "  status\n")
}

func handleUpload(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fail("upload: requires <file> [mediaType]")
	}
	f, err := os.Open(args[0])
	if err != nil {
		fail("%v", err)
	}
	defer f.Close()

	mediaType := mime.TypeByExtension(filepath.Ext(args[0]))
	if len(args) == 2 {
		mediaType = args[1]
	}

	res, err := c.Upload(ctx, filepath.Base(args[0]), mediaType, f)
	if err != nil {
		fail("upload: %v", err)
	}
	state := color.GreenString("stored")
	if res.Deduplicated {
		state = color.YellowString("already stored")
	}
	fmt.Printf("%s %s (%d bytes)\n", state, color.CyanString(res.Hash), res.Size)
}

func handleDownload(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fail("download: requires <digest> [outFile]")
	}
	var out io.Writer = os.Stdout
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			fail("%v", err)
		}
		defer f.Close()
		out = f
	}
	info, err := c.Download(ctx, args[0], out)
	if err != nil {
		fail("download: %v", err)
	}
	if len(args) == 2 {
		fmt.Printf("%s %s (%s, %d bytes)\n", color.GreenString("saved"), args[1], info.MediaType, info.Size)
	}
}

func handleConversation(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 {
		fail("conversation: requires at least one <member>")
	}
	conv, err := c.CreateConversation(ctx, args...)
	if err != nil {
		fail("conversation: %v", err)
	}
	fmt.Printf("%s %s %v\n", color.GreenString("created"), color.CyanString(conv.ID), conv.Members)
}

func handleConversations(ctx context.Context, c *client.Client) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		fail("conversations: %v", err)
	}
	if len(convs) == 0 {
		fmt.Println(color.HiBlackString("no conversations"))
		return
	}
	for _, conv := range convs {
		fmt.Printf("%s %v\n", color.CyanString(conv.ID), conv.Members)
	}
}

func handleSend(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 2 || len(args) > 3 {
		fail("send: requires <conversationId> <text> [nonce]")
	}
	var nonce *int64
	if len(args) == 3 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fail("send: nonce must be an integer")
		}
		nonce = &n
	}
	msg, delivered, err := c.PostMessage(ctx, args[0], args[1], nonce, "")
	if err != nil {
		fail("send: %v", err)
	}
	state := color.GreenString("delivered")
	if !delivered {
		state = color.YellowString("stored, recipient offline")
	}
	fmt.Printf("%s %s\n", state, color.CyanString(msg.ID))
}

func handleHistory(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fail("history: requires <conversationId> [limit]")
	}
	limit := 0
	if len(args) == 2 {
		var err error
		if limit, err = strconv.Atoi(args[1]); err != nil {
			fail("history: limit must be an integer")
		}
	}
	msgs, err := c.Messages(ctx, args[0], "", limit)
	if err != nil {
		fail("history: %v", err)
	}
	for _, m := range msgs {
		fmt.Printf("%s %s: %s\n", color.HiBlackString(m.CreatedAt.Local().Format(time.Kitchen)), color.CyanString(m.AuthorID), m.Content)
	}
}

func handleListen(ctx context.Context, c *client.Client) {
	fmt.Fprintln(os.Stderr, color.HiBlackString("listening, ctrl-c to stop"))
	err := c.Listen(ctx, func(ev client.Event) {
		switch ev.Type {
		case "hello":
			if h, err := ev.Hello(); err == nil {
				fmt.Printf("%s %s\n", color.GreenString("connected"), color.HiBlackString(h.ConnectionID))
			}
		case "message":
			body, err := ev.Message()
			if err != nil {
				logger.Error("Bad message event", "error", err)
				return
			}
			echo := ""
			if body.Nonce != nil {
				echo = color.HiBlackString(" (sent from another device, nonce %d)", *body.Nonce)
			}
			fmt.Printf("[%s] %s: %s%s\n", body.ConversationID, color.CyanString(body.Message.AuthorID), body.Message.Content, echo)
		default:
			fmt.Printf("%s %s\n", color.YellowString(ev.Type), string(ev.Body))
		}
	})
	if err != nil {
		fail("listen: %v", err)
	}
}

func handleStatus(ctx context.Context, c *client.Client) {
	st, err := c.Status(ctx)
	if err != nil {
		fail("status: %v", err)
	}
	fmt.Printf("users: %s  connections: %s  uptime: %s\n",
		color.CyanString("%d", st.Users), color.CyanString("%d", st.Connections), st.Uptime)
}
