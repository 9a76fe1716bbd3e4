// cmd/chat/main.go
// Terminal chat client: asks for a display name, then sends every typed line to the
// group and prints the group's messages as they arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/erilali/groupchat/internal/chat"
	"github.com/erilali/groupchat/internal/config"
	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/session"
	"github.com/erilali/groupchat/internal/transport"
)

func main() {
	configPath := flag.String("config", config.DefaultFile, "JSON configuration file")
	envFile := flag.String("env", config.DefaultEnvFile, ".env file")
	username := flag.String("username", "", "display name (prompted when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Log)
	clientLogger := logger.NewLogger("client")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := transport.New(cfg.Transport, transport.Options{
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		ClientName:     "groupchat-client",
	}, logger.NewLogger("transport"))
	if err != nil {
		clientLogger.Fatalf("%v", err)
	}

	o := chat.New(client, chat.Options{
		BrokerURL:       cfg.BrokerURL,
		Topic:           cfg.Topic,
		Destination:     cfg.Destination,
		JoinDestination: cfg.JoinDestination,
		Reconnect: chat.ReconnectPolicy{
			Enabled:         cfg.Reconnect.Enabled,
			InitialInterval: cfg.Reconnect.InitialInterval.Std(),
			MaxInterval:     cfg.Reconnect.MaxInterval.Std(),
		},
	}, logger.NewLogger("chat"))
	go o.Run(ctx)
	defer o.Logout()

	lines := make(chan string)
	go readLines(lines)

	user, ok := login(ctx, o, *username, lines)
	if !ok {
		return
	}
	go render(ctx, o, user)

	fmt.Println("Type your messages (/retry to reconnect, /quit to exit):")
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(text) {
			case "/quit", "/exit":
				return
			case "/retry":
				if err := o.Retry(ctx); err != nil {
					fmt.Printf("*** cannot retry: %v ***\n", err)
				}
				continue
			}
			if err := o.SendUserMessage(text); err != nil {
				fmt.Printf("*** not sent: %v ***\n", err)
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// login keeps asking until a usable name is entered.
func login(ctx context.Context, o *chat.Orchestrator, name string, lines <-chan string) (session.User, bool) {
	for {
		if name == "" {
			fmt.Print("Display name: ")
			select {
			case <-ctx.Done():
				return session.User{}, false
			case line, ok := <-lines:
				if !ok {
					return session.User{}, false
				}
				name = line
			}
		}

		user, err := o.Login(ctx, name)
		switch {
		case err == nil:
			return user, true
		case errors.Is(err, chat.ErrInvalidName):
			fmt.Println("Please enter a name.")
			name = ""
		default:
			fmt.Printf("Login failed: %v\n", err)
			return session.User{}, false
		}
	}
}

// render prints new log entries and connection changes until ctx is done.
func render(ctx context.Context, o *chat.Orchestrator, user session.User) {
	shown := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Log().Updates():
			if o.Log().Len() < shown {
				shown = 0 // cleared
			}
			for _, msg := range o.Log().Since(shown) {
				fmt.Println(formatMessage(msg.Sender, msg.Content, user))
				shown++
			}
		case <-o.StatusUpdates():
			status := o.Status()
			if status.Err != nil {
				fmt.Printf("*** %s: %v ***\n", status.State, status.Err)
			} else {
				fmt.Printf("*** %s ***\n", status.State)
			}
		}
	}
}

func formatMessage(sender, content string, self session.User) string {
	if sender == self.DisplayName {
		return fmt.Sprintf("%s[%s]\033[0m: %s", ansiColor(self.ColorTag), sender, content)
	}
	return fmt.Sprintf("[%s]: %s", sender, content)
}

// ansiColor turns a #rrggbb tag into a 24-bit foreground escape.
func ansiColor(tag string) string {
	var r, g, b uint8
	if _, err := fmt.Sscanf(tag, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return ""
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm", r, g, b)
}
