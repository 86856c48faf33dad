// serpentctl is an interactive operator console for a running collector.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/slithernet/serpent/internal/client"
)

var Version = "dev"

func main() {
	addr := flag.String("addr", "http://127.0.0.1:5055", "collector base URL")
	flag.Parse()

	c := client.New(*addr)
	console := &console{client: c}

	// A single command on the command line runs non-interactively.
	if flag.NArg() > 0 {
		console.execute(strings.Join(flag.Args(), " "))
		return
	}

	fmt.Printf("serpentctl %s (server %s)\n", Version, *addr)
	fmt.Println("type 'help' for commands, 'exit' to quit")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		p := prompt.New(
			console.execute,
			console.complete,
			prompt.OptionPrefix("serpent> "),
			prompt.OptionTitle("serpentctl"),
		)
		p.Run()
		return
	}

	// Piped input: plain line reader, no terminal control.
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		console.execute(sc.Text())
	}
}

type console struct {
	client *client.Client
}

func (c *console) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch fields[0] {
	case "help":
		c.help()
	case "exit", "quit":
		os.Exit(0)
	case "health":
		c.show(c.client.Health(ctx))
	case "config":
		c.show(c.client.Config(ctx))
	case "sessions":
		c.show(c.client.Sessions(ctx))
	case "stats":
		if len(fields) < 2 {
			fmt.Println("usage: stats <session-id>")
			return
		}
		c.show(c.client.SessionStats(ctx, fields[1]))
	case "flush":
		if len(fields) < 2 {
			fmt.Println("usage: flush <session-id>")
			return
		}
		if err := c.client.FlushSession(ctx, fields[1]); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("flushed", fields[1])
	case "latest":
		c.show(c.client.Latest(ctx))
	case "completed":
		c.show(c.client.Completed(ctx))
	case "user":
		if len(fields) < 2 {
			fmt.Println("usage: user <username>")
			return
		}
		c.show(c.client.UserSummary(ctx, fields[1]))
	default:
		fmt.Printf("unknown command %q, try 'help'\n", fields[0])
	}
}

// show prints any client result as indented JSON.
func (c *console) show(v any, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(data))
}

var commands = []prompt.Suggest{
	{Text: "sessions", Description: "list live sessions"},
	{Text: "stats", Description: "show one session's statistics"},
	{Text: "flush", Description: "force a session buffer flush"},
	{Text: "latest", Description: "show the most recent buffered frame"},
	{Text: "completed", Description: "list finalized sessions"},
	{Text: "user", Description: "aggregate statistics for a user"},
	{Text: "health", Description: "collector health"},
	{Text: "config", Description: "collector configuration"},
	{Text: "help", Description: "show commands"},
	{Text: "exit", Description: "quit"},
}

func (c *console) complete(d prompt.Document) []prompt.Suggest {
	parts := strings.Fields(d.TextBeforeCursor())
	if len(parts) > 1 || (len(parts) == 1 && strings.HasSuffix(d.TextBeforeCursor(), " ")) {
		// Second argument: offer live session ids for the session commands.
		if parts[0] == "stats" || parts[0] == "flush" {
			return prompt.FilterHasPrefix(c.sessionSuggestions(), d.GetWordBeforeCursor(), true)
		}
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}

func (c *console) sessionSuggestions() []prompt.Suggest {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	list, err := c.client.Sessions(ctx)
	if err != nil {
		return nil
	}
	out := make([]prompt.Suggest, 0, len(list.Sessions))
	for _, s := range list.Sessions {
		out = append(out, prompt.Suggest{
			Text:        s.SessionID,
			Description: fmt.Sprintf("%s, %d frames", s.Username, s.ValidFrames),
		})
	}
	return out
}

func (c *console) help() {
	fmt.Println("commands:")
	for _, cmd := range commands {
		fmt.Printf("  %-10s %s\n", cmd.Text, cmd.Description)
	}
}
