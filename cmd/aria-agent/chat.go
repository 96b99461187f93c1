package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/floegence/aria-agent/internal/chatclient"
	"github.com/floegence/aria-agent/internal/session"
	"github.com/floegence/aria-agent/internal/settings"
)

// calendarTokenName is the env var or keyring entry holding the user's calendar access token.
const calendarTokenName = "ARIA_CALENDAR_TOKEN"

type chatFlags struct {
	server     string
	userID     string
	timezone   string
	city       string
	country    string
	unit       string
	timeFormat string
}

func (f chatFlags) userContext() *session.UserContext {
	uc := &session.UserContext{Timezone: f.timezone}
	if uc.Timezone == "" {
		uc.Timezone = localTimezone()
	}
	if f.city != "" {
		uc.Location = &session.Location{City: f.city, Country: f.country}
	}
	if f.unit != "" || f.timeFormat != "" {
		uc.Preferences = &session.Preferences{WeatherUnit: f.unit, TimeFormat: f.timeFormat}
	}
	return uc
}

func localTimezone() string {
	if tz := strings.TrimSpace(os.Getenv("TZ")); tz != "" {
		return tz
	}
	if name := time.Now().Location().String(); name != "Local" {
		return name
	}
	return ""
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with Aria in the terminal",
		Long:  "Chat with Aria in the terminal.\n\nCommands: /clear starts a new conversation, /cancel stops the current reply, /quit exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, err := newChatController(cmd, g, f, false)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			// Ctrl-C stops the reply in flight, or quits when idle.
			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-interrupts:
						if !ctrl.CancelRequest() {
							stop()
							return
						}
					}
				}
			}()
			return runChat(ctx, ctrl, cmd.InOrStdin(), cmd.OutOrStdout(), f.userContext())
		},
	}
	cmd.Flags().StringVar(&f.server, "server", "", "Server base URL (default: http://<listen> from config)")
	cmd.Flags().StringVar(&f.userID, "user", "", "User id sent with each request")
	cmd.Flags().StringVar(&f.timezone, "timezone", "", "IANA timezone (default: $TZ)")
	cmd.Flags().StringVar(&f.city, "city", "", "City for weather and context")
	cmd.Flags().StringVar(&f.country, "country", "", "Country for weather and context")
	cmd.Flags().StringVar(&f.unit, "unit", "", "Weather unit: celsius|fahrenheit")
	cmd.Flags().StringVar(&f.timeFormat, "time-format", "", "Time format: 12h|24h")
	return cmd
}

func newChatController(cmd *cobra.Command, g *globalFlags, f chatFlags, quiet bool) (*chatclient.Controller, error) {
	cfg, cfgPath, err := g.loadConfig(true)
	if err != nil {
		return nil, err
	}
	log, _, err := newLogger(os.Stderr, firstNonEmpty(g.logFormat, "text"), firstNonEmpty(g.logLevel, "warn"))
	if err != nil {
		return nil, err
	}
	token, err := settings.NewSecrets().Optional(calendarTokenName)
	if err != nil {
		log.Warn("calendar token unavailable", "error", err)
	}
	var onEvent func(chatclient.Event)
	if !quiet {
		onEvent = newEventPrinter(cmd.OutOrStdout()).print
	}
	return chatclient.New(chatclient.Options{
		BaseURL:       firstNonEmpty(f.server, "http://"+cfg.ListenAddr()),
		StatePath:     filepath.Join(cfg.ResolveStateDir(cfgPath), "chat-state.json"),
		UserID:        f.userID,
		CalendarToken: token,
		Logger:        log,
		OnEvent:       onEvent,
	})
}

type eventPrinter struct {
	w         io.Writer
	inContent bool
}

func newEventPrinter(w io.Writer) *eventPrinter { return &eventPrinter{w: w} }

func (p *eventPrinter) print(ev chatclient.Event) {
	switch ev.Type {
	case chatclient.EventContent:
		var frag string
		if gjson.ValidBytes(ev.Data) {
			frag = gjson.ParseBytes(ev.Data).String()
		}
		if !p.inContent {
			fmt.Fprint(p.w, render(p.w, titleStyle, "aria")+" ")
			p.inContent = true
		}
		fmt.Fprint(p.w, frag)
	case chatclient.EventToolCall:
		p.breakLine()
		fmt.Fprintln(p.w, render(p.w, toolStyle, "  ⚙ "+gjson.GetBytes(ev.Data, "name").String()))
	case chatclient.EventToolResult:
		name := gjson.GetBytes(ev.Data, "name").String()
		if gjson.GetBytes(ev.Data, "success").Bool() {
			fmt.Fprintln(p.w, render(p.w, okStyle, "  ✓ "+name))
		} else {
			fmt.Fprintln(p.w, render(p.w, errStyle, "  ✗ "+name+": "+gjson.GetBytes(ev.Data, "error").String()))
		}
	case chatclient.EventToolError:
		fmt.Fprintln(p.w, render(p.w, errStyle, "  ✗ "+gjson.GetBytes(ev.Data, "name").String()+": "+gjson.GetBytes(ev.Data, "error").String()))
	case chatclient.EventComplete, chatclient.EventError:
		p.breakLine()
	}
}

func (p *eventPrinter) breakLine() {
	if p.inContent {
		fmt.Fprintln(p.w)
		p.inContent = false
	}
}

// runChat is the interactive loop. Input keeps being read while a reply streams so /cancel and
// /quit work mid-reply.
func runChat(ctx context.Context, ctrl *chatclient.Controller, in io.Reader, out io.Writer, uc *session.UserContext) error {
	th, err := ctrl.EnsureThread(ctx)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	fmt.Fprintln(out, render(out, dimStyle, "thread "+th.ID+"  (/clear, /cancel, /quit)"))
	for _, m := range ctrl.Messages() {
		printMessage(out, m)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var done chan error
	prompt := func() { fmt.Fprint(out, render(out, userStyle, "you")+" ") }
	prompt()
	for {
		select {
		case <-ctx.Done():
			ctrl.CancelRequest()
			return nil
		case err := <-done:
			done = nil
			if err != nil {
				fmt.Fprintln(out, render(out, errStyle, "error: "+err.Error()))
			}
			prompt()
		case line, ok := <-lines:
			if !ok {
				if done != nil {
					<-done
				}
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "/quit" || line == "/exit":
				ctrl.CancelRequest()
				return nil
			case line == "/cancel":
				if !ctrl.CancelRequest() {
					fmt.Fprintln(out, render(out, dimStyle, "nothing to cancel"))
					prompt()
				} else {
					fmt.Fprintln(out, render(out, dimStyle, "\ncancelled"))
				}
			case line == "/clear":
				th, err := ctrl.ClearConversation(ctx)
				if err != nil {
					fmt.Fprintln(out, render(out, errStyle, "error: "+err.Error()))
				} else {
					fmt.Fprintln(out, render(out, dimStyle, "new conversation "+th.ID))
				}
				if done == nil {
					prompt()
				}
			case line == "":
				if done == nil {
					prompt()
				}
			case done != nil:
				fmt.Fprintln(out, render(out, dimStyle, "still answering; /cancel first"))
			default:
				done = make(chan error, 1)
				go func(text string, ch chan error) { ch <- ctrl.SendMessage(ctx, text, uc) }(line, done)
			}
		}
	}
}

func printMessage(w io.Writer, m chatclient.Message) {
	who := render(w, userStyle, "you")
	if m.Role == "assistant" {
		who = render(w, titleStyle, "aria")
	}
	fmt.Fprintf(w, "%s %s\n", who, m.Content)
}
