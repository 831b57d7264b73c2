package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/tgsync/internal/accounts"
	"github.com/matheus3301/tgsync/internal/api"
	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/matheus3301/tgsync/internal/profile"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "tgsyncctl",
		Usage: "control a running tgsyncd",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "profile", Usage: "profile name (overrides config default)", EnvVars: []string{"TGSYNC_PROFILE"}},
			&cli.BoolFlag{Name: "json", Usage: "output in JSON format"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-command timeout", Value: 30 * time.Second},
		},
		Commands: []*cli.Command{
			{Name: "status", Usage: "show worker and daemon status", Action: cmdStatus},
			{
				Name:  "accounts",
				Usage: "manage accounts",
				Subcommands: []*cli.Command{
					{Name: "list", Usage: "list accounts", Action: cmdAccountsList},
					{Name: "add", Usage: "start login for a phone number", ArgsUsage: "<phone>", Action: cmdAccountsAdd},
					{
						Name:      "verify",
						Usage:     "complete login with the received code",
						ArgsUsage: "<account-id> <code>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "hash", Usage: "phone code hash returned by add", Required: true},
							&cli.StringFlag{Name: "password", Usage: "two-factor password"},
						},
						Action: cmdAccountsVerify,
					},
				},
			},
			{
				Name:      "filter",
				Usage:     "set a filter toggle (" + strings.Join(filter.Names, ", ") + ")",
				ArgsUsage: "<account-id> <name> <true|false>",
				Action:    cmdFilter,
			},
			{Name: "backfill", Usage: "fetch recent history for an account", ArgsUsage: "<account-id>", Action: cmdBackfill},
			{
				Name:      "conversations",
				Usage:     "list conversations of an account",
				ArgsUsage: "<account-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.IntFlag{Name: "offset"},
				},
				Action: cmdConversations,
			},
			{
				Name:      "messages",
				Usage:     "list messages of a conversation, newest first",
				ArgsUsage: "<conversation-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.Int64Flag{Name: "before", Usage: "only messages older than this unix millisecond timestamp"},
				},
				Action: cmdMessages,
			},
			{
				Name:      "send",
				Usage:     "queue a text message",
				ArgsUsage: "<account-id> <peer-id> <text>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "reply-to", Usage: "remote id of the message to reply to"}},
				Action:    cmdSend,
			},
			{Name: "ingest", Usage: "replay a JSON array of messages", ArgsUsage: "<file.json>", Action: cmdIngest},
			{Name: "watch", Usage: "stream daemon events", ArgsUsage: "[kind-prefix]", Action: cmdWatch},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dial(c *cli.Context) (*api.Client, error) {
	name := profile.Resolve(c.String("profile"))
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	client, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return client, nil
}

// call runs one unary method and prints the reply as JSON when --json is set.
// It reports whether the caller should print its own rendering.
func call(c *cli.Context, method string, req, resp any) (bool, error) {
	client, err := dial(c)
	if err != nil {
		return false, err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	if err := client.Call(ctx, method, req, resp); err != nil {
		return false, err
	}
	if c.Bool("json") {
		outputJSON(resp)
		return false, nil
	}
	return true, nil
}

func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() < n {
		return nil, fmt.Errorf("usage: %s %s", c.Command.HelpName, c.Command.ArgsUsage)
	}
	return c.Args().Slice(), nil
}

func cmdStatus(c *cli.Context) error {
	var st api.StatusResponse
	human, err := call(c, api.MethodGetStatus, nil, &st)
	if err != nil || !human {
		return err
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("Worker:   %s (attempts %d, pid %d)\n", st.State, st.Attempts, st.Pid)
	if st.WorkerOK {
		fmt.Println("Ping:     ok")
	} else {
		fmt.Printf("Ping:     %s\n", st.WorkerError)
	}
	fmt.Printf("Pending:  %d calls\n", st.Pending)
	fmt.Printf("Spool:    %d messages\n", st.SpoolDepth)
	fmt.Printf("Uptime:   %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
	return nil
}

func cmdAccountsList(c *cli.Context) error {
	var resp struct {
		Accounts []api.AccountView `json:"accounts"`
	}
	human, err := call(c, api.MethodListAccounts, nil, &resp)
	if err != nil || !human {
		return err
	}
	if len(resp.Accounts) == 0 {
		fmt.Println("No accounts.")
		return nil
	}
	for _, a := range resp.Accounts {
		state := "inactive"
		if a.Active {
			state = "active"
		}
		fmt.Printf("%-36s %-16s %-8s @%s\n", a.ID, a.Phone, state, a.Username)
	}
	return nil
}

func cmdAccountsAdd(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	var reg accounts.Registration
	human, err := call(c, api.MethodAddAccount, map[string]any{"phone": a[0]}, &reg)
	if err != nil || !human {
		return err
	}
	fmt.Printf("Account: %s\n", reg.AccountID)
	fmt.Printf("Code sent. Verify with: tgsyncctl accounts verify --hash %s %s <code>\n", reg.PhoneCodeHash, reg.AccountID)
	return nil
}

func cmdAccountsVerify(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	req := map[string]any{
		"accountId":     a[0],
		"code":          a[1],
		"phoneCodeHash": c.String("hash"),
		"password":      c.String("password"),
	}
	var v accounts.Verification
	human, err := call(c, api.MethodVerifyCode, req, &v)
	if err != nil || !human {
		return err
	}
	if v.Needs2FA {
		fmt.Println("Two-factor password required. Repeat with --password.")
		return nil
	}
	fmt.Printf("Logged in as %s (@%s)\n", v.Name, v.Username)
	return nil
}

func cmdFilter(c *cli.Context) error {
	a, err := args(c, 3)
	if err != nil {
		return err
	}
	v, err := strconv.ParseBool(a[2])
	if err != nil {
		return fmt.Errorf("value must be true or false: %w", err)
	}
	var resp struct {
		Settings filter.Settings `json:"settings"`
	}
	human, err := call(c, api.MethodSetFilter, map[string]any{"accountId": a[0], "name": a[1], "value": v}, &resp)
	if err != nil || !human {
		return err
	}
	outputJSON(resp.Settings)
	return nil
}

func cmdBackfill(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	var resp struct {
		Report intsync.BackfillReport `json:"report"`
		Error  string                 `json:"error"`
	}
	human, err := call(c, api.MethodBackfill, map[string]any{"accountId": a[0]}, &resp)
	if err != nil || !human {
		return err
	}
	r := resp.Report
	fmt.Printf("Dialogs: %d (%d up to date, %d failed)\n", r.Dialogs, r.UpToDate, r.Failed)
	fmt.Printf("Messages: %d saved, %d skipped, %d already stored\n", r.Saved, r.Skipped, r.Deduped)
	if resp.Error != "" {
		fmt.Printf("Errors: %s\n", resp.Error)
	}
	return nil
}

func cmdConversations(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	var resp struct {
		Conversations []api.ConversationView `json:"conversations"`
	}
	req := map[string]any{"accountId": a[0], "limit": c.Int("limit"), "offset": c.Int("offset")}
	human, err := call(c, api.MethodListConversations, req, &resp)
	if err != nil || !human {
		return err
	}
	for _, cv := range resp.Conversations {
		ts := time.UnixMilli(cv.LastMessageAt).Format(time.DateTime)
		fmt.Printf("%-6d %-8s %-24s %s  %s\n", cv.ID, cv.PeerType, cv.Name, ts, cv.Preview)
	}
	return nil
}

func cmdMessages(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(a[0], 10, 64)
	if err != nil {
		return fmt.Errorf("conversation id: %w", err)
	}
	var resp struct {
		Messages []api.MessageView `json:"messages"`
	}
	req := map[string]any{"conversationId": id, "limit": c.Int("limit"), "beforeTs": c.Int64("before")}
	human, err := call(c, api.MethodListMessages, req, &resp)
	if err != nil || !human {
		return err
	}
	for _, m := range resp.Messages {
		from := m.FromName
		if m.IsOutgoing {
			from = "me"
		}
		text := m.Text
		if text == "" && m.MediaType != "" {
			text = "[" + m.MediaType + "]"
		}
		fmt.Printf("%s %-16s %s\n", time.UnixMilli(m.Timestamp).Format(time.DateTime), from, text)
	}
	return nil
}

func cmdSend(c *cli.Context) error {
	a, err := args(c, 3)
	if err != nil {
		return err
	}
	req := map[string]any{
		"accountId": a[0],
		"peerId":    a[1],
		"text":      strings.Join(a[2:], " "),
		"replyTo":   c.String("reply-to"),
	}
	var resp struct {
		ClientMsgID string `json:"clientMsgId"`
	}
	human, err := call(c, api.MethodSendText, req, &resp)
	if err != nil || !human {
		return err
	}
	fmt.Printf("Queued %s\n", resp.ClientMsgID)
	return nil
}

func cmdIngest(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(a[0])
	if err != nil {
		return err
	}
	var msgs []intsync.InboundMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("parse %s: %w", a[0], err)
	}
	var res intsync.BatchResult
	human, err := call(c, api.MethodIngestBatch, map[string]any{"messages": msgs}, &res)
	if err != nil || !human {
		return err
	}
	fmt.Printf("%d saved (%d already stored), %d skipped\n", res.SavedCount, res.DedupedCount, res.SkippedCount)
	return nil
}

func cmdWatch(c *cli.Context) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	err = client.Watch(ctx, c.Args().First(), func(evt api.EventView) error {
		if c.Bool("json") {
			outputJSON(evt)
			return nil
		}
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-24s %s\n", time.UnixMilli(evt.Timestamp).Format(time.TimeOnly), evt.Kind, payload)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
