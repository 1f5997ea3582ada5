package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/baderanaas/HushLink/pkg/bootstrap"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/router"
)

const usage = `Commands:
  /host                          - Start hosting and print an invite link
  /invite                        - Open another invite for the next guest
  /accept <code|link>            - Apply a guest's answer
  /join <code|link>              - Answer a host's invite
  /link <link>                   - Handle any HushLink link
  /msg <text>                    - Send to the general group
  /private <peer> <text>         - Send a private message
  /secure <peer|group> <text>    - Send an end-to-end encrypted message
  /group <name>                  - Create a custom group
  /say <group> <text>            - Send to a custom group
  /invitation <group|private> <name> - Create an invitation link
  /session <protocol>            - Announce a session
  /verify <peer>                 - Challenge a peer to prove its key
  /trust <peer>                  - Mark a peer verified after comparing fingerprints
  /peers                         - List peers
  /chats                         - List chats
  /read <chat>                   - Show a chat and mark it read
  /history <chat> [n]            - Show persisted history (default 50)
  /status                        - Show node status
  /security                      - Show the security report
  /export                        - Print the identity backup
  /quit                          - Exit
  <message>                      - Send to the general group`

// RunCLI reads commands from in until /quit, EOF or ctx is done, writing
// output and incoming messages to out.
func (n *Node) RunCLI(ctx context.Context, in io.Reader, out io.Writer) error {
	n.store.Watch(func(ref router.ChatRef, m router.Message) {
		self, _ := n.router.Self()
		if m.From == self && m.Kind != router.KindSystem {
			return
		}
		fmt.Fprintf(out, "\r%s\n> ", formatMessage(ref, m))
	})

	fmt.Fprintf(out, "\n✅ HushLink node %s (%s)\n", n.record.ID, n.crypto.Fingerprint().Short)
	if code := n.RecoveryCode(); code != "" {
		fmt.Fprintf(out, "🔑 Recovery code (shown once): %s\n", code)
	}
	fmt.Fprintln(out, usage)
	fmt.Fprint(out, "> ")

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "/quit" {
				fmt.Fprintln(out, "🔌 Shutting down...")
				return nil
			}
			if input != "" {
				n.command(ctx, input, out)
			}
			fmt.Fprint(out, "> ")
		}
	}
}

func (n *Node) command(ctx context.Context, input string, out io.Writer) {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	fail := func(format string, args ...any) {
		fmt.Fprintf(out, "❌ "+format+"\n", args...)
	}

	switch cmd {
	case "/host":
		gw, err := n.Host(ctx)
		if err != nil {
			fail("Failed to host: %v", err)
			return
		}
		printGateway(out, gw)
	case "/invite":
		gw, err := n.CreateInvite(ctx)
		if err != nil {
			fail("Failed to create invite: %v", err)
			return
		}
		printGateway(out, gw)
	case "/accept":
		if rest == "" {
			fmt.Fprintln(out, "Usage: /accept <code|link>")
			return
		}
		if _, err := n.AcceptAnswer(ctx, rest); err != nil {
			fail("Failed to apply answer: %v", err)
			return
		}
		fmt.Fprintln(out, "✅ Answer applied, waiting for the guest to connect")
	case "/join":
		if rest == "" {
			fmt.Fprintln(out, "Usage: /join <code|link>")
			return
		}
		answer, err := n.Join(ctx, rest)
		if err != nil {
			fail("Failed to join: %v", err)
			return
		}
		printAnswer(out, answer)
	case "/link":
		res, err := n.HandleLink(ctx, rest)
		if err != nil {
			fail("Failed to handle link: %v", err)
			return
		}
		switch {
		case res.Answer != nil:
			printAnswer(out, *res.Answer)
		case res.Conn != nil:
			fmt.Fprintln(out, "✅ Answer applied, waiting for the guest to connect")
		case res.Pending:
			fmt.Fprintln(out, "📨 Invitation saved; ask the creator for a link with a connection code")
		default:
			fmt.Fprintf(out, "✅ Handled %s link\n", res.Intent.Kind)
		}
	case "/msg":
		if err := n.SendGroupMessage(rest); err != nil {
			fail("Failed to send message: %v", err)
		}
	case "/private", "/secure", "/say":
		target, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Fprintf(out, "Usage: %s <target> <text>\n", cmd)
			return
		}
		var err error
		switch cmd {
		case "/private":
			err = n.SendPrivateMessage(target, text)
		case "/secure":
			err = n.SendEncrypted(target, text)
		default:
			err = n.SendToGroup(target, text)
		}
		if err != nil {
			fail("Failed to send: %v", err)
		}
	case "/group":
		if rest == "" {
			fmt.Fprintln(out, "Usage: /group <name>")
			return
		}
		g := n.CreateGroup(rest)
		fmt.Fprintf(out, "✅ Created group %s (%s)\n", g.Name, g.ID)
	case "/invitation":
		chatType, name, _ := strings.Cut(rest, " ")
		if chatType == "" {
			fmt.Fprintln(out, "Usage: /invitation <group|private> <name>")
			return
		}
		link, err := n.CreateInvitation(ctx, chatType, strings.TrimSpace(name), true)
		if err != nil {
			fail("Failed to create invitation: %v", err)
			return
		}
		fmt.Fprintf(out, "📨 Invitation link:\n%s\n", link)
	case "/session":
		if rest == "" {
			fmt.Fprintln(out, "Usage: /session <protocol>")
			return
		}
		link, err := n.StartSession(rest)
		if err != nil {
			fail("Failed to start session: %v", err)
			return
		}
		fmt.Fprintf(out, "📡 Session link:\n%s\n", link)
	case "/verify":
		if err := n.RequestVerification(rest); err != nil {
			fail("Failed to request verification: %v", err)
			return
		}
		fmt.Fprintf(out, "🔐 Challenge sent to %s\n", rest)
	case "/trust":
		if err := n.MarkVerified(rest); err != nil {
			fail("Failed to mark verified: %v", err)
		}
	case "/peers":
		n.printPeers(out)
	case "/chats":
		n.printChats(out)
	case "/read":
		msgs, err := n.ReadChat(rest)
		if err != nil {
			fail("%v", err)
			return
		}
		ref := router.ChatRef{Type: router.ChatGroup, ID: rest}
		if _, ok := n.store.Group(rest); !ok {
			ref.Type = router.ChatPrivate
		}
		fmt.Fprintf(out, "--- %s ---\n", rest)
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(ref, m))
		}
		fmt.Fprintln(out, "--- end ---")
	case "/history":
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			fmt.Fprintln(out, "Usage: /history <chat> [count]")
			return
		}
		count := 50
		if len(parts) > 1 {
			c, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Fprintln(out, "Invalid count, must be a number.")
				return
			}
			count = c
		}
		msgs, err := n.History(parts[0], count)
		if err != nil {
			fmt.Fprintf(out, "⚠️ Could not load history for %s: %v\n", parts[0], err)
			return
		}
		fmt.Fprintf(out, "--- History for %s (last %d messages) ---\n", parts[0], len(msgs))
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.FromName, m.Content)
		}
		fmt.Fprintln(out, "--- End of history ---")
	case "/status":
		s := n.Status()
		fmt.Fprintf(out, "📊 %s (%s) role=%s transport=%s fingerprint=%s\n", s.Name, s.ID, s.Role, s.Transport, s.Fingerprint)
		fmt.Fprintf(out, "   peers=%d open=%d pending=%d healthy=%t gateways=%d\n", s.Peers, s.OpenPeers, s.Pending, s.Healthy, s.Gateways)
	case "/security":
		printJSON(out, n.SecurityReport())
	case "/export":
		b, err := n.ExportIdentity()
		if err != nil {
			fail("Failed to export identity: %v", err)
			return
		}
		printJSON(out, b)
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintf(out, "Unknown command %s\n%s\n", cmd, usage)
			return
		}
		if err := n.SendGroupMessage(input); err != nil {
			fail("Failed to send message: %v", err)
		}
	}
}

func printGateway(out io.Writer, gw bootstrap.Gateway) {
	fmt.Fprintf(out, "🔗 Invite link (gateway %s):\n%s\n", gw.ID, gw.Link)
	fmt.Fprintln(out, "Send it to one guest, then /accept the answer they return.")
}

func printAnswer(out io.Writer, a bootstrap.Answer) {
	fmt.Fprintf(out, "🔗 Answer link:\n%s\n", a.Link)
	fmt.Fprintln(out, "Send it back to the host.")
}

func printJSON(out io.Writer, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "❌ %v\n", err)
		return
	}
	fmt.Fprintln(out, string(raw))
}

func (n *Node) printPeers(out io.Writer) {
	peers := n.Peers()
	fmt.Fprintf(out, "📊 %d peers\n", len(peers))
	for _, p := range peers {
		flags := ""
		if p.Verified {
			flags += " verified"
		}
		if p.Compromised {
			flags += " ⚠️compromised"
		}
		fmt.Fprintf(out, "  - %s (%s) %s key=%s trust=%d%s\n", p.Name, p.ID, p.State, p.Fingerprint, p.Trust, flags)
	}
}

func (n *Node) printChats(out io.Writer) {
	active := n.store.Active()
	mark := func(ref router.ChatRef) string {
		if ref == active {
			return " (current)"
		}
		return ""
	}
	fmt.Fprintln(out, "Groups:")
	for _, g := range n.store.Groups() {
		fmt.Fprintf(out, "  - %s [%s] %d members, %d unread%s\n", g.Name, g.ID, len(g.Members), g.Unread,
			mark(router.ChatRef{Type: router.ChatGroup, ID: g.ID}))
	}
	fmt.Fprintln(out, "Private:")
	for _, c := range n.store.PrivateChats() {
		fmt.Fprintf(out, "  - %s [%s] %d unread%s\n", c.Name, c.ID, c.Unread,
			mark(router.ChatRef{Type: router.ChatPrivate, ID: c.ID}))
	}
}

func formatMessage(ref router.ChatRef, m router.Message) string {
	ts := m.Timestamp.Format("15:04")
	if m.Kind == router.KindSystem {
		return fmt.Sprintf("[%s] * %s", ts, m.Content)
	}
	lock := ""
	if m.Encrypted {
		lock = "🔒 "
	}
	from := m.FromName
	if from == "" {
		from = m.From
	}
	where := ref.ID
	if ref.Type == router.ChatPrivate {
		where = "private"
	} else if where == protocol.GroupTarget {
		where = router.GeneralID
	}
	return fmt.Sprintf("[%s] [%s] %s%s: %s", ts, where, lock, from, m.Content)
}
