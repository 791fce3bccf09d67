package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/msync/internal/lock"
	"github.com/matheus3301/msync/internal/profile"
	"github.com/matheus3301/msync/internal/rpc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	createDescription string
	createMembers     []string

	sendReplyTo string
	sendGroup   string

	searchGroup string
	searchLimit int
)

func init() {
	createGroupCmd.Flags().StringVar(&createDescription, "description", "", "group description")
	createGroupCmd.Flags().StringSliceVar(&createMembers, "members", nil, "comma-separated member ids")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being answered")
	sendCmd.Flags().StringVar(&sendGroup, "group", "", "select this group before sending")

	searchCmd.Flags().StringVar(&searchGroup, "group", "", "restrict to one group")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")

	rootCmd.AddCommand(
		statusCmd,
		groupsCmd,
		createGroupCmd,
		openCmd,
		messagesCmd,
		sendCmd,
		editCmd,
		deleteCmd,
		retryCmd,
		discardCmd,
		typingCmd,
		onlineCmd,
		offlineCmd,
		autoCmd,
		reconnectCmd,
		flushCmd,
		searchCmd,
		watchCmd,
		profilesCmd,
	)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return invoke(cmd, rpc.MethodGetStatus, nil, func(s *structpb.Struct) {
			conn := s.Fields["connection"].GetStructValue()
			fmt.Printf("Profile:     %s\n", str(s, "profile"))
			fmt.Printf("Connection:  %s\n", str(conn, "state"))
			if n := num(conn, "reconnect_attempts"); n > 0 {
				fmt.Printf("Attempts:    %d\n", n)
			}
			if ms := num(conn, "last_connected_ms"); ms > 0 {
				fmt.Printf("Last seen:   %s\n", formatMillis(ms))
			}
			if nw := s.Fields["network"].GetStructValue(); nw != nil {
				mode := "auto"
				if nw.Fields["forced"].GetBoolValue() {
					mode = "forced"
				}
				fmt.Printf("Network:     %s (%s)\n", onOff(nw.Fields["online"].GetBoolValue()), mode)
			}
			if id := str(s, "selected_group"); id != "" {
				fmt.Printf("Selected:    %s\n", id)
			}
		})
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return invoke(cmd, rpc.MethodListGroups, nil, func(s *structpb.Struct) {
			groups := list(s, "groups")
			if len(groups) == 0 {
				fmt.Println("No groups.")
				return
			}
			for _, g := range groups {
				unread := ""
				if n := num(g, "unread_count"); n > 0 {
					unread = fmt.Sprintf(" [%d unread]", n)
				}
				fmt.Printf("%-8s %-24s %s%s\n", str(g, "id"), str(g, "name"), str(g, "last_message"), unread)
			}
		})
	},
}

var createGroupCmd = &cobra.Command{
	Use:   "create-group <name>",
	Short: "Create a group (requires a connection)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		members := make([]any, 0, len(createMembers))
		for _, m := range createMembers {
			members = append(members, m)
		}
		req := map[string]any{"name": args[0], "description": createDescription, "member_ids": members}
		return invoke(cmd, rpc.MethodCreateGroup, req, func(s *structpb.Struct) {
			g := s.Fields["group"].GetStructValue()
			fmt.Printf("Created group %s (%s)\n", str(g, "name"), str(g, "id"))
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <group-id>",
	Short: "Select a group and show its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return invoke(cmd, rpc.MethodSelectGroup, map[string]any{"group_id": args[0]}, func(s *structpb.Struct) {
			printMessages(list(s, "messages"))
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show messages of the selected group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return invoke(cmd, rpc.MethodListMessages, nil, func(s *structpb.Struct) {
			printMessages(list(s, "messages"))
			if typing := s.Fields["typing"].GetListValue().GetValues(); len(typing) > 0 {
				names := make([]string, 0, len(typing))
				for _, v := range typing {
					names = append(names, v.GetStringValue())
				}
				fmt.Printf("typing: %s\n", strings.Join(names, ", "))
			}
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send a message to the selected group",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendGroup != "" {
			if _, err := call(cmd, rpc.MethodSelectGroup, map[string]any{"group_id": sendGroup}); err != nil {
				return err
			}
		}
		req := map[string]any{"content": strings.Join(args, " ")}
		if sendReplyTo != "" {
			req["reply_to_id"] = sendReplyTo
		}
		return invoke(cmd, rpc.MethodSendMessage, req, func(s *structpb.Struct) {
			m := s.Fields["message"].GetStructValue()
			fmt.Printf("%s %s\n", str(m, "status"), str(m, "id"))
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text>...",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"id": args[0], "content": strings.Join(args[1:], " ")}
		return invoke(cmd, rpc.MethodEditMessage, req, func(s *structpb.Struct) {
			printMessages([]*structpb.Struct{s.Fields["message"].GetStructValue()})
		})
	},
}

var deleteCmd = idCommand("delete", "Delete one of your messages", rpc.MethodDeleteMessage, "Deleted")
var retryCmd = idCommand("retry", "Requeue a failed message", rpc.MethodRetryMessage, "Requeued")
var discardCmd = idCommand("discard", "Drop a failed message", rpc.MethodDiscardMessage, "Discarded")

func idCommand(use, short, method, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <message-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, method, map[string]any{"id": args[0]}, func(*structpb.Struct) {
				fmt.Printf("%s %s\n", done, args[0])
			})
		},
	}
}

var typingCmd = &cobra.Command{
	Use:       "typing <on|off>",
	Short:     "Send a typing indicator to the selected group",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var typing bool
		switch args[0] {
		case "on":
			typing = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return invoke(cmd, rpc.MethodSendTyping, map[string]any{"typing": typing}, nil)
	},
}

var onlineCmd = networkCommand("online", "Force the network signal online", map[string]any{"online": true})
var offlineCmd = networkCommand("offline", "Force the network signal offline", map[string]any{"online": false})
var autoCmd = networkCommand("auto", "Hand the network signal back to the watcher", map[string]any{"auto": true})

func networkCommand(use, short string, req map[string]any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(cmd, rpc.MethodSetNetwork, req, func(*structpb.Struct) {
				fmt.Printf("Network: %s\n", use)
			})
		},
	}
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Probe the realtime connection now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return invoke(cmd, rpc.MethodReconnect, nil, func(s *structpb.Struct) {
			if !s.Fields["probed"].GetBoolValue() {
				fmt.Println("Probe skipped (offline, busy or too soon).")
			}
			fmt.Printf("Connection: %s\n", str(s.Fields["connection"].GetStructValue(), "state"))
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay the outgoing queue now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return invoke(cmd, rpc.MethodFlush, nil, func(s *structpb.Struct) {
			fmt.Printf("sent=%d failed=%d retried=%d skipped=%d\n",
				num(s, "sent"), num(s, "failed"), num(s, "retried"), num(s, "skipped"))
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Search cached messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"query": strings.Join(args, " "), "limit": float64(searchLimit)}
		if searchGroup != "" {
			req["group_id"] = searchGroup
		}
		return invoke(cmd, rpc.MethodSearchMessages, req, func(s *structpb.Struct) {
			results := list(s, "results")
			if len(results) == 0 {
				fmt.Println("No matches.")
				return
			}
			for _, r := range results {
				fmt.Printf("[%s] %s  %s: %s\n", str(r, "group_id"), formatMillis(num(r, "created_at_ms")), str(r, "sender_id"), str(r, "snippet"))
			}
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [kind-prefix]...",
	Short: "Stream daemon events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := c.Watch(ctx, args...)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil || grpcstatus.Code(err) == codes.Canceled {
					return nil
				}
				return err
			}
			if jsonOutput {
				if err := outputJSON(evt); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s %s\n", formatMillis(num(evt, "occurred_at_ms")), str(evt, "kind"))
		}
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List local profiles",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		rows := make([]any, 0, len(names))
		for _, name := range names {
			row := map[string]any{"name": name, "path": profile.Dir(name), "running": false}
			if running, pid := daemonRunning(name); running {
				row["running"] = true
				row["pid"] = float64(pid)
			}
			rows = append(rows, row)
		}
		if jsonOutput {
			s, err := structpb.NewStruct(map[string]any{"profiles": rows})
			if err != nil {
				return err
			}
			return outputJSON(s)
		}
		if len(rows) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}
		for _, r := range rows {
			row := r.(map[string]any)
			state := "stopped"
			if row["running"].(bool) {
				state = fmt.Sprintf("running, pid %v", row["pid"])
			}
			fmt.Printf("%-20s %s (%s)\n", row["name"], row["path"], state)
		}
		return nil
	},
}

// daemonRunning reports whether a daemon holds the profile lock, by trying
// to take it.
func daemonRunning(name string) (bool, int) {
	lk, err := lock.Acquire(profile.Dir(name))
	if err == nil {
		_ = lk.Release()
		return false, 0
	}
	var held *lock.LockHeldError
	if errors.As(err, &held) {
		return true, held.Owner.PID
	}
	return false, 0
}

func printMessages(msgs []*structpb.Struct) {
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		content := str(m, "content")
		if _, deleted := m.Fields["deleted_at_ms"]; deleted {
			content = "(deleted)"
		} else if _, edited := m.Fields["edited_at_ms"]; edited {
			content += " (edited)"
		}
		fmt.Printf("%s %-10s %-12s %s  [%s]\n",
			formatMillis(num(m, "created_at_ms")), str(m, "sender_id"), str(m, "id"), content, str(m, "status"))
	}
}

func list(s *structpb.Struct, key string) []*structpb.Struct {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStructValue())
	}
	return out
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func onOff(b bool) string {
	if b {
		return "online"
	}
	return "offline"
}
