package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/msync/internal/profile"
	"github.com/matheus3301/msync/internal/rpc"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	profileFlag string
	jsonOutput  bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "msyncctl",
	Short: "Control a running msyncd daemon",
	Long: `msyncctl talks to the msyncd daemon of one profile over its unix socket.

Sending works offline: messages are queued by the daemon and delivered in
order once the realtime connection is back.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveProfile() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func connect() (*rpc.Client, error) {
	name, err := resolveProfile()
	if err != nil {
		return nil, err
	}
	c, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

// call runs one unary call against the daemon.
func call(cmd *cobra.Command, method string, req map[string]any) (*structpb.Struct, error) {
	c, err := connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return c.Call(ctx, method, req)
}

// invoke is call plus output: JSON with --json, render otherwise.
func invoke(cmd *cobra.Command, method string, req map[string]any, render func(*structpb.Struct)) error {
	resp, err := call(cmd, method, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(resp)
	}
	if render != nil {
		render(resp)
	}
	return nil
}

func outputJSON(m *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
