// ABOUTME: CLI clients for a running gateway: health, apps and deploy
// ABOUTME: Addresses come from flags or from the listener addresses in the config file

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// clientFlags locate a running gateway.
type clientFlags struct {
	addr   string
	wsAddr string
	token  string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "gateway HTTP address (default server.http_addr from config)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (default $HARBOR_TOKEN)")
}

// resolve fills unset addresses from the config file.
func (f *clientFlags) resolve(needWS bool) error {
	if f.token == "" {
		f.token = os.Getenv("HARBOR_TOKEN")
	}
	if f.addr != "" && (!needWS || f.wsAddr != "") {
		return nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if f.addr == "" {
		f.addr = cfg.Server.HTTPAddr
	}
	if f.wsAddr == "" {
		f.wsAddr = cfg.Server.WSAddr
	}
	return nil
}

// dialable turns a wildcard listen address into one a client can reach.
func dialable(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (f *clientFlags) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	url := "http://" + dialable(f.addr) + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// printJSON pretty-prints raw JSON, falling back to the raw bytes.
func printJSON(w io.Writer, raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, buf.String())
}

// apiError extracts the "error" field of a JSON error body.
func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s (status %d)", body.Error, status)
	}
	return fmt.Errorf("unexpected status %d", status)
}

func newHealthCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.resolve(false); err != nil {
				return err
			}
			status, raw, err := flags.do(cmd.Context(), http.MethodGet, "/health", nil)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newAppsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "apps [name]",
		Short: "List registered apps, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.resolve(false); err != nil {
				return err
			}
			path := "/apps"
			if len(args) == 1 {
				path = "/apps/" + args[0] + "/status"
			}
			status, raw, err := flags.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(status, raw)
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newDeployCmd() *cobra.Command {
	var (
		flags    clientFlags
		trigger  string
		sets     []string
		rollback bool
		watch    bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deploy <app>",
		Short: "Queue a deploy or rollback of a registered app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := args[0]
			if err := flags.resolve(watch); err != nil {
				return err
			}

			body := map[string]any{}
			if trigger != "" {
				body["trigger"] = trigger
			}
			for _, kv := range sets {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --set %q, want key=value", kv)
				}
				body[k] = v
			}

			ctx := cmd.Context()
			var events *websocket.Conn
			if watch {
				dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				conn, err := subscribe(dialCtx, flags.wsAddr, app)
				if err != nil {
					return err
				}
				defer conn.CloseNow()
				events = conn
			}

			path := "/deploy/" + app
			if rollback {
				path = "/apps/" + app + "/rollback"
			}
			status, raw, err := flags.do(ctx, http.MethodPost, path, body)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted {
				return apiError(status, raw)
			}

			var accepted struct {
				DeployID string `json:"deployId"`
				Position int    `json:"position"`
				Started  bool   `json:"started"`
			}
			if err := json.Unmarshal(raw, &accepted); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			out := cmd.OutOrStdout()
			if accepted.Started {
				fmt.Fprintf(out, "deploy %s started\n", accepted.DeployID)
			} else {
				fmt.Fprintf(out, "deploy %s queued at position %d\n", accepted.DeployID, accepted.Position)
			}

			if events == nil {
				return nil
			}
			watchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return followDeploy(watchCtx, out, events, accepted.DeployID)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.wsAddr, "ws-addr", "", "gateway WebSocket address (default server.ws_addr from config)")
	cmd.Flags().StringVar(&trigger, "trigger", "", "initiator recorded with the deploy")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "extra key=value passed to the agent; repeatable")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "queue a rollback instead of a deploy")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream deploy events until the deploy ends")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long --watch waits")
	return cmd
}

// subscribe opens the deploy stream for app before the deploy is queued.
func subscribe(ctx context.Context, wsAddr, app string) (*websocket.Conn, error) {
	url := "ws://" + dialable(wsAddr) + "/deploy/" + app
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribing to deploy stream: %w", err)
	}

	var hello map[string]any
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("reading subscription ack: %w", err)
	}
	if hello["type"] != "subscribed" {
		conn.CloseNow()
		return nil, fmt.Errorf("unexpected frame %v", hello["type"])
	}
	return conn, nil
}

// followDeploy prints events for deployID until it finishes or fails.
func followDeploy(ctx context.Context, out io.Writer, conn *websocket.Conn, deployID string) error {
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for {
		var ev map[string]any
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("reading deploy stream: %w", err)
		}
		if ev["type"] != "deploy_event" {
			continue
		}

		switch ev["event"] {
		case "log":
			gray.Fprintf(out, "  %v\n", ev["message"])
		case "status":
			if id, _ := ev["deployId"].(string); id != deployID {
				continue
			}
			switch ev["status"] {
			case "finished":
				green.Fprintf(out, "  finished in %vms\n", ev["elapsed"])
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			case "failed":
				red.Fprintf(out, "  failed: %v\n", ev["result"])
				conn.Close(websocket.StatusNormalClosure, "")
				return errors.New("deploy failed")
			default:
				fmt.Fprintf(out, "  %v\n", ev["status"])
			}
		}
	}
}
