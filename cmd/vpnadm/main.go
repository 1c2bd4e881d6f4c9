package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ikeniborn/vpn-sub000/pkg/engine"
	"github.com/ikeniborn/vpn-sub000/pkg/lifecycle"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/metrics"
	"github.com/ikeniborn/vpn-sub000/pkg/netalloc"
	"github.com/ikeniborn/vpn-sub000/pkg/registry"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vpnadm",
	Short: "vpnadm - containerized VPN endpoint manager",
	Long: `vpnadm manages containerized VPN endpoints (VLESS+Reality,
Shadowsocks, WireGuard, HTTP/SOCKS proxy): one authoritative inbound
document per protocol instance, derived caches and per-user credential
records kept consistent with it, and a managed container restarted and
health-checked after every change.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vpnadm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "/opt/vpnadm", "Data directory for instances and user records")
	rootCmd.PersistentFlags().String("host", "", "Public address stamped into connection links")
	rootCmd.PersistentFlags().String("protocol", "vless", "Protocol instance to operate on (vless|shadowsocks|wireguard|proxy)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("json", false, "JSON log output")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "Confirm destructive operations without prompting")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(rotateKeysCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(metricsCmd)
}

// withEngine wires the full stack for one invocation and tears it down
// after fn returns.
func withEngine(cmd *cobra.Command, fn func(e *engine.Engine, req *engine.Request) error, req *engine.Request) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	host, _ := cmd.Flags().GetString("host")
	protoFlag, _ := cmd.Flags().GetString("protocol")
	levelFlag, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("json")
	yes, _ := cmd.Flags().GetBool("yes")

	log.Init(log.Config{Level: log.Level(levelFlag), JSONOutput: jsonOut})

	protocol := types.Protocol(protoFlag)
	if !protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", protoFlag)
	}

	sctx := engine.NewServerContext(dataDir, host, protocol)
	reg, err := registry.Open(sctx.DBPath(), sctx.UsersDir, qrRenderer())
	if err != nil {
		return err
	}
	defer reg.Close()

	runtime, err := lifecycle.NewContainerdRuntime("")
	if err != nil {
		return fmt.Errorf("connecting to containerd: %w", err)
	}
	defer runtime.Close()

	req.Confirm = req.Confirm || yes
	return fn(engine.New(sctx, reg, lifecycle.NewManager(runtime)), req)
}

// qrRenderer shells out to qrencode when it is installed; QR artifacts
// are best-effort and the registry tolerates renderer failure.
func qrRenderer() registry.QRRenderer {
	if _, err := exec.LookPath("qrencode"); err != nil {
		return nil
	}
	return registry.RendererFunc(func(content, path string) error {
		out, err := exec.Command("qrencode", "-o", path, content).CombinedOutput()
		if err != nil {
			return fmt.Errorf("qrencode: %v: %s", err, out)
		}
		return nil
	})
}

func execute(cmd *cobra.Command, req *engine.Request) error {
	return withEngine(cmd, func(e *engine.Engine, req *engine.Request) error {
		resp, err := e.Execute(cmd.Context(), req)
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	}, req)
}

func printResponse(resp *engine.Response) {
	if resp == nil {
		return
	}
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	if resp.User != nil {
		printUser(resp.User)
	}
	for _, u := range resp.Users {
		fmt.Printf("%-20s %-38s port %d\n", u.Name, u.UUID, u.Port)
	}
	if resp.Rotation != nil {
		r := resp.Rotation
		fmt.Printf("rotation: phase=%s public-key=%s updated=%d failed=%d\n",
			r.Phase, r.PublicKey, len(r.UpdatedUsers), len(r.FailedUsers))
		for name, detail := range r.FailedUsers {
			fmt.Printf("  failed %s: %s\n", name, detail)
		}
	}
	for _, d := range resp.Discrepancies {
		fmt.Printf("%-22s %-20s %s\n", d.Kind, d.Name, d.Detail)
	}
	if resp.Heal != nil {
		h := resp.Heal
		fmt.Printf("healed: created=%d updated=%d deleted=%d skipped=%d\n",
			len(h.Created), len(h.Updated), len(h.Deleted), len(h.Skipped))
	}
	if resp.Probe != nil {
		status := "unhealthy"
		if resp.Probe.Healthy() {
			status = "healthy"
		}
		fmt.Printf("endpoint %s: %s\n", status, resp.Probe.Message)
	}
}

func printUser(u *types.UserRecord) {
	fmt.Printf("name:     %s\n", u.Name)
	fmt.Printf("protocol: %s\n", u.Protocol)
	fmt.Printf("port:     %d\n", u.Port)
	fmt.Printf("uri:      %s\n", u.URI)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Provision a protocol instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		sni, _ := cmd.Flags().GetString("sni")
		portMode, _ := cmd.Flags().GetString("port-mode")
		port, _ := cmd.Flags().GetInt("port")
		return execute(cmd, &engine.Request{
			Command:  engine.CmdInstall,
			Image:    image,
			SNI:      sni,
			PortMode: netalloc.Mode(portMode),
			Port:     port,
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove a protocol instance, its users and firewall rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdUninstall})
	},
}

func init() {
	installCmd.Flags().String("image", "", "Endpoint container image (default: "+engine.DefaultImage+")")
	installCmd.Flags().String("sni", "", "Reality camouflage server name")
	installCmd.Flags().String("port-mode", "random", "Port allocation mode (random|manual|fixed)")
	installCmd.Flags().Int("port", 0, "Port for manual mode")
}

// User commands
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage endpoint users",
}

var userAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Authorize a new user and print its connection link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdUserAdd, UserName: args[0]})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Revoke a user (requires --yes)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdUserDelete, UserName: args[0]})
	},
}

var userRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a user, issuing a fresh credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{
			Command:  engine.CmdUserRename,
			UserName: args[0],
			NewName:  args[1],
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users of this protocol instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdUserList})
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a user's record and connection link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdUserShow, UserName: args[0]})
	},
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userDeleteCmd)
	userCmd.AddCommand(userRenameCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userShowCmd)
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Rotate Reality key material everywhere (requires --yes)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdRotateKeys})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the endpoint container and wait for health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdStart})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the endpoint container",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdStop})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Reconcile the launch descriptor, restart, wait for health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdRestart})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance state from the scalar caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdStatus})
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Audit document/registry/caches and heal divergence",
	Long: `Audit the inbound document, user registry and scalar caches for
divergence, then heal what can be healed. Orphaned user records are
only deleted when --yes is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &engine.Request{Command: engine.CmdDiagnose})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Serving metrics on %s. Press Ctrl+C to stop.\n", addr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return err
		}
		return srv.Shutdown(context.Background())
	},
}

func init() {
	metricsCmd.Flags().String("addr", "127.0.0.1:9090", "Listen address for the metrics endpoint")
}
