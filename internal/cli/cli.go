// ============================================================================
// raft-sessions CLI
// ============================================================================
//
// Command Structure:
//   raft-sessions                  # Root command
//   ├── run                        # Start a node (HTTP gateway + gRPC)
//   ├── metadata                   # Ask a member for its primitive names
//   ├── restore                    # Seed the local data dir from a primary
//   ├── status [--dump]            # Inspect WAL and snapshot on disk
//   └── --config, -c               # YAML config file (RAFT_SESSIONS_* env overrides)
//
// run Command:
//   1. Load config, overlay environment
//   2. Replay snapshot + WAL (or join raft peers)
//   3. Serve gRPC (recovery protocol, raft) and the HTTP gateway
//   4. Recover from recovery.members when recovery.on_start is set
//   5. On SIGINT/SIGTERM stop listeners and take a final snapshot
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/internal/rpc"
	"github.com/ChuLiYu/raft-sessions/internal/snapshot"
	"github.com/ChuLiYu/raft-sessions/internal/storage/wal"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var log = slog.With("component", "cli")

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "raft-sessions",
		Short: "raft-sessions: replicated client sessions with primary-backup recovery",
		Long: `raft-sessions hosts replicated primitives behind client sessions:
- exactly-once, ordered event delivery across reconnects
- session timeouts driven by replicated command timestamps
- primary-backup recovery over gRPC (Metadata / Restore)
- WAL + snapshot durability, optional raft replication`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path (empty for env only)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildMetadataCommand())
	rootCmd.AddCommand(buildRestoreCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session node",
		Long:  "Start a node serving the HTTP session gateway and the gRPC recovery protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if role != "" {
				cfg.Node.Role = role
				if err := cfg.validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "override node.role: primary, backup, none")
	return cmd
}

// runNode 執行到 ctx 結束
func runNode(ctx context.Context, cfg *Config) error {
	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		app.Stop()
		return err
	}

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")
	app.Stop()
	log.Info("Node stopped")
	return nil
}

func buildMetadataCommand() *cobra.Command {
	var addr, member, primitiveType string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "List the primitives hosted by a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("member address is required (use --addr)")
			}
			return showMetadata(cmd.Context(), cmd.OutOrStdout(), addr, types.NodeID(member), types.PrimitiveType(primitiveType), timeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "member gRPC address (e.g. localhost:7001)")
	cmd.Flags().StringVar(&member, "member", "primary", "member id used in logs")
	cmd.Flags().StringVar(&primitiveType, "type", "", "primitive type filter (empty for all)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func showMetadata(ctx context.Context, out io.Writer, addr string, member types.NodeID, t types.PrimitiveType, timeout time.Duration) error {
	pool := rpc.NewPool()
	defer pool.Close()
	transport := protocol.NewGRPCTransport(map[types.NodeID]string{member: addr}, pool)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := transport.Metadata(ctx, member, &protocol.MetadataRequest{PrimitiveType: t})
	if !resp.Status.OK() {
		return fmt.Errorf("metadata from %s: %s (%s)", addr, resp.Status, resp.Status.Retry())
	}

	fmt.Fprintf(out, "Primitives on %s (%d):\n", addr, len(resp.PrimitiveNames))
	for _, name := range resp.PrimitiveNames {
		fmt.Fprintf(out, "  └─ %s\n", name)
	}
	return nil
}

func buildRestoreCommand() *cobra.Command {
	var from []string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore primitives from a primary into the local data directory",
		Long: `Start the local node as a backup without listeners, fetch every primitive
from the configured recovery members, install the snapshots and persist them.
--from id=addr replaces recovery.members.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if len(from) > 0 {
				members, err := parseMembers(from)
				if err != nil {
					return err
				}
				cfg.Recovery.Members = members
			}
			return restoreNode(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringSliceVar(&from, "from", nil, "recovery member as id=addr (repeatable)")
	return cmd
}

func parseMembers(values []string) ([]MemberConfig, error) {
	members := make([]MemberConfig, 0, len(values))
	for _, v := range values {
		id, addr, ok := strings.Cut(v, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid member %q, want id=addr", v)
		}
		members = append(members, MemberConfig{ID: id, Addr: addr})
	}
	return members, nil
}

func restoreNode(ctx context.Context, out io.Writer, cfg *Config) error {
	if len(cfg.Recovery.Members) == 0 {
		return fmt.Errorf("no recovery members configured")
	}
	if cfg.replicated() {
		return fmt.Errorf("restore runs against the local WAL; raft.peers must be empty")
	}
	cfg.Node.Role = types.RoleBackup.String()
	cfg.Recovery.OnStart = false
	cfg.HTTP.Addr = ""
	cfg.GRPC.Addr = ""
	cfg.Snapshot.Schedule = ""

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		app.Stop()
		return err
	}
	res, err := app.Restore(ctx)
	app.Stop()

	if res != nil {
		fmt.Fprintf(out, "Restored %d primitive(s) from %s in %s\n", len(res.Restored), res.Member, res.Duration.Round(time.Millisecond))
		for _, name := range res.Restored {
			fmt.Fprintf(out, "  ├─ ✅ %s\n", name)
		}
		failed := make([]string, 0, len(res.Failed))
		for name := range res.Failed {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		for _, name := range failed {
			fmt.Fprintf(out, "  ├─ ❌ %s: %v\n", name, res.Failed[name])
		}
	}
	return err
}

func buildStatusCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show on-disk node status",
		Long:  "Display WAL and snapshot state for the configured data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := showStatus(cmd.Context(), cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if dump {
				return dumpWAL(cmd.OutOrStdout(), cfg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every WAL event after the summary")
	return cmd
}

func dumpWAL(out io.Writer, cfg *Config) error {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "📜 WAL Events:")
	if _, err := os.Stat(cfg.WAL.Path); os.IsNotExist(err) {
		fmt.Fprintln(out, "  └─ none")
		return nil
	}
	if err := wal.DumpWAL(cfg.WAL.Path, out); err != nil {
		return fmt.Errorf("failed to dump WAL: %w", err)
	}
	return nil
}

func showStatus(ctx context.Context, out io.Writer, cfg *Config) error {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           raft-sessions Node Status                       ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Node ID:         %s\n", cfg.Node.ID)
	fmt.Fprintf(out, "  ├─ Role:            %s\n", cfg.role())
	fmt.Fprintf(out, "  └─ Session Timeout: %s - %s\n", cfg.Session.MinTimeout, cfg.Session.MaxTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 WAL:")
	stats, err := wal.GetWALStats(cfg.WAL.Path)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}
	fmt.Fprintf(out, "  ├─ Path:            %s\n", cfg.WAL.Path)
	fmt.Fprintf(out, "  ├─ Events:          %d (commands %d, installs %d)\n",
		stats.TotalEvents, stats.EventTypes[wal.EventCommand], stats.EventTypes[wal.EventInstall])
	fmt.Fprintf(out, "  ├─ Seq Range:       %d - %d\n", stats.FirstSeq, stats.LastSeq)
	fmt.Fprintf(out, "  └─ Size:            %d bytes\n", stats.SizeBytes)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📸 Snapshot:")
	data, err := loadSnapshot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if data.Index == 0 && len(data.Services) == 0 {
		fmt.Fprintf(out, "  └─ none (%s)\n", cfg.Snapshot.Backend)
		return nil
	}
	fmt.Fprintf(out, "  ├─ Backend:         %s\n", cfg.Snapshot.Backend)
	fmt.Fprintf(out, "  ├─ Index:           %d\n", data.Index)
	fmt.Fprintf(out, "  ├─ Created:         %s\n", time.UnixMilli(data.CreatedAt).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "  └─ Services:        %d\n", len(data.Services))
	for _, svc := range data.Services {
		fmt.Fprintf(out, "     └─ %s (%s) index=%d size=%dB\n", svc.Name, svc.Type, svc.Index, len(svc.Data))
	}
	return nil
}

func loadSnapshot(ctx context.Context, cfg *Config) (snapshot.Data, error) {
	if cfg.Snapshot.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Snapshot.Redis.Addr,
			Password: cfg.Snapshot.Redis.Password,
			DB:       cfg.Snapshot.Redis.DB,
		})
		store, err := snapshot.NewRedisStore(snapshot.RedisConfig{Client: client, Key: cfg.Snapshot.Redis.Key})
		if err != nil {
			_ = client.Close()
			return snapshot.Data{}, err
		}
		defer store.Close()
		return store.Load(ctx)
	}
	if _, err := os.Stat(cfg.Snapshot.Path); os.IsNotExist(err) {
		return snapshot.Empty(), nil
	}
	return snapshot.NewManager(cfg.Snapshot.Path).Load(ctx)
}
