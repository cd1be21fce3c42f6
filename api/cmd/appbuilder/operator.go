package appbuilder

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/pubsub"
	"github.com/helixml/appbuilder/api/pkg/ratelimit"
	"github.com/helixml/appbuilder/api/pkg/stream"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/system"
)

func openStore() (config.CliConfig, kvstore.Store, error) {
	cfg, err := config.LoadCliConfig()
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to load config: %w", err)
	}
	system.SetupLogging(cfg.Logging)

	store, err := kvstore.New(cfg.CoordinationStore, cfg.Redis)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to create coordination store: %w", err)
	}
	return cfg, store, nil
}

func newRateLimitCmd() *cobra.Command {
	var (
		devServer bool
		reset     bool
	)

	cmd := &cobra.Command{
		Use:   "ratelimit <user-id|ip:address>",
		Short: "Show or reset the rate limit window of a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			identifier := "user:" + args[0]
			policy := cfg.RateLimits.Chat()
			if devServer {
				identifier = ratelimit.DevServerIdentifier(args[0])
				policy = cfg.RateLimits.DevServer()
			} else if strings.HasPrefix(args[0], "ip:") {
				identifier = args[0]
			}

			limiter := ratelimit.New(store)
			if reset {
				if err := limiter.Reset(cmd.Context(), identifier); err != nil {
					return err
				}
				cmd.Printf("reset %s\n", identifier)
				return nil
			}

			count, ttl, err := limiter.Usage(cmd.Context(), identifier)
			if err != nil {
				return err
			}
			cmd.Printf("%s: %d/%d requests, window resets in %s\n", identifier, count, policy.MaxRequests, ttl.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().BoolVar(&devServer, "dev-server", false, "Use the dev server budget instead of the chat budget")
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the current window")

	return cmd
}

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and clear stream locks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <app-id>",
		Short: "Show the stream state and lock holder of an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			locks := streamlock.NewManager(store, cfg.StreamLock)
			streams := stream.NewManager(store, locks, pubsub.NewNoop(), cfg.StreamLock)

			status, err := streams.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			holder, held, err := locks.Holder(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			cmd.Printf("app:    %s\nstatus: %s\n", args[0], status)
			if held {
				cmd.Printf("lock:   held by %s\n", holder)
			} else {
				cmd.Printf("lock:   free\n")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <app-id>",
		Short: "Force clear the stream state and lock of an app",
		Long:  "Force clear the stream state and lock of an app. A session still running on a server instance loses its lock on the next refresh.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			locks := streamlock.NewManager(store, cfg.StreamLock)
			streams := stream.NewManager(store, locks, pubsub.NewNoop(), cfg.StreamLock)

			if err := streams.ClearStreamState(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("released %s\n", args[0])
			return nil
		},
	})

	return cmd
}
