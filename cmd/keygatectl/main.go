// Command keygatectl administers keys, channels and usage in the store a
// keygate gateway reads. It uses the same configuration as the gateway
// (environment, .env or config.yaml) and needs STORE=redis or STORE=sql.
//
//	keygatectl keys create --user u1 --family openai --daily-limit 5.00
//	keygatectl channels add --id oa-1 --family openai --credential-env OPENAI_API_KEY
//	keygatectl usage report <key-id> --period daily
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/keygate/internal/admin"
	"github.com/nulpointcorp/keygate/internal/app"
	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// session is an opened store plus what the commands derive from config.
type session struct {
	store store.Store
	admin *admin.Service
	cal   usage.Calendar
	close func()
}

// opener connects to the configured store.
type opener func(ctx context.Context) (*session, error)

func openConfigured(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Store == string(store.KindMemory) {
		return nil, fmt.Errorf("keygatectl needs a shared store; set STORE=redis or STORE=sql")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b, err := app.OpenBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &session{
		store: b.Store,
		admin: admin.New(b.Store),
		cal:   usage.NewCalendar(cfg.BucketLocation),
		close: func() { _ = b.Close() },
	}, nil
}

// newRootCmd builds the command tree. open is called once per command run.
func newRootCmd(out io.Writer, open opener) *cobra.Command {
	var sess *session

	root := &cobra.Command{
		Use:           "keygatectl",
		Short:         "Administer keygate keys, channels and usage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			sess = s
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if sess != nil && sess.close != nil {
				sess.close()
			}
		},
	}
	root.SetOut(out)

	get := func() *session { return sess }
	root.AddCommand(
		newKeysCmd(get),
		newChannelsCmd(get),
		newUsageCmd(get),
		newMigrateCmd(get),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, openConfigured)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
