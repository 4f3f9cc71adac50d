// kubrickd is an example embedder around the kubrick library: a thin CLI
// that loads a DirectorConfig, starts a JobDirector over the configured
// store backend, and submits the library's built-in demo job tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ppiankov/kubrick/internal/assist"
	"github.com/ppiankov/kubrick/internal/config"
	"github.com/ppiankov/kubrick/internal/demo"
	"github.com/ppiankov/kubrick/internal/director"
	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/store"
	"github.com/ppiankov/kubrick/internal/store/fsstore"
	"github.com/ppiankov/kubrick/internal/store/sqlitestore"
)

// version is set by ldflags at build time.
var version = "dev"

func openStore(cfg config.StoreConfig) (store.SubmissionStore, error) {
	switch cfg.Backend {
	case config.StoreBackendSQLite:
		return sqlitestore.Open(cfg.Path)
	default:
		return fsstore.Open(cfg.Path)
	}
}

func newDirector(cfg *config.DirectorConfig) (*director.JobDirector, store.SubmissionStore, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	d, err := director.New(director.Config{
		ID:       cfg.ID,
		Role:     cfg.RoleValue(),
		Store:    st,
		JobTypes: demo.TypeResolver{},
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("construct director: %w", err)
	}
	return d, st, nil
}

// pidLockPath places a kubrickd.pid file next to the store: inside the
// directory for fsstore, alongside the database file for sqlitestore.
func pidLockPath(cfg config.StoreConfig) string {
	if cfg.Backend == config.StoreBackendSQLite {
		return filepath.Join(filepath.Dir(cfg.Path), "kubrickd.pid")
	}
	return filepath.Join(cfg.Path, "kubrickd.pid")
}

func runStart(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	pidPath := pidLockPath(cfg.Store)
	if err := os.MkdirAll(filepath.Dir(pidPath), 0750); err != nil {
		return fmt.Errorf("prepare pid lock dir: %w", err)
	}
	if err := acquirePIDLock(pidPath); err != nil {
		return err
	}
	defer func() { _ = os.Remove(pidPath) }()

	d, st, err := newDirector(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := d.Start(ctx)
	if err != nil {
		return fmt.Errorf("start director: %w", err)
	}
	fmt.Fprintf(os.Stderr, "kubrickd: director %q started (role=%s, store=%s), re-drove %d job(s)\n",
		cfg.ID, cfg.Role, cfg.Store.Backend, n)

	if cfg.RoleValue() == director.RolePrincipal {
		if fs, ok := st.(*fsstore.Store); ok {
			watcher, err := assist.New(fs, d.Redrive)
			if err != nil {
				return fmt.Errorf("start assistants watcher: %w", err)
			}
			defer func() { _ = watcher.Close() }()
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "kubrickd: assistants watcher stopped: %v\n", err)
				}
			}()
			fmt.Fprintf(os.Stderr, "kubrickd: watching %s for orphaned assistant jobs\n", fs.AssistantsRoot())
		}
	}

	<-ctx.Done()
	fmt.Fprintf(os.Stderr, "kubrickd: signal received, stopping\n")
	return d.Stop(10 * time.Second)
}

func runStatus(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	total, err := st.JobCount(ctx)
	if err != nil {
		return fmt.Errorf("job count: %w", err)
	}
	resolving, _ := st.JobCountByState(ctx, store.StateResolving)
	executing, _ := st.JobCountByState(ctx, store.StateExecuting)
	terminated, _ := st.JobCountByState(ctx, store.StateTerminated)

	plain := !isatty.IsTerminal(os.Stdout.Fd())
	printStatusLine(plain, "director", cfg.ID)
	printStatusLine(plain, "store", string(cfg.Store.Backend)+" at "+cfg.Store.Path)
	printStatusLine(plain, "submitted jobs", fmt.Sprintf("%d", total))
	printStatusLine(plain, "  resolving", fmt.Sprintf("%d", resolving))
	printStatusLine(plain, "  executing", fmt.Sprintf("%d", executing))
	printStatusLine(plain, "  terminated", fmt.Sprintf("%d", terminated))

	if fs, ok := st.(*fsstore.Store); ok {
		assistants, err := os.ReadDir(fs.AssistantsRoot())
		if err == nil {
			printStatusLine(plain, "assistants", fmt.Sprintf("%d", len(assistants)))
		}
	}
	return nil
}

func printStatusLine(plain bool, label, value string) {
	if plain {
		fmt.Printf("%s: %s\n", label, value)
		return
	}
	fmt.Printf("\033[2m%-16s\033[0m %s\n", label+":", value)
}

func runSubmitDemo(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	d, st, err := newDirector(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if _, err := d.Start(ctx); err != nil {
		return fmt.Errorf("start director: %w", err)
	}
	defer d.Stop(10 * time.Second)

	jobID := jobkey.NewJobID()
	ok, err := d.Submit(ctx, demo.Main{}, jobID, cfg.DedupWindow)
	if err != nil {
		return fmt.Errorf("submit demo job: %w", err)
	}
	fmt.Fprintf(os.Stderr, "kubrickd: submitted demo job %s (accepted=%v, dedup expires %s)\n",
		jobID, ok, humanize.Time(time.Now().Add(cfg.DedupWindow)))

	// Give the single-flighted executions time to finish before returning;
	// the submission itself stays in the store until its dedup window ends.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "kubrickd",
		Short: "example embedder around the kubrick job director",
		Long:  "Loads a DirectorConfig, runs a JobDirector over it, and exercises the demo job tree.",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start a director and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "print a director's store contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath)
		},
	}

	submitDemoCmd := &cobra.Command{
		Use:   "submit-demo",
		Short: "submit the built-in demo job tree as a smoke check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmitDemo(configPath)
		},
	}

	for _, c := range []*cobra.Command{startCmd, statusCmd, submitDemoCmd} {
		c.Flags().StringVar(&configPath, "config", "", "path to a DirectorConfig YAML file (required)")
		_ = c.MarkFlagRequired("config")
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print kubrickd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kubrickd %s\n", version)
		},
	}

	root.AddCommand(startCmd, statusCmd, submitDemoCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
