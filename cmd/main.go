package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/common"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/config"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/manager"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/planner"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider/pan"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/store"
)

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogging(cfg.Debug, filepath.Join(cfg.Transfer.DataDir, "pantransfer.log")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	for _, dir := range []string{cfg.Transfer.DataDir, cfg.Transfer.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	st, err := store.Open(filepath.Join(cfg.Transfer.DataDir, "pantransfer.db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	panCfg := pan.DefaultConfig()
	panCfg.APIBase = cfg.Provider.APIBase
	panCfg.UploadBase = cfg.Provider.UploadBase
	panCfg.RequestTimeout = cfg.Provider.RequestTimeout
	panCfg.SliceTimeout = cfg.Provider.SliceTimeout

	client := pan.NewClient(panCfg, provider.StaticCredentials(cfg.Provider.AccessToken))
	defer client.Cleanup()

	mgr := manager.New(&manager.Config{
		MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
		SaveInterval:           cfg.Transfer.SaveInterval,
		AutoStart:              cfg.AutoStart,
		Tier:                   planner.Tier(cfg.Transfer.Tier),
	}, client, st)

	if err := mgr.Init(); err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}

	ids, err := submit(mgr, cfg)
	if err != nil {
		mgr.Shutdown()
		return err
	}
	if len(ids) == 0 {
		fmt.Println("Nothing to transfer. Pass local files to upload or -fetch to download.")
		mgr.Shutdown()
		return nil
	}

	events := mgr.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		printEvents(ctx, mgr, events)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return waitForTasks(ctx, mgr, ids)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	waitErr := g.Wait()

	if err := mgr.Shutdown(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}

	return waitErr
}

// submit registers the transfers named on the command line and starts them.
func submit(mgr *manager.Manager, cfg *config.Config) ([]int64, error) {
	var ids []int64

	for _, path := range cfg.UploadPaths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot upload %s: %w", path, err)
		}

		t, err := mgr.Add(manager.AddRequest{
			Name:       filepath.Base(path),
			RemotePath: filepath.Join(cfg.RemoteDir, filepath.Base(path)),
			LocalPath:  path,
			Size:       info.Size(),
			Direction:  common.Upload,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot upload %s: %w", path, err)
		}

		if err := mgr.Start(t.ID); err != nil && !errors.Is(err, manager.ErrInvalidState) {
			return nil, err
		}
		ids = append(ids, t.ID)
	}

	if cfg.FetchPath != "" {
		if cfg.FetchSize <= 0 {
			return nil, errors.New("-fetch requires -size with the remote file size")
		}

		t, err := mgr.Add(manager.AddRequest{
			Name:       filepath.Base(cfg.FetchPath),
			RemotePath: cfg.FetchPath,
			LocalPath:  filepath.Join(cfg.Transfer.DownloadDir, filepath.Base(cfg.FetchPath)),
			Size:       cfg.FetchSize,
			Direction:  common.Download,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot download %s: %w", cfg.FetchPath, err)
		}

		if err := mgr.Start(t.ID); err != nil && !errors.Is(err, manager.ErrInvalidState) {
			return nil, err
		}
		ids = append(ids, t.ID)
	}

	return ids, nil
}

// printEvents renders task events as human-readable progress lines.
func printEvents(ctx context.Context, mgr *manager.Manager, events <-chan common.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			t, err := mgr.Get(ev.TaskID)
			if err != nil {
				continue
			}

			switch ev.Type {
			case common.EventProgress:
				fmt.Printf("[%d] %s: %.1f%% at %s/s\n",
					ev.TaskID, t.Name, ev.Progress, humanize.IBytes(uint64(ev.Speed)))
			case common.EventStatusChanged:
				fmt.Printf("[%d] %s: %s -> %s\n",
					ev.TaskID, t.Name, common.StatusString(ev.OldStatus), common.StatusString(ev.NewStatus))
			case common.EventTaskError:
				fmt.Printf("[%d] %s: failed: %s\n", ev.TaskID, t.Name, ev.Error)
			}
		}
	}
}

// waitForTasks blocks until every submitted task reaches a terminal state.
func waitForTasks(ctx context.Context, mgr *manager.Manager, ids []int64) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		done := true
		failed := 0
		for _, id := range ids {
			t, err := mgr.Get(id)
			if err != nil {
				continue
			}
			if !t.IsTerminal() {
				done = false
				break
			}
			if t.GetStatus() == common.StatusFailed {
				failed++
			}
		}

		if done {
			if failed > 0 {
				return fmt.Errorf("%d transfer(s) failed", failed)
			}
			return nil
		}
	}
}
