package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssd-technologies/slskd-core/internal/core"
	"github.com/ssd-technologies/slskd-core/internal/governor"
	"github.com/ssd-technologies/slskd-core/internal/uploadqueue"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	dataDir := os.Getenv("SLSKD_CORE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("create data directory failed", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := core.New(log, ctx, core.Config{
		LedgerPath:        dataDir + "/transfers.db",
		SharedFilesLive:   dataDir + "/shares.db",
		SharedFilesBackup: dataDir + "/shares.backup.db",
		ScanWorkers:       4,
		Peer:              nil,
		Relay:             nil,
		Users:             nil,
	})
	if err != nil {
		log.Error("start upload orchestration core failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if err := svc.ConfigureGovernor([]governor.GroupConfig{
		{Name: "Default", SpeedLimitKBps: 1024},
	}); err != nil {
		log.Error("configure governor failed", "error", err)
		os.Exit(1)
	}
	if err := svc.ConfigureQueue(uploadqueue.Config{
		GlobalMaxSlots: 10,
		Groups: []uploadqueue.GroupConfig{
			{Name: "Default", Priority: 1, Slots: 10, Strategy: uploadqueue.FIFO},
		},
	}); err != nil {
		log.Error("configure upload queue failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("upload orchestration core running", "dataDir", dataDir)
	<-ctx.Done()
}
