package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"FloorBoard/internal/config"
	"FloorBoard/internal/export"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/host"
	"FloorBoard/internal/logger"
	fbnet "FloorBoard/internal/net"
	"FloorBoard/internal/session"
	"FloorBoard/internal/state"
)

const discoverTimeout = 3 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "floorboard")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	switch {
	case len(args) > 0 && strings.HasPrefix(args[0], fbnet.ShareScheme):
		err = runClient(ctx, cfg, args[0], log)
	case len(args) > 0 && args[0] == "client":
		err = runClient(ctx, cfg, "", log)
	case len(args) > 0 && args[0] == "export":
		if len(args) < 2 {
			err = errors.New("usage: floorboard export <file.pdf> [floorboard://host:port]")
			break
		}
		link := ""
		if len(args) > 2 {
			link = args[2]
		}
		err = runExport(ctx, cfg, args[1], link, log)
	default:
		err = runHost(ctx, cfg, log)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("floorboard stopped", zap.Error(err))
		os.Exit(1)
	}
}

func runHost(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting as host", zap.String("room_id", cfg.RoomID))
	srv, err := host.NewServer(cfg, state.Room{ID: cfg.RoomID}, log)
	if err != nil {
		return err
	}

	if cfg.Net.UseMDNS {
		adv, err := fbnet.Advertise(cfg.Net.Port, cfg.RoomID)
		if err != nil {
			log.Warn("mDNS advertising disabled", zap.Error(err))
		} else {
			defer adv.Shutdown()
		}
	}

	shareLink := fbnet.ShareLink(fbnet.GetOutgoingIP(), cfg.Net.Port)
	log.Info("share this link with editors", zap.String("link", shareLink))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Net.Port))
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				room := srv.Room()
				log.Info("room status",
					zap.Int("peers", srv.Peers()),
					zap.Int("elements", len(room.Elements)),
					zap.Int("zones", len(room.Zones)))
			}
		}
	})
	return g.Wait()
}

func runClient(ctx context.Context, cfg *config.Config, link string, log *zap.Logger) error {
	log.Info("starting as client")
	addr, err := resolveHost(ctx, cfg, link, log)
	if err != nil {
		return err
	}

	site := uuid.NewString()
	client, err := fbnet.Dial(ctx, addr, site, log)
	if err != nil {
		return err
	}
	defer client.Close()

	s, err := session.New(cfg, site, client, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// stdin closing ends the session
		if err := runConsole(ctx, s, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			log.Warn("console stopped", zap.Error(err))
		}
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(ctx) })
	g.Go(func() error {
		select {
		case <-client.Done():
			return fmt.Errorf("host %s went away", addr)
		case <-ctx.Done():
			return nil
		}
	})
	err = g.Wait()
	s.Wait()
	return err
}

func runExport(ctx context.Context, cfg *config.Config, path, link string, log *zap.Logger) error {
	addr, err := resolveHost(ctx, cfg, link, log)
	if err != nil {
		return err
	}
	client, err := fbnet.Dial(ctx, addr, uuid.NewString(), log)
	if err != nil {
		return err
	}
	defer client.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Net.RequestTimeout)
	defer cancel()
	room, err := client.FetchRoom(fetchCtx)
	if err != nil {
		return err
	}
	g, err := grid.New(fyne.NewSize(cfg.Board.PanelWidth, cfg.Board.PanelHeight), cfg.Board.GridSize)
	if err != nil {
		return err
	}
	if err := export.ExportPDF(path, room, g); err != nil {
		return err
	}
	log.Info("floor plan exported", zap.String("path", path), zap.Int("elements", len(room.Elements)))
	return nil
}

// resolveHost picks the host from the share link, the configuration or
// mDNS discovery, in that order.
func resolveHost(ctx context.Context, cfg *config.Config, link string, log *zap.Logger) (string, error) {
	if link != "" {
		addr, ok := fbnet.ParseShareLink(link)
		if !ok {
			return "", fmt.Errorf("invalid share link %q", link)
		}
		return addr, nil
	}
	if cfg.Net.HostAddr != "" {
		return cfg.Net.HostAddr, nil
	}
	if !cfg.Net.UseMDNS {
		return "", errors.New("no host given and mDNS is disabled")
	}
	log.Info("looking for a host on the local network")
	addr, err := fbnet.Discover(ctx, discoverTimeout)
	if err != nil {
		return "", err
	}
	log.Info("found host", zap.String("addr", addr))
	return addr, nil
}
