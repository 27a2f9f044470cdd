package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/database"
	"github.com/Psynolyn/auto-window-dashboard/internal/logger"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/rediscache"
	"github.com/Psynolyn/auto-window-dashboard/internal/repository"
	"github.com/Psynolyn/auto-window-dashboard/internal/service"

	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

const helpText = `commands:
  show                     current settings and liveness view
  threshold <v> [live]     set comfort threshold; "live" marks it non-final
  vent on|off              toggle vent
  auto on|off              toggle auto mode
  range <key>              graph range (live, 15m, 30m, 1h, 6h, 1d)
  drag <deg>               stream a transient knob value
  release <deg>            end the knob gesture (final publish)
  angle <deg>              drag and release in one step
  sensor <key> on|off      sensor flag (dht11_enabled, water_enabled, hw416b_enabled)
  history <span>           samples over a span, e.g. 15m or 1h
  dismiss                  hide the bridge-offline warning
  quit                     exit`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "window-viewer")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient := rediscache.NewRedisClient(&cfg.Redis)
	defer rediscache.Close(redisClient)

	settingsRepo := repository.NewSettingsRepository(db, zapLogger.Named("settings"))
	readingsRepo := repository.NewReadingsRepository(db, zapLogger.Named("readings"))
	snapshots := rediscache.NewSnapshotStore(redisClient, cfg.Bridge.SnapshotCacheKey, 0)

	viewer := service.NewViewerService(cfg, zapLogger, settingsRepo, readingsRepo, snapshots)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := viewer.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start viewer service", zap.Error(err))
	}

	rl, err := readline.New("window> ")
	if err != nil {
		zapLogger.Fatal("Failed to initialize REPL", zap.Error(err))
	}
	defer rl.Close()

	fmt.Println(helpText)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if quit := dispatch(viewer, strings.Fields(strings.TrimSpace(line))); quit {
			break
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := viewer.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
}

func dispatch(viewer *service.ViewerService, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "quit", "exit":
		return true
	case "help":
		fmt.Println(helpText)
	case "show":
		printStatus(viewer.Snapshot())
	case "threshold":
		v, ok := parseFloatArg(args, 1)
		if !ok {
			fmt.Println("usage: threshold <value> [live]")
			return false
		}
		final := !(len(args) > 2 && args[2] == "live")
		viewer.SetThreshold(v, final)
	case "vent":
		if on, ok := parseOnOff(args, 1); ok {
			viewer.SetVent(on)
		} else {
			fmt.Println("usage: vent on|off")
		}
	case "auto":
		if on, ok := parseOnOff(args, 1); ok {
			viewer.SetAuto(on)
		} else {
			fmt.Println("usage: auto on|off")
		}
	case "range":
		if len(args) < 2 {
			fmt.Println("usage: range <key>")
			return false
		}
		if err := viewer.SetGraphRange(args[1]); err != nil {
			fmt.Println(err)
		}
	case "drag":
		if v, ok := parseFloatArg(args, 1); ok {
			viewer.DragAngle(v)
		} else {
			fmt.Println("usage: drag <degrees>")
		}
	case "release":
		if v, ok := parseFloatArg(args, 1); ok {
			viewer.ReleaseAngle(v)
		} else {
			fmt.Println("usage: release <degrees>")
		}
	case "angle":
		if v, ok := parseFloatArg(args, 1); ok {
			viewer.DragAngle(v)
			viewer.ReleaseAngle(v)
		} else {
			fmt.Println("usage: angle <degrees>")
		}
	case "sensor":
		if len(args) < 3 {
			fmt.Println("usage: sensor <key> on|off")
			return false
		}
		on, ok := parseOnOff(args, 2)
		if !ok {
			fmt.Println("usage: sensor <key> on|off")
			return false
		}
		if err := viewer.SetSensor(args[1], on); err != nil {
			fmt.Println(err)
		}
	case "history":
		if len(args) < 2 {
			fmt.Println("usage: history <span>")
			return false
		}
		span, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Println("bad span:", err)
			return false
		}
		points, err := viewer.History(span)
		if err != nil {
			fmt.Println("history failed:", err)
			return false
		}
		printHistory(points)
	case "dismiss":
		viewer.DismissWarning()
	default:
		fmt.Printf("unknown command %q (try help)\n", args[0])
	}
	return false
}

func printStatus(st service.Status) {
	s := st.Settings
	fmt.Printf("threshold:   %.1f\n", s.Threshold)
	fmt.Printf("vent:        %v\n", s.Vent)
	fmt.Printf("auto:        %v\n", s.Auto)
	fmt.Printf("angle:       %.0f / %.0f\n", s.Angle, s.MaxAngle)
	fmt.Printf("range:       %s\n", s.GraphRange)
	for _, key := range models.SensorFlagKeys {
		if v := s.SensorFlag(key); v != nil {
			fmt.Printf("%-12s %v\n", key+":", *v)
		}
	}
	fmt.Printf("device:      %s\n", onlineWord(st.DeviceOnline))
	fmt.Printf("bridge:      %s", st.BridgeState)
	if st.WarningShown {
		fmt.Print("  [warning shown]")
	}
	fmt.Println()
	if st.KnobDisabled {
		fmt.Println("knob:        disabled by device")
	}
	fmt.Printf("live buffer: %d points\n", st.LivePoints)
}

func printHistory(points []models.ReadingPoint) {
	if len(points) == 0 {
		fmt.Println("no samples")
		return
	}
	for _, p := range points {
		temp, hum := "-", "-"
		if p.Temperature != nil {
			temp = fmt.Sprintf("%.1f", *p.Temperature)
		}
		if p.Humidity != nil {
			hum = fmt.Sprintf("%.1f", *p.Humidity)
		}
		fmt.Printf("%s  temp=%s  hum=%s\n", p.Ts.Format(time.RFC3339), temp, hum)
	}
	fmt.Printf("%d samples\n", len(points))
}

func parseFloatArg(args []string, i int) (float64, bool) {
	if len(args) <= i {
		return 0, false
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseOnOff(args []string, i int) (bool, bool) {
	if len(args) <= i {
		return false, false
	}
	switch args[i] {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func onlineWord(b bool) string {
	if b {
		return "online"
	}
	return "offline"
}
