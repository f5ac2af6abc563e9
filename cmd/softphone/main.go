package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/config"
	"github.com/dennisdiepolder/monti/callcore/internal/control"
	"github.com/dennisdiepolder/monti/callcore/internal/softphone"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadSoftphone()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// CLI flags override the environment
	var (
		role         = flag.String("role", string(cfg.Role), "Role (customer, agent, crm_system)")
		userID       = flag.String("user", cfg.UserID, "User id to join with (generated when empty)")
		name         = flag.String("name", cfg.Name, "Display name")
		signalingURL = flag.String("signaling-url", cfg.SignalingURL, "Call-control websocket URL")
		apiURL       = flag.String("api-url", cfg.APIURL, "Call-control REST URL")
		controlPort  = flag.String("control-port", cfg.ControlPort, "Control API port")
		logLevel     = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		dialTo       = flag.String("dial", "", "Dial this number once connected")
	)
	flag.Parse()

	cfg.Role = types.Role(*role)
	cfg.UserID = *userID
	cfg.Name = *name
	cfg.SignalingURL = *signalingURL
	cfg.APIURL = *apiURL
	cfg.ControlPort = *controlPort

	// Setup logger
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "softphone").
		Logger()

	phone, err := softphone.New(*cfg, softphone.Options{}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create softphone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, phone, cfg.ControlPort, *dialTo, logger); err != nil {
		logger.Fatal().Err(err).Msg("softphone failed")
	}
	logger.Info().Msg("softphone stopped")
}

func run(ctx context.Context, phone *softphone.Phone, controlPort, dialTo string, logger zerolog.Logger) error {
	api := control.NewAPI(phone, logger)
	if gw := phone.Gateway(); gw != nil {
		api.SetCallCenter(gw)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.Start(ctx, ":"+controlPort)
	})

	g.Go(func() error {
		if err := phone.Connect(ctx); err != nil {
			return err
		}
		logger.Info().
			Str("role", string(phone.Role())).
			Str("identity", phone.Identity()).
			Str("control_api", "http://localhost:"+controlPort).
			Msg("softphone ready")

		if dialTo != "" {
			if err := phone.Dial("", dialTo, nil, ""); err != nil {
				logger.Error().Err(err).Str("to", dialTo).Msg("auto-dial failed")
			}
		}

		<-ctx.Done()
		return phone.Close()
	})

	printUsage(controlPort, phone.Role())
	return g.Wait()
}

func printUsage(port string, role types.Role) {
	fmt.Println()
	fmt.Println("Softphone control API")
	fmt.Println()
	fmt.Printf("  GET  http://localhost:%s/status               - Connection and call state\n", port)
	fmt.Printf("  GET  http://localhost:%s/agents/availability  - Agent discovery\n", port)
	if role == types.RoleCRMSystem {
		fmt.Printf("  GET  http://localhost:%s/gateway/health       - Gateway connection\n", port)
		fmt.Printf("  POST http://localhost:%s/gateway/calls/{id}/answer|reject|end|hold|resume|transfer\n", port)
	} else {
		fmt.Printf("  POST http://localhost:%s/dial                 - Dial {\"to\":\"1900\"}\n", port)
		fmt.Printf("  POST http://localhost:%s/accept|decline|hold|resume|end|mute|unmute\n", port)
		fmt.Printf("  POST http://localhost:%s/tone                 - DTMF {\"tone\":\"5\"}\n", port)
	}
	fmt.Println()
}
