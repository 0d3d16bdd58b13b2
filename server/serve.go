package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gammadia/warden/policy"
	"github.com/gammadia/warden/rm"
	"github.com/gammadia/warden/server/flags"
	"github.com/gammadia/warden/server/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the name the resource manager reports its health under,
// next to the overall "" service.
const healthService = "warden.ResourceManager"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resource manager",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		return err
	}
	log.Info("Warden starting up...", "version", version, "commit", commit)

	definitions, err := loadDefinitions(viper.GetString(flags.NodeSources))
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	config, err := newConfig(store)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	core := rm.New(config)
	events, unsubscribe := core.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(log.Component("events"), events)
	}()

	go core.Run()

	if err := core.Recover(ctx); err != nil {
		log.Warn("Some node sources could not be recovered", "error", err)
	}
	createNodeSources(core, definitions)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Health service listening", "address", lis.Addr())
		if err := s.Serve(lis); err != nil {
			log.Error("Failed to serve", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received, attempting graceful shutdown")
	// A second signal kills the process
	signal.Reset(os.Interrupt, syscall.SIGTERM)

	healthServer.Shutdown()
	core.Shutdown()
	if !waitTimeout(core.Wait, viper.GetDuration(flags.ShutdownTimeout)) {
		log.Warn("Node sources did not shut down in time, exiting anyway")
	}
	s.GracefulStop()

	// The event channel is closed once the core is stopped
	wg.Wait()
	log.Info("Shutdown completed. Bye!")
	return nil
}

func newConfig(store rm.Store) (rm.Config, error) {
	config := rm.DefaultConfig()
	config.Logger = log.Component("rm")
	config.Infrastructures = newInfrastructures()
	config.Policies = policy.NewRegistry()
	config.Store = store
	config.MaxNodes = viper.GetInt(flags.MaxNodes)
	config.PingFrequency = viper.GetDuration(flags.PingFrequency)
	config.PingTimeout = viper.GetDuration(flags.PingTimeout)
	config.ClientTimeout = viper.GetDuration(flags.ClientTimeout)
	config.ReleaseTimeout = viper.GetDuration(flags.ReleaseTimeout)
	config.ReleaseWorkers = viper.GetInt(flags.ReleaseWorkers)

	if err := rm.Validate(config); err != nil {
		return config, fmt.Errorf("invalid resource manager config: %w", err)
	}
	return config, nil
}

func createNodeSources(core *rm.Core, definitions []rm.NodeSourceDefinition) {
	for _, definition := range definitions {
		err := core.CreateNodeSource(definition)
		switch {
		case errors.Is(err, rm.ErrNodeSourceExists):
			log.Info("Node source was recovered, keeping it", "node-source", definition.Name)
		case err != nil:
			log.Error("Failed to create node source", "node-source", definition.Name, "error", err)
		}
	}
}

// waitTimeout reports whether wait returned before the timeout.
func waitTimeout(wait func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
