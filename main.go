package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Minigeee/avid-server/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file.")
	flag.Parse()

	config, err := server.ParseConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := server.NewLogger(config.Logger)
	defer logger.Sync()

	db, err := server.OpenDB(config.Database)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	metrics := server.NewLocalMetrics()
	store := server.NewStore(logger, db)
	channelCache := server.NewChannelCache(store)

	sessionRegistry := server.NewLocalSessionRegistry(logger, metrics)
	tracker := server.StartLocalTracker(logger, metrics)
	router := server.NewLocalMessageRouter(sessionRegistry, tracker)

	rooms := server.NewRoomManager(logger, sessionRegistry, tracker, store, channelCache, store)
	presence := server.NewPresencePublisher(logger, tracker, router, store, channelCache)
	broadcaster := server.NewChannelEventBroadcaster(logger, metrics, sessionRegistry, tracker, router, channelCache)

	batcher := server.NewEventBatcher(logger, metrics, config.Batcher)
	batcher.RegisterHandler("reactions", server.NewReactionBatchHandler(logger, broadcaster))

	pipeline := server.NewPipeline(logger, config, rooms, presence, store, broadcaster)
	socketHandler := server.NewSocketWsAcceptor(logger, config, sessionRegistry, tracker, rooms, presence, store, metrics, pipeline)
	apiServer := server.StartApiServer(logger, config, metrics, socketHandler)

	logger.Info("Server started", zap.String("name", config.Name))

	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	logger.Info("Shutting down")
	apiServer.Stop()
	batcher.Stop()
	tracker.Stop()
	sessionRegistry.Stop()
}
