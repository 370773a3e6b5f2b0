package main

import (
	"context"
	"strings"

	"agentworks/internal/handlers"
	"agentworks/internal/hub"
	"agentworks/internal/ingest"
	"agentworks/internal/metrics"
	"agentworks/pkg/auth"
	"agentworks/pkg/config"
	"agentworks/pkg/kafka"
	"agentworks/pkg/logging"
	"agentworks/pkg/monitoring"
	"agentworks/pkg/server"
	"agentworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("semaphore")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Semaphore (realtime hub)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("semaphore", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("semaphore", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		HubConnections:     metricsCollector.NewGauge("hub_connections_active", "Active hub connections", []string{"channel"}),
		HubMessages:        metricsCollector.NewCounter("hub_messages_total", "Hub messages", []string{"channel", "direction"}),
		EventsPublished:    metricsCollector.NewCounter("realtime_events_published_total", "Real-time events published", []string{"event_type", "channel"}),
		MessageDeliveryLag: metricsCollector.NewHistogram("message_delivery_lag_seconds", "Message delivery latency", []string{"channel", "type"}, nil),
		PendingAcks:        metricsCollector.NewGauge("hub_pending_acks", "Unacknowledged messages awaiting redelivery", []string{"channel"}),
		AckReplays:         metricsCollector.NewCounter("hub_ack_replays_total", "Redeliveries of unacknowledged messages", []string{"channel"}),
	}

	// Create Kafka metrics
	serviceMetrics.KafkaMessages, serviceMetrics.KafkaDuration, serviceMetrics.KafkaLag = metricsCollector.CreateKafkaMetrics()

	// Hub configuration from the environment
	hubConfig := hub.DefaultConfig()
	hubConfig.HeartbeatInterval = config.GetEnvDuration("HUB_HEARTBEAT_INTERVAL", hubConfig.HeartbeatInterval)
	hubConfig.ConnectionTimeout = config.GetEnvDuration("HUB_CONNECTION_TIMEOUT", hubConfig.ConnectionTimeout)
	hubConfig.AckReplayWindow = config.GetEnvDuration("HUB_ACK_REPLAY_WINDOW", hubConfig.AckReplayWindow)
	hubConfig.MaxAckReplays = config.GetEnvInt("HUB_ACK_MAX_REPLAY", hubConfig.MaxAckReplays)
	hubConfig.CursorHorizon = config.GetEnvDuration("HUB_CURSOR_HORIZON", hubConfig.CursorHorizon)
	hubConfig.Capacities.Default = config.GetEnvInt("HUB_BUFFER_DEFAULT", hubConfig.Capacities.Default)
	hubConfig.Capacities.AgentOutput = config.GetEnvInt("HUB_BUFFER_AGENT_OUTPUT", hubConfig.Capacities.AgentOutput)
	hubConfig.Capacities.System = config.GetEnvInt("HUB_BUFFER_SYSTEM", hubConfig.Capacities.System)

	// Initialize the hub and its background loops
	realtimeHub := hub.Init(logger, serviceMetrics, hubConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := realtimeHub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Hub background loops stopped")
		}
	}()

	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Optional Kafka ingest: without brokers the hub still serves
	// WebSocket clients and the HTTP publish endpoint.
	var consumer kafka.ConsumerInterface
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		groupID := config.GetEnv("KAFKA_GROUP_ID", "semaphore-group")
		clientID := config.GetEnv("KAFKA_CLIENT_ID", "semaphore")
		topicsEnv := config.GetEnv("KAFKA_TOPICS", "coordination_events")
		topics := strings.Split(topicsEnv, ",")

		kafkaConsumer, err := kafka.NewConsumer(brokers, groupID, clientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka consumer")
		}
		defer kafkaConsumer.Close()

		bridge := ingest.NewBridge(realtimeHub, logger)
		bridge.Register(kafkaConsumer, topics)

		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(kafkaConsumer.GetClient()))
		healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
			"KAFKA_BROKERS": brokersEnv,
			"KAFKA_TOPICS":  topicsEnv,
		}))

		go func() {
			if err := kafkaConsumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Kafka consumer error")
			}
		}()
		consumer = kafkaConsumer
	} else {
		logger.Warn("KAFKA_BROKERS not set, running without event ingest")
	}

	semaphoreHandlers := handlers.NewSemaphoreHandlers(realtimeHub, consumer, logger, jwtSecret)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "semaphore", healthChecker, metricsCollector)

	// WebSocket route
	router.GET("/ws", semaphoreHandlers.HandleWebSocket)

	// Operational routes
	router.GET("/hub/stats", semaphoreHandlers.HandleStats)
	router.POST("/hub/publish", auth.ServiceAuthMiddleware(serviceToken), semaphoreHandlers.HandlePublish)

	router.NoRoute(semaphoreHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("semaphore", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	cancel()
	realtimeHub.Shutdown()
}
