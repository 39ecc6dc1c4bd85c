package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/config"
	"github.com/anumularoots-svg/meeting-client/internal/diag"
	"github.com/anumularoots-svg/meeting-client/internal/media"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
	"github.com/anumularoots-svg/meeting-client/internal/session"
	"github.com/anumularoots-svg/meeting-client/internal/token"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional yaml config file")
		room       = flag.String("room", "", "meeting room to join")
		identity   = flag.String("identity", "", "local participant identity")
		name       = flag.String("name", "", "local display name")
		host       = flag.Bool("host", false, "join as the meeting host")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *room == "" || *identity == "" {
		logger.Fatal("both -room and -identity are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("meeting-client starting",
		zap.String("room", *room),
		zap.String("identity", *identity),
		zap.String("relay", cfg.RelayURL),
		zap.String("diag", cfg.DiagAddr),
	)

	engine, err := media.NewDeviceEngine(cfg, logger.Named("media"))
	if err != nil {
		logger.Fatal("failed to set up media engine", zap.Error(err))
	}

	ctrl := session.NewController(session.Options{
		Config: cfg,
		Logger: logger,
		Engine: engine,
		Tokens: token.NewClient(cfg.TokenEndpoint, cfg.TokenRetries, logger.Named("token")),
		NewRoom: func(relayURL string, h *relay.Handler) relay.Room {
			return relay.NewPionRoom(relayURL, h, logger.Named("relay"))
		},
	})

	diagSrv := diag.NewServer(cfg.DiagAddr, ctrl, logger.Named("diag"))
	go func() {
		if err := diagSrv.Start(); err != nil {
			logger.Fatal("diagnostics server failed", zap.Error(err))
		}
	}()

	events, unsubscribe := ctrl.Events()
	defer unsubscribe()
	go logEvents(logger, events)

	joinCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	err = ctrl.Join(joinCtx, *room, *identity, *name, *host)
	cancel()
	if err != nil {
		logger.Fatal("failed to join meeting", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ctrl.Snapshot().Sharing {
		if err := ctrl.StopScreenShare(shutdownCtx); err != nil {
			logger.Warn("stop screen share", zap.Error(err))
		}
	}
	if err := ctrl.Leave(shutdownCtx); err != nil && err != session.ErrNotConnected {
		logger.Warn("leave meeting", zap.Error(err))
	}
	diagSrv.Shutdown(shutdownCtx)
}

func logEvents(logger *zap.Logger, events <-chan session.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case session.ConnectedEvent:
			logger.Info("session connected")
		case session.DisconnectedEvent:
			logger.Info("session disconnected", zap.String("reason", e.Reason.String()))
		case session.ReconnectingEvent:
			logger.Info("session reconnecting", zap.Duration("in", e.Delay))
		case session.ReconnectFailedEvent:
			logger.Warn("reconnect gave up", zap.Int("attempts", e.Attempts))
		case session.ParticipantsEvent:
			logger.Info("roster changed", zap.Int("participants", len(e.Participants)))
		case session.ParticipantRemovedEvent:
			logger.Info("participant removed by host", zap.String("identity", e.Participant.Identity))
		case session.ChatEvent:
			logger.Info("chat", zap.String("from", e.Message.SenderName), zap.String("message", e.Message.Message))
		case session.ReactionEvent:
			logger.Info("reaction", zap.String("from", e.Reaction.SenderName), zap.String("emoji", e.Reaction.Emoji))
		case session.ShareRequestEvent:
			logger.Info("screen share requested", zap.String("from", e.UserName), zap.String("request", e.RequestID))
		case session.ShareStartedEvent:
			logger.Info("screen share started", zap.String("by", e.UserName))
		case session.ShareStoppedEvent:
			logger.Info("screen share stopped", zap.String("sharer", e.UserName), zap.String("stopped_by", e.StoppedByName))
		case session.MeetingEndedEvent:
			logger.Info("meeting ended", zap.String("by", e.EndedByName))
		case session.MuteRequestedEvent:
			logger.Info("muted by host", zap.String("by", e.MutedByID))
		case session.CoHostChangedEvent:
			logger.Info("co-host rights changed", zap.Bool("co_host", e.CoHost))
		case session.SpeakerMutedEvent:
			logger.Info("speaker mute changed", zap.Bool("muted", e.Muted))
		}
	}
}
