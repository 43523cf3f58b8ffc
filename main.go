package main

import (
	"context"
	"encoding/base64"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"portalfusion/config"
	"portalfusion/crypto"
	"portalfusion/models"
	"portalfusion/network"
	"portalfusion/pairing"
	"portalfusion/protocol"
	"portalfusion/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal("startup failed while loading config", zap.Error(err))
	}

	signingKey, verifyKey, err := crypto.EnsureSigningKeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		logger.Fatal("startup failed while preparing Ed25519 keypair", zap.Error(err))
	}
	exchangeKey, err := crypto.EnsureExchangeKey(cfg.X25519PrivateKeyPath)
	if err != nil {
		logger.Fatal("startup failed while preparing X25519 keypair", zap.Error(err))
	}

	fingerprint := crypto.Fingerprint(verifyKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			logger.Fatal("startup failed while persisting key fingerprint", zap.Error(err))
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal("startup failed while opening database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	listenAddress := ""
	if cfg.PortMode == config.PortModeFixed {
		listenAddress = ":" + strconv.Itoa(cfg.ListeningPort)
	}
	listener, err := network.Listen(listenAddress)
	if err != nil {
		logger.Fatal("startup failed while opening listener", zap.Error(err))
	}
	defer func() { _ = listener.Close() }()

	identity := models.Identity{
		Device: models.Device{
			ID:          cfg.DeviceID,
			Name:        cfg.DeviceName,
			PublicKey:   base64.StdEncoding.EncodeToString(verifyKey),
			ExchangeKey: base64.StdEncoding.EncodeToString(exchangeKey.PublicKey().Bytes()),
			Fingerprint: fingerprint,
			IP:          localAddr(listener),
			Port:        listenerPort(listener),
			Status:      models.StatusOnline,
		},
		SigningKey:  signingKey,
		ExchangeKey: exchangeKey,
	}

	codec := protocol.NewCodec(protocol.CodecOptions{
		MaxMessageSize:       cfg.Session.MaxMessageBytes,
		CompressionThreshold: cfg.Session.CompressionThreshold,
	})

	pairingService, err := pairing.NewService(pairing.Options{
		Identity:       identity,
		Store:          store,
		PINLength:      cfg.Session.PairingPINLength,
		MaxAttempts:    cfg.Session.PairingMaxAttempts,
		SessionTimeout: cfg.PairingTimeout(),
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("startup failed while building pairing service", zap.Error(err))
	}
	defer pairingService.Close()

	manager, err := network.NewManager(network.ManagerOptions{
		Identity:              identity,
		Codec:                 codec,
		Store:                 store,
		Dialers:               map[string]network.Dialer{"tcp": network.TCPDialer{Timeout: cfg.ConnectTimeout()}},
		Protocol:              "tcp",
		ConnectTimeout:        cfg.ConnectTimeout(),
		HeartbeatInterval:     cfg.HeartbeatInterval(),
		ReconnectBaseInterval: cfg.ReconnectBaseInterval(),
		MaxReconnectAttempts:  cfg.Session.MaxReconnectAttempts,
		Logger:                logger,
	})
	if err != nil {
		logger.Fatal("startup failed while building connection manager", zap.Error(err))
	}
	defer func() { _ = manager.Close() }()

	manager.Serve(listener)
	go logManagerEvents(logger, manager.Events())
	go logPairingEvents(logger, pairingService.Events())
	go drainInbound(logger, manager.Inbound())

	logger.Info("portalfusion running",
		zap.String("device_id", cfg.DeviceID),
		zap.String("device_name", cfg.DeviceName),
		zap.String("listen_addr", listener.Addr().String()),
		zap.String("fingerprint", fingerprint),
		zap.String("config_file", cfgPath),
		zap.String("database_file", dbPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("shutting down")
}

func localAddr(listener *network.Listener) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return listener.Addr().String()
	}
	return host
}

func listenerPort(listener *network.Listener) int {
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func logManagerEvents(logger *zap.Logger, events <-chan network.Event) {
	for event := range events {
		switch event.Kind {
		case network.EventConnected:
			logger.Info("session up", zap.String("device_id", event.DeviceID))
		case network.EventDisconnected:
			logger.Info("session down", zap.String("device_id", event.DeviceID))
		case network.EventError:
			logger.Warn("session error", zap.String("device_id", event.DeviceID), zap.Error(event.Err))
		}
	}
}

func logPairingEvents(logger *zap.Logger, events <-chan pairing.Event) {
	for event := range events {
		deviceID := ""
		if event.Device != nil {
			deviceID = event.Device.ID
		}
		logger.Info("pairing event",
			zap.String("kind", string(event.Kind)),
			zap.String("session_id", event.SessionID),
			zap.String("device_id", deviceID))
	}
}

func drainInbound(logger *zap.Logger, inbound <-chan network.Inbound) {
	for in := range inbound {
		logger.Info("message received",
			zap.String("device_id", in.DeviceID),
			zap.String("message_id", in.Message.ID),
			zap.String("type", string(in.Message.Type)))
	}
}
