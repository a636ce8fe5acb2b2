package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/billboard-callassist/internal/api"
	"github.com/amanullahtanweer/billboard-callassist/internal/assist"
	"github.com/amanullahtanweer/billboard-callassist/internal/audiobridge"
	"github.com/amanullahtanweer/billboard-callassist/internal/call"
	"github.com/amanullahtanweer/billboard-callassist/internal/config"
	"github.com/amanullahtanweer/billboard-callassist/internal/credential"
	"github.com/amanullahtanweer/billboard-callassist/internal/endpoint"
	"github.com/amanullahtanweer/billboard-callassist/internal/issuer"
	"github.com/amanullahtanweer/billboard-callassist/internal/lead"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
	"github.com/amanullahtanweer/billboard-callassist/internal/oneshot"
	"github.com/amanullahtanweer/billboard-callassist/internal/store"
	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/callassist.yaml", "Configuration file path")
	flag.Parse()

	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load(configFile)
	if err != nil {
		logging.Errorw("failed to load config", "path", configFile, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logging.Errorw("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Errorw("call assist stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Call audio arrives over AudioSocket, one connection per leg.
	bridge := audiobridge.New(audiobridge.Config{
		Host:       cfg.AudioSocket.Host,
		Port:       cfg.AudioSocket.Port,
		SampleRate: cfg.AudioSocket.SampleRate,
	})
	go func() {
		if err := bridge.Start(); err != nil {
			logging.Errorw("audiosocket server failed", "err", err)
		}
	}()
	defer bridge.Stop()

	var (
		meterOpts      []usage.Option
		managerOpts    []transcription.Option
		archive        assist.Archiver
		uploads        assist.FileTranscriber
		leadExtraction *lead.Notifier
	)

	if cfg.Redis.Addr != "" {
		rdb, err := store.DialRedis(ctx, cfg.Redis.Addr, cfg.Secrets.RedisPassword, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			logging.Warnw("redis unavailable, usage and transcripts are not persisted", "addr", cfg.Redis.Addr, "err", err)
		} else {
			defer rdb.Close()
			meterOpts = append(meterOpts, usage.WithStore(rdb))
			managerOpts = append(managerOpts, transcription.WithTranscriptStore(rdb))
		}
	}

	if cfg.Firestore.Enabled {
		fs, err := store.NewFirestoreArchive(ctx, store.FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			Collection:      cfg.Firestore.Collection,
			CredentialsFile: cfg.Secrets.FirebaseCredentialsFile,
			CredentialsJSON: cfg.Secrets.FirebaseCredentialsJSON,
		})
		if err != nil {
			logging.Warnw("firestore unavailable, calls are not archived", "err", err)
		} else {
			defer fs.Close()
			archive = fs
		}
	}

	if cfg.OpenAI.WhisperModel != "" {
		uploads = oneshot.New(cfg.Secrets.OpenAIAPIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.WhisperModel, cfg.Transcription.Language)
	}

	if cfg.OpenAI.LeadModel != "" {
		var cues *lead.CueMatcher
		if cfg.OpenAI.LeadCuesPath != "" {
			m, err := lead.NewCueMatcher(cfg.OpenAI.LeadCuesPath)
			if err != nil {
				logging.Warnw("lead cues disabled", "path", cfg.OpenAI.LeadCuesPath, "err", err)
			} else {
				cues = m
			}
		}
		extractor := lead.NewOpenAIExtractor(cfg.Secrets.OpenAIAPIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.LeadModel)
		leadExtraction = lead.NewNotifier(extractor, cues, cfg.OpenAI.LeadEveryN)
	}

	iss := issuer.New(issuer.Config{
		AccountSID:    cfg.Telephony.AccountSID,
		APIKeySID:     cfg.Telephony.APIKeySID,
		APISecret:     cfg.Secrets.TwilioAPISecret,
		TwiMLAppSID:   cfg.Telephony.TwiMLAppSID,
		Identity:      cfg.Telephony.Identity,
		TokenTTL:      time.Duration(cfg.Telephony.TokenTTLSeconds * float64(time.Second)),
		RatePerMinute: cfg.Billing.RatePerMinute,
	}, issuer.NewRealtimeClient(cfg.Transcription.SessionURL, cfg.Secrets.OpenAIAPIKey, cfg.Transcription.Model, cfg.Transcription.Language))

	// The operator side reaches the issuer over HTTP like any other client.
	creds := credential.NewClient(cfg.Credential.BaseURL, cfg.Credential.Timeout)

	ep := endpoint.New(endpoint.Config{
		HealthInterval: cfg.Endpoint.HealthInterval,
		ConflictGrace:  cfg.Endpoint.ConflictGrace,
	}, creds, telephony.NewSignalingFactory(cfg.Telephony.SignalingURL, bridge))

	calls := call.NewController(call.Config{
		AcceptDelay:       cfg.Call.AcceptDelay,
		OriginalCallerKey: cfg.Telephony.OriginalCallerKey,
	})

	meter := usage.NewMeter(creds, meterOpts...)
	transcriber := transcription.NewManager(transcription.SessionConfig{
		URL:      cfg.Transcription.RealtimeURL,
		Model:    cfg.Transcription.Model,
		Language: cfg.Transcription.Language,
		VAD: transcription.VAD{
			Threshold:         cfg.Transcription.VAD.Threshold,
			PrefixPaddingMs:   cfg.Transcription.VAD.PrefixPaddingMs,
			SilenceDurationMs: cfg.Transcription.VAD.SilenceDurationMs,
		},
		SendInterval: cfg.Transcription.SendInterval,
		DialTimeout:  cfg.Transcription.DialTimeout,
	}, creds, meter, transcription.NewLog(), managerOpts...)

	svc := assist.New(assist.Deps{
		Endpoint:    ep,
		Calls:       calls,
		Transcriber: transcriber,
		Leads:       leadExtraction,
		Archive:     archive,
		Upload:      uploads,
		JournalDir:  cfg.Journal.OutputDir,
	})
	defer svc.Close()

	go svc.Run(ctx)
	go ep.Run(ctx)
	if leadExtraction != nil {
		go leadExtraction.Run(ctx)
	}

	router := api.NewRouter(svc, iss, api.Config{
		Identity:          cfg.Telephony.Identity,
		OriginalCallerKey: cfg.Telephony.OriginalCallerKey,
		TwilioAuthToken:   cfg.Secrets.TwilioAuthToken,
		WebhookURL:        cfg.Telephony.WebhookURL,
	})
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	// Registration fetches its token from the issuer routes above, so the
	// listener must be bound first.
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.Infow("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		if err := svc.Start(ctx); err != nil {
			logging.Warnw("initial registration failed", "err", err)
			return
		}
		logging.Infow("operator endpoint initialized", "identity", cfg.Telephony.Identity)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logging.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	svc.Logout(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http shutdown", "err", err)
	}
	return nil
}
