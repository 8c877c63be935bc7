package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/chat-session-engine/internal/app/bootstrap"
	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/clock"
	appconfig "github.com/wolfman30/chat-session-engine/internal/config"
	"github.com/wolfman30/chat-session-engine/internal/observability/metrics"
	"github.com/wolfman30/chat-session-engine/internal/session"
	"github.com/wolfman30/chat-session-engine/internal/transport"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/internal/voice"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	// keep the terminal for the conversation; logs go to stderr
	logger := logging.NewWithWriter(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("chat client stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, in io.Reader, out io.Writer) error {
	clk := clock.Real{}

	reg := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngineMetrics(reg)
	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, cfg.StorageBackend == "redis")
	if redisClient != nil {
		defer redisClient.Close()
	}
	scope := cfg.UserID
	if scope == "" {
		scope = cfg.ClientKey
	}
	store, err := bootstrap.BuildStore(cfg, redisClient, scope)
	if err != nil {
		return err
	}
	limiter := bootstrap.BuildRatingLimiter(cfg, redisClient, scope, engineMetrics, clk, logger)

	api, err := backend.New(backend.Config{
		BaseURL:    cfg.APIBaseURL,
		RatingURL:  cfg.RatingURL,
		RatingKey:  cfg.RatingKey,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.HTTPMaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	ws := transport.NewWSClient(transport.WSConfig{
		URL:       cfg.SocketURL,
		ClientKey: cfg.ClientKey,
		Logger:    logger,
	})

	snapshots := make(chan session.Snapshot, 1)
	notices := make(chan session.Notice, 16)
	eng := session.New(session.Config{
		ClientKey:           cfg.ClientKey,
		ChannelKey:          cfg.ChannelKey,
		RoutingCode:         cfg.RoutingCode,
		RoomToken:           cfg.RoomToken,
		RoomHash:            cfg.RoomHash,
		ReconnectDelay:      cfg.ReconnectDelay,
		ReconnectRetryDelay: cfg.ReconnectRetryDelay,
		StarsResetDelay:     cfg.ResetMarkerDelay,
		RatingWindow:        cfg.RatingVisibleFor,
		VoiceRestartDelay:   cfg.VoiceRestartDelay,
	}, session.Deps{
		Backend:        api,
		Transport:      ws,
		Store:          store,
		Ratings:        api,
		Limiter:        limiter,
		Links:          api,
		UploadMaxBytes: cfg.UploadMaxBytes,
		URLCache:       upload.NewURLCache(clk, cfg.DownloadURLTTL),
		Clock:          clk,
		Logger:         logger,
		Metrics:        engineMetrics,
	},
		session.WithListener(func(s session.Snapshot) {
			// keep only the newest snapshot
			select {
			case <-snapshots:
			default:
			}
			snapshots <- s
		}),
		session.WithNotifier(func(n session.Notice) {
			select {
			case notices <- n:
			default:
			}
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = eng.Run(runCtx) }()

	p := newPrinter(out)
	go func() {
		for {
			select {
			case s := <-snapshots:
				p.print(s)
			case n := <-notices:
				p.notice(n)
			case <-eng.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(out, "type /help for commands")
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-eng.Done()
			return nil
		case <-eng.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				cancel()
				<-eng.Done()
				return nil
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if c.name == "quit" {
				cancel()
				<-eng.Done()
				return nil
			}
			if err := execute(ctx, eng, c, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func execute(ctx context.Context, eng *session.Engine, c command, out io.Writer) error {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	switch c.name {
	case "help":
		fmt.Fprintln(out, helpText)
		return nil
	case "send":
		_, err := eng.SendText(opCtx, c.text)
		return err
	case "status":
		s, err := eng.Snapshot(opCtx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "state=%s protocol=%s user=%s agent=%s queue=%d ready=%t handoff=%t survey=%s\n",
			s.State, s.Protocol, s.UserID, s.AgentID, s.QueuePosition, s.Ready, s.Handoff, s.Survey)
		return nil
	case "reset":
		return eng.RequestReset(opCtx)
	case "prefs":
		p, err := eng.Preferences(opCtx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%+v\n", p)
		return nil
	case "dark":
		on, err := parseYesNo(map[string]string{"on": "yes", "off": "no"}[c.args[0]])
		if err != nil {
			return err
		}
		_, err = eng.UpdatePreferences(opCtx, func(p *session.Preferences) { p.DarkMode = on })
		return err
	case "demand":
		resolved, err := parseYesNo(c.args[0])
		if err != nil {
			return err
		}
		return eng.SubmitDemand(opCtx, resolved)
	case "stars":
		n, err := parseStars(c.args[0])
		if err != nil {
			return err
		}
		res, err := eng.SubmitStars(opCtx, n)
		if err != nil {
			return err
		}
		if res != nil && res.Message != "" {
			fmt.Fprintln(out, "*", res.Message)
		}
		return nil
	case "upload":
		return uploadFile(opCtx, eng, c.args[0], out)
	case "download":
		data, err := eng.Download(opCtx, c.args[0])
		if err != nil {
			return err
		}
		if err := os.WriteFile(c.args[1], data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "* saved %d bytes to %s\n", len(data), c.args[1])
		return nil
	case "voice":
		return sendVoice(opCtx, eng, c.args[0], c.text)
	}

	// the remaining commands address an entry by its printed id
	s, err := eng.Snapshot(opCtx)
	if err != nil {
		return err
	}
	id, err := resolveID(s.Entries, c.args[0])
	if err != nil {
		return err
	}
	switch c.name {
	case "select":
		_, err = eng.SelectOption(opCtx, id, c.args[1])
		return err
	case "resend":
		return eng.Resend(opCtx, id)
	case "rate":
		v, err := parseValue(c.args[1])
		if err != nil {
			return err
		}
		outcome, err := eng.RateMessage(opCtx, id, v)
		if err != nil {
			return err
		}
		if outcome.Record == nil {
			fmt.Fprintln(out, "* rating removed")
		} else {
			fmt.Fprintf(out, "* rated %s\n", outcome.Record.Value)
		}
		return nil
	}
	return errors.New("unhandled command " + c.name)
}

func uploadFile(ctx context.Context, eng *session.Engine, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	mt, kind := mediaFor(path)
	res, err := eng.Upload(ctx, upload.File{
		Name:     info.Name(),
		MimeType: mt,
		Size:     info.Size(),
		Body:     f,
	}, kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "* uploaded %s as %s\n", info.Name(), res.Attachment.Key)
	return nil
}

func sendVoice(ctx context.Context, eng *session.Engine, path, phrase string) error {
	recog := &voice.ScriptedRecognizer{}
	if phrase != "" {
		recog.Phrases = []string{phrase}
	}
	if err := eng.StartVoice(ctx, &voice.FileRecorder{Path: path}, recog); err != nil {
		return err
	}
	_, err := eng.StopVoice(ctx)
	return err
}
