package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/weiawesome/wes-collab/internal/client"
	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/reconcile"
	pkglog "github.com/weiawesome/wes-collab/pkg/log"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      true,
		ServiceName: "collab-client",
	})
	logger := pkglog.L()

	if cfg.Client.Token == "" || cfg.Client.DocumentID == "" {
		logger.Fatal().Msg("client.token and client.document_id are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = pkglog.WithLogger(ctx, logger)

	docs := client.NewDocumentClient(cfg.Client.APIURL, cfg.Client.Token, cfg.Reconcile.SaveTimeout)
	doc, err := docs.Get(ctx, cfg.Client.DocumentID)
	if err != nil {
		logger.Fatal().Err(err).Str(pkglog.FieldDocumentID, cfg.Client.DocumentID).Msg("failed to load document")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Client.DialTimeout)
	conn, err := client.Dial(dialCtx, cfg.Client.ServerURL)
	dialCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer conn.Close()

	user, err := conn.Authenticate(ctx, cfg.Client.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("authentication failed")
	}
	logger = logger.With().Str(pkglog.FieldUserID, user.UserID).Str(pkglog.FieldUsername, user.Username).Logger()

	engine := reconcile.NewEngine(docs, conn, user.UserID, cfg.Reconcile, reconcile.Options{
		OnSaveError: func(err *reconcile.SaveError) {
			logger.Warn().Err(err.Err).Str("kind", string(err.Kind)).Msg("save failed, local copy reloaded")
		},
	})

	conn.OnEvent(func(ev domain.ServerEvent) {
		switch e := ev.(type) {
		case *domain.ChangeBroadcast:
			if engine.ApplyRemote(e) {
				if s, ok := engine.State(); ok {
					logger.Info().Str("from", e.UpdatedByUsername).Str("title", s.LocalTitle).Msg(s.LocalContent)
				}
			}
		case *domain.DocumentJoined:
			names := make([]string, 0, len(e.Members))
			for _, m := range e.Members {
				names = append(names, m.Username)
			}
			logger.Info().Strs(pkglog.FieldMembers, names).Msg("joined document")
		case *domain.UserJoined:
			logger.Info().Str("user", e.Username).Msg("user joined")
		case *domain.UserLeft:
			logger.Info().Str("user", e.Username).Msg("user left")
		case *domain.UserTyping:
			logger.Debug().Str("user", e.Username).Bool("typing", e.IsTyping).Msg("typing")
		case *domain.SessionEvicted:
			logger.Warn().Str("reason", e.Reason).Msg("session evicted")
		case *domain.ErrorEvent:
			logger.Warn().Str("code", string(e.Code)).Msg(e.Message)
		}
	})

	if err := engine.Open(doc); err != nil {
		logger.Fatal().Err(err).Msg("failed to open document")
	}
	defer engine.Close()
	logger.Info().Str(pkglog.FieldDocumentID, doc.ID).Str("title", doc.Title).Msg(doc.Content)

	// each stdin line replaces the document content
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := engine.LocalEdit(nil, &line); err != nil {
				logger.Warn().Err(err).Msg("edit dropped")
			}
		case <-conn.Done():
			logger.Warn().Err(conn.Err()).Msg("connection ended")
			return
		case <-ctx.Done():
			return
		}
	}
}
