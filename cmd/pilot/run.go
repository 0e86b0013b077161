package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voxelcraft.ai/pilot/internal/agent"
	"voxelcraft.ai/pilot/internal/config"
	"voxelcraft.ai/pilot/internal/control"
	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/journal"
	"voxelcraft.ai/pilot/internal/store"
)

func loadProfile() (config.Profile, error) {
	if configPath == "" {
		return config.Defaults(), nil
	}
	return config.Load(configPath)
}

func runCmd() *cobra.Command {
	var initMessage string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the world and drive the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, p, initMessage)
		},
	}
	cmd.Flags().StringVar(&initMessage, "init-message", "", "message handed to the agent as a system turn on start")
	return cmd
}

func run(ctx context.Context, p config.Profile, initMessage string) error {
	if p.Responder.URL == "" {
		return fmt.Errorf("responder.url is required")
	}
	log := logger.With(zap.String("agent", p.Name))
	clk := clock.New()

	if err := os.MkdirAll(p.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	st, err := store.OpenSQLite(p.DBPath(), log)
	if err != nil {
		return err
	}
	defer st.Close()

	jr := journal.New(p.JournalDir(), clk, log)
	defer jr.Close()

	token := p.ResumeToken
	if token == "" {
		if token, err = st.ResumeToken(ctx); err != nil {
			log.Warn("load resume token", zap.Error(err))
		}
	}

	// The agent is built after the client; the callbacks only fire once
	// the client runs, by which point a is set.
	var a *agent.Agent
	client := game.NewClient(game.Config{
		WorldWSURL:  p.WorldWSURL,
		AgentName:   p.Name,
		ResumeToken: token,
		Logger:      log,
		Clock:       clk,
		OnUpdate: func(u game.Update) {
			if u.ResumeToken == "" {
				return
			}
			if err := st.SaveResumeToken(context.Background(), u.ResumeToken); err != nil {
				log.Warn("save resume token", zap.Error(err))
			}
		},
		OnChat:    func(from, text string) { a.HandleChat(from, text) },
		OnRespawn: func(died game.View) { a.HandleRespawn(died) },
	})

	a, err = agent.New(agent.Config{
		Name:         p.Name,
		Logger:       log,
		Clock:        clk,
		World:        client,
		Responder:    agent.NewHTTPResponder(p.Responder.URL, p.Name, time.Duration(p.Responder.TimeoutMS)*time.Millisecond),
		Store:        st,
		Journal:      jr,
		Tick:         p.Tick(),
		MaxResponses: p.Responder.MaxResponses,
		Narrate:      p.NarrateBehavior,
		RestoreGoal:  p.SelfPrompt.RestoreGoal,
		InitMessage:  initMessage,
		Actions:      p.ActionsConfig(),
		SelfPrompt:   p.SelfPromptConfig(),
		Tuning:       p.Tuning(),
		ModeStates:   p.Modes,
	})
	if err != nil {
		client.Close()
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return a.Run(gctx) })
	if p.Control.Listen != "" {
		srv, err := control.NewServer(control.Config{Pilot: a, HMACSecret: p.Control.HMACSecret, Logger: log})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(gctx, p.Control.Listen) })
	}

	log.Info("pilot started", zap.String("world", p.WorldWSURL), zap.Duration("tick", p.Tick()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("pilot stopped")
	return nil
}
