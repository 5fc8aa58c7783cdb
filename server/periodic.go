package server

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// maintenanceInterval is the base period of every background task; each
// tick adds an independent uniform jitter of [10,100) seconds, so
// multiple instances that started together drift apart instead of
// stampeding the database at the same instant forever.
const maintenanceInterval = 3600 * time.Second

func jitteredInterval() time.Duration {
	return maintenanceInterval + time.Duration(10+rand.Intn(90))*time.Second
}

// RunMaintenance runs the three background maintenance loops until ctx
// is canceled: callback-state GC, authorization-code GC, and the
// signing-key rotation pass. The rotation pass also runs once
// immediately, so a fresh deployment has signing keys before its first
// authorize request; an error from that first pass is returned before
// any loop starts. Once started, tasks log failures and keep looping;
// only ctx cancellation stops them.
func (s *Server) RunMaintenance(ctx context.Context) error {
	if err := s.signingStore.Rotate(ctx, s.now()); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.maintenanceLoop(ctx, "oauth_callback_state_gc", func(ctx context.Context) error {
			n, err := s.storage.DeleteExpiredOAuthCallbackStates(ctx, s.now())
			if n > 0 {
				s.logger.Info("deleted expired oauth callback states", "count", n)
			}
			return err
		})
	})
	g.Go(func() error {
		return s.maintenanceLoop(ctx, "oidc_token_gc", func(ctx context.Context) error {
			n, err := s.storage.DeleteExpiredOidcTokens(ctx, s.now())
			if n > 0 {
				s.logger.Info("deleted expired authorization codes", "count", n)
			}
			return err
		})
	})
	g.Go(func() error {
		return s.maintenanceLoop(ctx, "signing_key_rotation", func(ctx context.Context) error {
			return s.signingStore.Rotate(ctx, s.now())
		})
	})

	return g.Wait()
}

func (s *Server) maintenanceLoop(ctx context.Context, name string, task func(context.Context) error) error {
	for {
		timer := time.NewTimer(jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := task(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("maintenance task failed", "task", name, "err", err)
		}
	}
}
