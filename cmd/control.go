package main

import (
	"context"
	"os"
	"syscall"

	"github.com/vadiminshakov/lotbot/config"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"go.uber.org/zap"
)

// operator is the part of the engine an operator drives by flags and signals.
type operator interface {
	Accounts() []string
	TripBreaker(ctx context.Context, accountID, reason string) error
	ResetBreaker(ctx context.Context, accountID string) error
	ResumeBuying(ctx context.Context, accountID string) (domain.BuyPauseSnapshot, error)
}

type lister interface {
	List(ctx context.Context) ([]string, error)
}

// applyControls runs the requested actions: trips first, then resets, then resumes.
func applyControls(ctx context.Context, op operator, c config.Controls, logger *zap.Logger) error {
	for _, id := range selectAccounts(op, c.TripBreaker) {
		if err := op.TripBreaker(ctx, id, "operator"); err != nil {
			return err
		}
		logger.Warn("circuit breaker tripped by operator", zap.String("account", id))
	}
	for _, id := range selectAccounts(op, c.ResetBreaker) {
		if err := op.ResetBreaker(ctx, id); err != nil {
			return err
		}
		logger.Info("circuit breaker reset by operator", zap.String("account", id))
	}
	for _, id := range selectAccounts(op, c.Resume) {
		snap, err := op.ResumeBuying(ctx, id)
		if err != nil {
			return err
		}
		logger.Info("buying resumed by operator", zap.String("account", id), zap.String("state", string(snap.State)))
	}
	return nil
}

func selectAccounts(op operator, ids []string) []string {
	for _, id := range ids {
		if id == config.AllAccounts {
			return op.Accounts()
		}
	}
	return ids
}

// watchSignals resumes buying of every account on SIGUSR1 and resets every breaker
// on SIGUSR2, until ctx is done.
func watchSignals(ctx context.Context, op operator, sigs <-chan os.Signal, logger *zap.Logger) error {
	all := []string{config.AllAccounts}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			var c config.Controls
			switch sig {
			case syscall.SIGUSR1:
				c.Resume = all
			case syscall.SIGUSR2:
				c.ResetBreaker = all
			default:
				continue
			}
			if err := applyControls(ctx, op, c, logger); err != nil {
				logger.Error("operator signal failed", zap.Stringer("signal", sig), zap.Error(err))
			}
		}
	}
}

// unconfiguredAccounts returns stored accounts missing from the config. Their state
// is kept but nothing trades them.
func unconfiguredAccounts(ctx context.Context, store lister, accounts []config.AccountConfig) ([]string, error) {
	stored, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	configured := make(map[string]struct{}, len(accounts))
	for _, acc := range accounts {
		configured[acc.ID] = struct{}{}
	}
	var orphans []string
	for _, id := range stored {
		if _, ok := configured[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}
