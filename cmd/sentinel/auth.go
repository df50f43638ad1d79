package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/config"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
)

var errNoCredentials = errors.New("no valid session, remember token or password")

type sessionAPI interface {
	SetSessionToken(token string)
	ValidateSession(ctx context.Context) error
	Login(ctx context.Context, login, password string, rememberMe bool) (*broker.Session, error)
	LoginWithRememberToken(ctx context.Context, login, rememberToken string) (*broker.Session, error)
}

// authenticate reuses the persisted session when the broker still accepts
// it, then falls back to the remember token and finally the password. A new
// session is persisted.
func authenticate(ctx context.Context, api sessionAPI, store storage.Interface,
	cfg config.BrokerConfig, logger *logrus.Logger) error {
	saved, err := store.LoadSession()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		saved = nil
	case err != nil:
		logger.WithError(err).Warn("Failed to load saved session")
		saved = nil
	case saved.Login != cfg.Login:
		saved = nil
	}

	if saved != nil && saved.SessionToken != "" {
		api.SetSessionToken(saved.SessionToken)
		err := api.ValidateSession(ctx)
		if err == nil {
			logger.Info("Reusing saved session")
			return nil
		}
		logger.WithError(err).Info("Saved session rejected")
	}

	var (
		session  *broker.Session
		loginErr error
	)
	if saved != nil && saved.RememberToken != "" {
		session, loginErr = api.LoginWithRememberToken(ctx, cfg.Login, saved.RememberToken)
		if loginErr != nil {
			logger.WithError(loginErr).Warn("Remember token login failed")
		}
	}
	if session == nil && cfg.Password != "" {
		session, loginErr = api.Login(ctx, cfg.Login, cfg.Password, cfg.RememberMe)
	}
	if session == nil {
		if loginErr != nil {
			return fmt.Errorf("authenticate: %w", loginErr)
		}
		return fmt.Errorf("authenticate: %w", errNoCredentials)
	}

	rec := storage.SessionRecord{
		Login:         cfg.Login,
		SessionToken:  session.SessionToken,
		RememberToken: session.RememberToken,
		CreatedAt:     time.Now().UTC(),
	}
	if rec.RememberToken == "" && saved != nil {
		rec.RememberToken = saved.RememberToken
	}
	if err := store.SaveSession(rec); err != nil {
		logger.WithError(err).Warn("Failed to persist session")
	}
	return nil
}
