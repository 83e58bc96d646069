package main

import (
	"context"

	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/config"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog/log"
)

// autoConnect opens the auto-connect profile, if one is saved. Failures are
// logged; the API stays up for a manual connect.
func autoConnect(ctx context.Context, c *client.Client, path string) {
	set, err := config.LoadProfiles(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("meshctl.autoConnect load profiles")
		return
	}
	p, ok := set.AutoConnect()
	if !ok {
		return
	}
	params, err := p.Params()
	if err != nil {
		log.Warn().Err(err).Str("profile", p.Name).Msg("meshctl.autoConnect")
		return
	}
	log.Info().Str("profile", p.Name).Str("target", params.String()).Msg("meshctl.autoConnect")
	if err := c.Connect(ctx, params); err != nil {
		log.Warn().Err(err).Str("profile", p.Name).Msg("meshctl.autoConnect failed")
	}
}

// rememberConnections stamps the matching profile each time a session
// reaches configured.
func rememberConnections(ctx context.Context, c *client.Client, path string, notes <-chan client.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.Kind != client.NotifyStatus || n.Status != client.StatusConfigured {
				continue
			}
			params, ok := c.Params()
			if !ok {
				continue
			}
			if err := rememberProfile(path, params, n); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("meshctl.rememberConnections")
			}
		}
	}
}

func rememberProfile(path string, params transport.Params, n client.Notification) error {
	set, err := config.LoadProfiles(path)
	if err != nil {
		return err
	}
	p := set.Remember(params, n.At)
	if err := config.SaveProfiles(path, set); err != nil {
		return err
	}
	log.Debug().Str("profile", p.Name).Msg("meshctl.rememberProfile")
	return nil
}
