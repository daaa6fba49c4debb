package main

import (
	"context"
	"log"

	"github.com/brutella/dnssd"
)

const announceServiceType = "_ledhub-api._tcp"

// Announcer publishes the API endpoint over mDNS so monitors find the
// hub without configuration.
type Announcer struct {
	cancel context.CancelFunc
}

func StartAnnouncer(name string, port int, version string) (*Announcer, error) {
	cfg := dnssd.Config{
		Name: name,
		Type: announceServiceType,
		Port: port,
		Text: map[string]string{
			"version": version,
			"api":     "/api",
		},
	}
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, err
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, err
	}
	if _, err := rp.Add(sv); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[DNSSD] responder stopped: %v", err)
		}
	}()
	log.Printf("[DNSSD] announcing %s.%s on port %d", name, announceServiceType, port)
	return &Announcer{cancel: cancel}, nil
}

func (a *Announcer) Stop() {
	a.cancel()
}
